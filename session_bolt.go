package mqlink

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrBucketNotFound is returned when the session's buckets are missing
	// from the database file.
	ErrBucketNotFound = errors.New("bucket not found")
)

const (
	boltOutboxBucket        = "outbox"
	boltSubscriptionsBucket = "subscriptions"

	// defaultBoltTimeout bounds how long opening waits for the file lock.
	defaultBoltTimeout = 250 * time.Millisecond
)

// BoltSessionOptions configures the bbolt-backed session store.
type BoltSessionOptions struct {
	// Path is the database file path.
	Path string `yaml:"path" json:"path"`

	// Limits bounds the outbox.
	Limits OutboxLimits `yaml:"limits" json:"limits"`

	// Options are passed to bbolt; nil uses a short open timeout.
	Options *bbolt.Options `yaml:"-" json:"-"`
}

// BoltSession is a Session persisted in a bbolt database file, keyed by
// client identifier. It survives process restarts: a client reconnecting
// under the same identifier resumes its outbox and subscription set.
//
// Layout: one top-level bucket per client identifier, containing an
// "outbox" bucket (8-byte big-endian sequence number -> JSON entry) and a
// "subscriptions" bucket (topic filter -> JSON subscription). Reads are
// served from an in-memory mirror loaded at open; mutations write through.
type BoltSession struct {
	db     *bbolt.DB
	mirror *MemorySession
}

// OpenBoltSession opens (creating if needed) the persisted session for the
// client identifier.
func OpenBoltSession(clientID string, opts BoltSessionOptions) (*BoltSession, error) {
	if clientID == "" {
		return nil, ErrInvalidClientID
	}

	boltOpts := opts.Options
	if boltOpts == nil {
		boltOpts = &bbolt.Options{Timeout: defaultBoltTimeout}
	}

	db, err := bbolt.Open(opts.Path, 0o600, boltOpts)
	if err != nil {
		return nil, err
	}

	s := &BoltSession{
		db:     db,
		mirror: NewMemorySession(clientID, opts.Limits),
	}

	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// BoltSessionFactory returns a SessionFactory opening one database file
// per client identifier under the given options. The Path option is used
// as-is when only one client shares the store.
func BoltSessionFactory(opts BoltSessionOptions) SessionFactory {
	return func(clientID string) (Session, error) {
		return OpenBoltSession(clientID, opts)
	}
}

func seqKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}

// load fills the in-memory mirror from the database.
func (s *BoltSession) load() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(s.mirror.clientID))
		if err != nil {
			return err
		}
		outbox, err := root.CreateBucketIfNotExists([]byte(boltOutboxBucket))
		if err != nil {
			return err
		}
		subs, err := root.CreateBucketIfNotExists([]byte(boltSubscriptionsBucket))
		if err != nil {
			return err
		}

		err = outbox.ForEach(func(k, v []byte) error {
			var entry OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			s.mirror.entries[entry.Seq] = &entry
			s.mirror.order = append(s.mirror.order, entry.Seq)
			s.mirror.bytes += int64(len(entry.Payload))
			if entry.Seq > s.mirror.nextSeq {
				s.mirror.nextSeq = entry.Seq
			}
			return nil
		})
		if err != nil {
			return err
		}

		return subs.ForEach(func(k, v []byte) error {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			s.mirror.subscriptions[sub.TopicFilter] = sub
			return nil
		})
	})
}

// outboxBucket returns the session's outbox bucket within a transaction.
func (s *BoltSession) outboxBucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	root := tx.Bucket([]byte(s.mirror.clientID))
	if root == nil {
		return nil, ErrBucketNotFound
	}
	bucket := root.Bucket([]byte(boltOutboxBucket))
	if bucket == nil {
		return nil, ErrBucketNotFound
	}
	return bucket, nil
}

func (s *BoltSession) subsBucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	root := tx.Bucket([]byte(s.mirror.clientID))
	if root == nil {
		return nil, ErrBucketNotFound
	}
	bucket := root.Bucket([]byte(boltSubscriptionsBucket))
	if bucket == nil {
		return nil, ErrBucketNotFound
	}
	return bucket, nil
}

// ClientID returns the client identifier.
func (s *BoltSession) ClientID() string { return s.mirror.ClientID() }

// AppendEntry adds an entry to the outbox, assigning its sequence number.
func (s *BoltSession) AppendEntry(entry *OutboxEntry) error {
	if err := s.mirror.AppendEntry(entry); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := s.outboxBucket(tx)
		if err != nil {
			return err
		}
		value, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(entry.Seq), value)
	})
	if err != nil {
		s.mirror.RemoveEntry(entry.Seq)
		return err
	}
	return nil
}

// UpdateEntry persists a state change of an existing entry.
func (s *BoltSession) UpdateEntry(entry *OutboxEntry) error {
	if err := s.mirror.UpdateEntry(entry); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := s.outboxBucket(tx)
		if err != nil {
			return err
		}
		value, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(entry.Seq), value)
	})
}

// RemoveEntry deletes an entry by sequence number.
func (s *BoltSession) RemoveEntry(seq uint64) error {
	if err := s.mirror.RemoveEntry(seq); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := s.outboxBucket(tx)
		if err != nil {
			return err
		}
		return bucket.Delete(seqKey(seq))
	})
}

// Entries returns the outstanding entries in submission order.
func (s *BoltSession) Entries() []*OutboxEntry { return s.mirror.Entries() }

// OutboxCount returns the number of outstanding entries.
func (s *BoltSession) OutboxCount() int { return s.mirror.OutboxCount() }

// OutboxBytes returns the aggregate payload size of outstanding entries.
func (s *BoltSession) OutboxBytes() int64 { return s.mirror.OutboxBytes() }

// SetSubscription records a subscription.
func (s *BoltSession) SetSubscription(sub Subscription) {
	s.mirror.SetSubscription(sub)
	s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := s.subsBucket(tx)
		if err != nil {
			return err
		}
		value, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(sub.TopicFilter), value)
	})
}

// RemoveSubscription deletes a subscription by filter.
func (s *BoltSession) RemoveSubscription(filter string) bool {
	removed := s.mirror.RemoveSubscription(filter)
	if removed {
		s.db.Update(func(tx *bbolt.Tx) error {
			bucket, err := s.subsBucket(tx)
			if err != nil {
				return err
			}
			return bucket.Delete([]byte(filter))
		})
	}
	return removed
}

// GetSubscription returns the subscription for a filter.
func (s *BoltSession) GetSubscription(filter string) (Subscription, bool) {
	return s.mirror.GetSubscription(filter)
}

// Subscriptions returns all recorded subscriptions.
func (s *BoltSession) Subscriptions() []Subscription {
	return s.mirror.Subscriptions()
}

// Clear discards the outbox and the subscription set.
func (s *BoltSession) Clear() error {
	if err := s.mirror.Clear(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(s.mirror.clientID))
		if root == nil {
			return ErrBucketNotFound
		}
		if err := root.DeleteBucket([]byte(boltOutboxBucket)); err != nil {
			return err
		}
		if err := root.DeleteBucket([]byte(boltSubscriptionsBucket)); err != nil {
			return err
		}
		if _, err := root.CreateBucket([]byte(boltOutboxBucket)); err != nil {
			return err
		}
		_, err := root.CreateBucket([]byte(boltSubscriptionsBucket))
		return err
	})
}

// Close closes the database file.
func (s *BoltSession) Close() error { return s.db.Close() }
