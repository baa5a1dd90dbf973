package mqlink

import (
	"strings"
	"unicode/utf8"
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
)

// ValidateTopicName validates a topic name. Names cannot contain wildcards
// and must be valid UTF-8 without null characters.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopic
	}
	for _, r := range topic {
		if r == 0 || r == singleLevelWildcard || r == multiLevelWildcard {
			return ErrInvalidTopic
		}
	}
	return nil
}

// ValidateTopicFilter validates a topic filter. Filters may contain the
// wildcards '+' (one level) and '#' (remaining levels, last level only),
// each occupying a whole level.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if !utf8.ValidString(filter) {
		return ErrInvalidTopic
	}
	for _, r := range filter {
		if r == 0 {
			return ErrInvalidTopic
		}
	}

	levels := strings.Split(filter, string(topicSeparator))
	for i, level := range levels {
		if strings.ContainsRune(level, singleLevelWildcard) && level != string(singleLevelWildcard) {
			return ErrInvalidTopic
		}
		if strings.ContainsRune(level, multiLevelWildcard) {
			if level != string(multiLevelWildcard) || i != len(levels)-1 {
				return ErrInvalidTopic
			}
		}
	}
	return nil
}

// TopicMatch reports whether a topic name matches a topic filter.
func TopicMatch(filter, topic string) bool {
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, string(topicSeparator))
	topicLevels := strings.Split(topic, string(topicSeparator))

	for i, fl := range filterLevels {
		if fl == string(multiLevelWildcard) {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl != string(singleLevelWildcard) && fl != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
