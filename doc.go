// Package mqlink implements the protocol engine of a persistent
// publish/subscribe client: session establishment and keepalive, the three
// delivery guarantee levels (at most once, at least once, exactly once),
// durable in-flight state across disconnects, scheduled reconnection with
// exponential backoff, and reassembly of payloads delivered in bounded
// fragments.
//
// A Client is created and connected with Dial or DialContext:
//
//	client, err := mqlink.Dial(
//		mqlink.WithServers("tcp://broker.example.com:1883"),
//		mqlink.WithClientID("sensor-42"),
//		mqlink.WithCleanSession(false),
//	)
//
// Publish returns a PublishToken that resolves when the delivery handshake
// for the requested QoS completes, the entry expires, or it is cancelled.
// Subscriptions registered with Subscribe are re-issued automatically after
// every reconnect that did not restore broker-side session state.
//
// Lifecycle transitions are reported through the OnEvent handler as a closed
// set of event values: check them with errors.Is against the Ev* sentinels
// and extract details with errors.As.
package mqlink
