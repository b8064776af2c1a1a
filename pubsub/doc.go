// Package pubsub implements the client side of the streaming platform's
// protocol and the bookkeeping for long-lived subscriptions.
//
// The protocol has two planes. Metadata and publishes are plain HTTP against
// the identity's instance host:
//
//	GET  /api/topics/<name>           topic descriptor
//	GET  /api/schemas/<id>            payload schema
//	POST /api/topics/<name>/publish   publish a batch of events
//
// Event delivery rides a WebSocket fetch stream opened against
// /api/subscribe. The subscriber sends FetchRequest frames naming how many
// events it is ready for; the platform answers with FetchResponse batches and
// reports the credit left after each one. The Manager keeps one reader
// goroutine per stream and tops the credit up before it runs dry, so delivery
// never stalls while the consumer keeps up.
//
// Every call carries its own AuthMeta. Nothing in this package caches or
// refreshes credentials; an unauthorized response surfaces to the caller
// unchanged.
package pubsub
