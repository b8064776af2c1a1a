/*
Package bridge provides the local helper process that brokers platform
traffic for sandboxed clients, and the client that talks to it. The two ends
share one multiplexed WebSocket channel, so a client needs exactly one
outbound connection no matter how many calls and subscriptions it runs.

There are two frame kinds on the channel: "request" frames are sent
client->bridge, and "response" frames are sent bridge->client. Their schema
is described in types.go.

The channel proceeds as follows:

1. The client opens a WebSocket connection to the bridge's /channel endpoint.
2. The client sends a handshake frame; the bridge answers with the loopback
port and per-session secret of its payload relay.
3. The client sends request frames, each with a fresh correlation id; the
bridge answers each with a response frame carrying the same id. Responses
may arrive in any order, and each op runs in its own goroutine on the
bridge, so a slow call never holds up the channel.
4. Subscription traffic flows bridge->client as uncorrelated frames keyed by
subscription id, interleaved with responses.

Responses whose frame would exceed the channel's frame limit are not sent
inline. The bridge parks the complete frame in its relay and answers with a
stub naming the parked payload; the client fetches it with a plain GET
against the relay port, authenticated by the session secret, and parses it
exactly as if it had arrived inline. Each parked payload can be fetched once
and expires on its own if never fetched.

Channels are scoped to the connection. If the connection dies for any
reason, pending calls fail, subscriptions are torn down on both ends, and
parked payloads are discarded; nothing reconnects by itself.
*/
package bridge
