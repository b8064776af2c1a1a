package pubsub

import "encoding/json"

// ReplayPreset selects where a new subscription starts reading a topic's
// event stream.
type ReplayPreset string

const (
	// ReplayLatest starts after the newest retained event.
	ReplayLatest ReplayPreset = "LATEST"
	// ReplayEarliest starts from the earliest retained event.
	ReplayEarliest ReplayPreset = "EARLIEST"
	// ReplayCustom starts after a caller-supplied replay id.
	ReplayCustom ReplayPreset = "CUSTOM"
)

// AuthMeta is the per-call metadata the platform requires. TenantID may be
// left empty, in which case it is derived from the access token (see
// DeriveTenantID).
type AuthMeta struct {
	AccessToken string `json:"accessToken"`
	InstanceURL string `json:"instanceUrl"`
	TenantID    string `json:"tenantId,omitempty"`
}

// FetchRequest is a client->platform frame on the fetch stream. The first
// frame of a stream must carry the topic and replay fields; subsequent frames
// carry only NumRequested and extend the platform's outstanding-event credit.
type FetchRequest struct {
	TopicName    string       `json:"topicName,omitempty"`
	ReplayPreset ReplayPreset `json:"replayPreset,omitempty"`
	ReplayID     string       `json:"replayId,omitempty"`
	NumRequested int          `json:"numRequested"`
}

// FetchResponse is a platform->client frame on the fetch stream: a batch of
// events plus the credit remaining after the batch. A frame with Error set is
// the last frame of the stream.
type FetchResponse struct {
	Events              []ConsumerEvent `json:"events,omitempty"`
	LatestReplayID      string          `json:"latestReplayId,omitempty"`
	PendingNumRequested int             `json:"pendingNumRequested"`
	Error               *StreamError    `json:"error,omitempty"`
}

// ConsumerEvent is one delivered event. Payload is opaque to this layer.
type ConsumerEvent struct {
	ID       string          `json:"id,omitempty"`
	SchemaID string          `json:"schemaId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ReplayID string          `json:"replayId,omitempty"`
}

// ProducerEvent is one event to publish.
type ProducerEvent struct {
	ID       string          `json:"id,omitempty"`
	SchemaID string          `json:"schemaId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// TopicInfo describes a topic.
type TopicInfo struct {
	Name         string `json:"name"`
	SchemaID     string `json:"schemaId,omitempty"`
	CanSubscribe bool   `json:"canSubscribe"`
	CanPublish   bool   `json:"canPublish"`
}

// SchemaInfo carries a topic's payload schema. Definition is relayed verbatim;
// this layer never interprets it.
type SchemaInfo struct {
	ID         string          `json:"id"`
	Definition json.RawMessage `json:"definition,omitempty"`
}

// PublishResult reports per-event outcomes of a publish, in request order.
type PublishResult struct {
	Results []PublishAck `json:"results"`
}

// PublishAck is the outcome for one published event.
type PublishAck struct {
	ReplayID       string `json:"replayId,omitempty"`
	CorrelationKey string `json:"correlationKey,omitempty"`
	Error          string `json:"error,omitempty"`
}
