package bridge

import (
	"net/http"

	"github.com/streambridge/streambridge/pubsub"
)

// Channel ops. The handshake is only valid as the first frame of a channel;
// every other op requires a correlation id.
const (
	opHandshake    = "handshake"
	opREST         = "rest"
	opGetTopic     = "getTopic"
	opGetSchema    = "getSchema"
	opPublish      = "publish"
	opSubscribe    = "subscribe"
	opUnsubscribe  = "unsubscribe"
	opRefreshToken = "refreshToken"
)

// Notification discriminators. These appear in the Type field of frames that
// carry no correlation id.
const (
	notifyEvent = "event"
	notifyError = "error"
	notifyEnd   = "end"
)

// requestMessage is a channel frame sent client->bridge. Type names the op
// and exactly one of the payload fields matches it.
type requestMessage struct {
	ID   int64  `json:"id,omitempty"`
	Type string `json:"type"`

	REST         *RESTRequest         `json:"rest,omitempty"`
	GetTopic     *GetTopicRequest     `json:"getTopic,omitempty"`
	GetSchema    *GetSchemaRequest    `json:"getSchema,omitempty"`
	Publish      *PublishRequest      `json:"publish,omitempty"`
	Subscribe    *SubscribeRequest    `json:"subscribe,omitempty"`
	Unsubscribe  *UnsubscribeRequest  `json:"unsubscribe,omitempty"`
	RefreshToken *RefreshTokenRequest `json:"refreshToken,omitempty"`
}

// responseMessage is a channel frame sent bridge->client. A frame with an ID
// answers one call: either inline, or through LargePayload when the full
// frame exceeded the channel's frame limit. A frame without an ID is a
// subscription notification and uses the Type/SubscriptionID fields.
type responseMessage struct {
	ID        int64  `json:"id,omitempty"`
	Success   bool   `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`

	// LargePayload names a relay entry holding the complete response frame.
	// When set, no other result field is populated.
	LargePayload string `json:"largePayload,omitempty"`

	REST        *RESTResponse         `json:"rest,omitempty"`
	Topic       *pubsub.TopicInfo     `json:"topic,omitempty"`
	Schema      *pubsub.SchemaInfo    `json:"schema,omitempty"`
	Publish     *pubsub.PublishResult `json:"publish,omitempty"`
	Subscribe   *SubscribeResult      `json:"subscribe,omitempty"`
	Unsubscribe *UnsubscribeResult    `json:"unsubscribe,omitempty"`
	Token       *TokenResponse        `json:"token,omitempty"`

	Type           string                `json:"type,omitempty"`
	SubscriptionID string                `json:"subscriptionId,omitempty"`
	Event          *pubsub.ConsumerEvent `json:"event,omitempty"`
	StreamError    *pubsub.StreamError   `json:"streamError,omitempty"`
}

// handshakeResponse is the first frame the bridge sends on a new channel. It
// carries the side-channel parameters for fetching relayed payloads.
type handshakeResponse struct {
	Success  bool   `json:"success"`
	HTTPPort int    `json:"httpPort,omitempty"`
	Secret   string `json:"secret,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RESTRequest proxies one HTTP request to an instance host. The bridge adds
// the bearer Authorization header from AccessToken and performs the request
// exactly once; transport failures surface to the caller instead of being
// retried.
type RESTRequest struct {
	// Method is the HTTP method, e.g. "GET".
	Method string `json:"method"`
	// Path is resolved against InstanceURL and must begin with a slash. A
	// query string may be included.
	Path        string            `json:"path"`
	Header      map[string]string `json:"header,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	InstanceURL string            `json:"instanceUrl"`
	AccessToken string            `json:"accessToken,omitempty"`
}

// RESTResponse is the proxied result. Any HTTP status is a successful proxy
// call, including 401; the caller inspects Status itself.
type RESTResponse struct {
	Status int               `json:"status"`
	Header map[string]string `json:"header,omitempty"`
	Body   []byte            `json:"body,omitempty"`
}

// Unauthorized reports whether the instance rejected the credentials.
func (r *RESTResponse) Unauthorized() bool {
	return r.Status == http.StatusUnauthorized
}

type GetTopicRequest struct {
	Topic string          `json:"topic"`
	Auth  pubsub.AuthMeta `json:"auth"`
}

type GetSchemaRequest struct {
	SchemaID string          `json:"schemaId"`
	Auth     pubsub.AuthMeta `json:"auth"`
}

type PublishRequest struct {
	Topic  string                 `json:"topic"`
	Events []pubsub.ProducerEvent `json:"events"`
	Auth   pubsub.AuthMeta        `json:"auth"`
}

type SubscribeRequest struct {
	// SubscriptionID keys the subscription's notifications. The bridge
	// assigns one when empty.
	SubscriptionID string              `json:"subscriptionId,omitempty"`
	Topic          string              `json:"topic"`
	ReplayPreset   pubsub.ReplayPreset `json:"replayPreset,omitempty"`
	ReplayID       string              `json:"replayId,omitempty"`
	NumRequested   int                 `json:"numRequested,omitempty"`
	Auth           pubsub.AuthMeta     `json:"auth"`
}

type SubscribeResult struct {
	SubscriptionID string `json:"subscriptionId"`
}

type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

// UnsubscribeResult reports whether the id named an active subscription.
// Unsubscribing an unknown or already-closed subscription is not an error.
type UnsubscribeResult struct {
	Found bool `json:"found"`
}

// RefreshTokenRequest exchanges a refresh token for a new access token at
// the identity's login host.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
	LoginURL     string `json:"loginUrl"`
	ClientID     string `json:"clientId,omitempty"`
}

// TokenResponse is the result of a token exchange. InstanceURL is set when
// the login host reassigned the identity's instance.
type TokenResponse struct {
	AccessToken string `json:"accessToken"`
	InstanceURL string `json:"instanceUrl,omitempty"`
}
