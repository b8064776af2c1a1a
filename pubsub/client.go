package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	topicPath     = "/api/topics"
	schemaPath    = "/api/schemas/"
	publishSuffix = "/publish"
	subscribePath = "/api/subscribe"
)

// Header names for the platform's per-call metadata.
const (
	headerAccessToken = "accesstoken"
	headerInstanceURL = "instanceurl"
	headerTenantID    = "tenantid"
)

const (
	// unaryTimeout bounds each metadata or publish call.
	unaryTimeout = 30 * time.Second
	// dialTimeout bounds the fetch stream handshake, not the stream itself.
	dialTimeout = 30 * time.Second
	// fetchReadLimit caps one inbound fetch stream frame. Event batches can
	// be chunky, so this is much larger than a metadata response.
	fetchReadLimit = 1 << 20
	// errorBodyLimit caps how much of a failed call's body is echoed into
	// its error. Platform error pages can be arbitrarily large.
	errorBodyLimit = 8 << 10
)

// Client speaks the streaming platform's protocol: topic and schema lookups
// and event publishes over HTTP, and the bidirectional fetch stream over a
// WebSocket. One Client serves any number of instance hosts; the target host
// and the credentials ride in the AuthMeta of each call.
//
// Calls are never retried here. An unauthorized or failed call surfaces to
// the caller, who owns the credential lifecycle.
type Client struct {
	// HTTPClient must not have a global Timeout set; it is shared with the
	// fetch stream handshake, which outlives any single request.
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

func (c *Client) metaHeader(h http.Header, auth AuthMeta) {
	h.Set(headerAccessToken, auth.AccessToken)
	h.Set(headerInstanceURL, auth.InstanceURL)
	if tenant := DeriveTenantID(auth.TenantID, auth.AccessToken); tenant != "" {
		h.Set(headerTenantID, tenant)
	}
}

// GetTopic fetches a topic's descriptor. Topic names are slash-delimited
// paths like "/event/Order_Filled" and join the URL segment by segment.
func (c *Client) GetTopic(ctx context.Context, auth AuthMeta, topicName string) (*TopicInfo, error) {
	var info TopicInfo
	u := auth.InstanceURL + path.Join(topicPath, topicName)
	if err := c.getJSON(ctx, auth, "topic lookup", u, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetSchema fetches a schema by id.
func (c *Client) GetSchema(ctx context.Context, auth AuthMeta, schemaID string) (*SchemaInfo, error) {
	var info SchemaInfo
	u := auth.InstanceURL + schemaPath + url.PathEscape(schemaID)
	if err := c.getJSON(ctx, auth, "schema lookup", u, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Publish sends a batch of events to a topic and returns the per-event
// outcome in request order.
func (c *Client) Publish(ctx context.Context, auth AuthMeta, topicName string, events []ProducerEvent) (*PublishResult, error) {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	body, err := json.Marshal(struct {
		Events []ProducerEvent `json:"events"`
	}{Events: events})
	if err != nil {
		return nil, fmt.Errorf("encoding publish request: %w", err)
	}
	u := auth.InstanceURL + path.Join(topicPath, topicName) + publishSuffix
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.metaHeader(req.Header, auth)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("publishing to %q: %w", topicName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError("publish", resp)
	}
	var result PublishResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding publish result: %w", err)
	}
	return &result, nil
}

func (c *Client) getJSON(ctx context.Context, auth AuthMeta, op, u string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}
	c.metaHeader(req.Header, auth)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

func responseError(op string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if err != nil {
		return fmt.Errorf("%s: platform returned status %d, and reading the body failed: %w", op, resp.StatusCode, err)
	}
	return fmt.Errorf("%s: platform returned status %d: %s", op, resp.StatusCode, body)
}

// OpenFetch dials a new fetch stream. The context bounds the handshake only;
// the returned stream lives until closed by either side. The caller must send
// the initial FetchRequest itself.
func (c *Client) OpenFetch(ctx context.Context, auth AuthMeta) (*FetchStream, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	hdr := http.Header{}
	c.metaHeader(hdr, auth)
	u := auth.InstanceURL + subscribePath
	c.Logger.Debugw("dialing fetch stream", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		HTTPHeader:      hdr,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing fetch stream: %w", err)
	}
	conn.SetReadLimit(fetchReadLimit)
	return &FetchStream{conn: conn}, nil
}

// FetchStream is one bidirectional subscribe stream. It is owned by a single
// subscription. Send and Recv are safe to use from different goroutines, but
// neither may be called concurrently with itself.
type FetchStream struct {
	conn *websocket.Conn
}

// Send writes one flow-control frame.
func (s *FetchStream) Send(ctx context.Context, req *FetchRequest) error {
	return wsjson.Write(ctx, s.conn, req)
}

// Recv blocks until the next batch frame arrives, the stream is closed, or
// the context is canceled.
func (s *FetchStream) Recv(ctx context.Context) (*FetchResponse, error) {
	var resp FetchResponse
	if err := wsjson.Read(ctx, s.conn, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close tears the stream down. Any blocked Recv returns an error.
func (s *FetchStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "done")
}
