package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/streambridge/streambridge/pubsub"
)

// DefaultCallTimeout is how long a call waits for its response frame before
// the pending entry is dropped.
const DefaultCallTimeout = 30 * time.Second

// clientReadLimit bounds one inbound channel frame. Responses above the
// bridge's frame limit arrive through the relay instead, so this only needs
// headroom for notification frames.
const clientReadLimit = 1 << 20

// SubscriptionListener receives the out-of-band traffic of one subscription.
//
// Callbacks run on the client's read loop: they must not block, or they hold
// up every other response and notification on the channel. Exactly one of
// OnError or OnEnd is the subscription's last callback. A dropped channel
// delivers OnError with code "connection" to every registered listener.
type SubscriptionListener interface {
	OnEvent(event pubsub.ConsumerEvent)
	OnError(streamErr pubsub.StreamError)
	OnEnd()
}

// Client multiplexes calls from one process onto a single bridge channel.
// Each call gets a fresh correlation id; responses resolve pending calls by
// id, so any number of goroutines can call concurrently and out-of-order
// responses land correctly.
//
// A Client does not reconnect. When the channel drops, every pending call
// fails with ErrDisconnected and the owner decides when to Connect again.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	callTimeout              time.Duration
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	nextID       int64
	pending      map[int64]*pendingCall
	listeners    map[string]SubscriptionListener
	relayPort    int
	relaySecret  string
	readLoopDone chan struct{}
}

type pendingCall struct {
	// ch carries the response frame. The read loop sends at most one frame
	// and teardown closes the channel instead, which is how waiting calls
	// tell a dropped channel from a response.
	ch chan *responseMessage
}

type ClientOption func(c *Client)

func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = d
	}
}

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("bridge_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient constructs a client for the bridge at baseURL, e.g.
// "http://127.0.0.1:7447". The client is not connected until Connect.
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("bridge_client"),
		baseURL:      baseURL,
		callTimeout:  DefaultCallTimeout,
		waitInterval: 100 * time.Millisecond,
		pending:      make(map[int64]*pendingCall),
		listeners:    make(map[string]SubscriptionListener),
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// Connect dials the channel and performs the handshake. It is a no-op when
// already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	u := c.baseURL + "/channel"
	c.Logger.Debugw("dialing bridge channel", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("%w: dialing channel: %v", ErrConnect, err)
	}
	wsConn.SetReadLimit(clientReadLimit)

	if err := wsjson.Write(ctx, wsConn, &requestMessage{Type: opHandshake}); err != nil {
		wsConn.Close(websocket.StatusInternalError, "handshake write failed")
		return fmt.Errorf("%w: sending handshake: %v", ErrConnect, err)
	}
	var hs handshakeResponse
	if err := wsjson.Read(ctx, wsConn, &hs); err != nil {
		wsConn.Close(websocket.StatusInternalError, "handshake read failed")
		return fmt.Errorf("%w: reading handshake response: %v", ErrConnect, err)
	}
	if !hs.Success {
		wsConn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("%w: handshake refused: %s", ErrConnect, hs.Error)
	}

	c.mu.Lock()
	if c.connected {
		// Lost a Connect race; keep the established channel.
		c.mu.Unlock()
		wsConn.Close(websocket.StatusNormalClosure, "")
		return nil
	}
	c.conn = wsConn
	c.connected = true
	c.relayPort = hs.HTTPPort
	c.relaySecret = hs.Secret
	done := make(chan struct{})
	c.readLoopDone = done
	c.mu.Unlock()

	go c.readLoop(wsConn, done)
	c.Logger.Debugw("channel connected", "RelayPort", hs.HTTPPort)
	return nil
}

// Connected reports whether the channel is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close closes the channel and waits for the read loop to finish tearing
// down. Pending calls fail with ErrDisconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.readLoopDone
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "")
	if done != nil {
		<-done
	}
	return err
}

// readLoop owns inbound frames for one connection: correlated frames resolve
// pending calls, the rest are subscription notifications.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg responseMessage
		err := wsjson.Read(context.Background(), conn, &msg)
		if err != nil {
			c.Logger.Debugf("read loop ending: %s", err)
			c.teardown(conn)
			return
		}
		if msg.ID != 0 {
			c.resolve(&msg)
			continue
		}
		c.dispatchNotification(&msg)
	}
}

func (c *Client) resolve(msg *responseMessage) {
	c.mu.Lock()
	pc, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		// The call timed out or was canceled; its id no longer means
		// anything, even if reused later frames carry it.
		c.Logger.Debugw("dropping response with no pending call", "ID", msg.ID)
		return
	}
	pc.ch <- msg
}

func (c *Client) dispatchNotification(msg *responseMessage) {
	if msg.SubscriptionID == "" {
		c.Logger.Debugw("dropping notification with no subscription id", "Type", msg.Type)
		return
	}
	terminal := msg.Type == notifyError || msg.Type == notifyEnd

	c.mu.Lock()
	listener, ok := c.listeners[msg.SubscriptionID]
	if ok && terminal {
		delete(c.listeners, msg.SubscriptionID)
	}
	c.mu.Unlock()
	if !ok {
		c.Logger.Debugw("dropping notification with no listener", "Type", msg.Type, "SubscriptionID", msg.SubscriptionID)
		return
	}

	switch msg.Type {
	case notifyEvent:
		if msg.Event == nil {
			c.Logger.Debugw("dropping event notification with no event", "SubscriptionID", msg.SubscriptionID)
			return
		}
		listener.OnEvent(*msg.Event)
	case notifyError:
		streamErr := pubsub.StreamError{Code: "connection", Message: "stream failed"}
		if msg.StreamError != nil {
			streamErr = *msg.StreamError
		}
		listener.OnError(streamErr)
	case notifyEnd:
		listener.OnEnd()
	default:
		c.Logger.Debugw("dropping notification of unknown type", "Type", msg.Type, "SubscriptionID", msg.SubscriptionID)
	}
}

// teardown runs once per connection when its read loop ends. Every pending
// call is rejected, every listener gets a terminal error, and the relay
// parameters are forgotten.
func (c *Client) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.relayPort = 0
	c.relaySecret = ""
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	listeners := c.listeners
	c.listeners = make(map[string]SubscriptionListener)
	c.mu.Unlock()

	for _, pc := range pending {
		close(pc.ch)
	}
	for _, listener := range listeners {
		listener.OnError(pubsub.StreamError{
			Code:    "connection",
			Message: "bridge channel disconnected",
		})
	}
	c.Logger.Debugw("channel torn down", "RejectedCalls", len(pending), "DroppedListeners", len(listeners))
}

// call sends one request frame and waits for its response, the call timeout,
// or the context, whichever comes first.
func (c *Client) call(ctx context.Context, req *requestMessage) (*responseMessage, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	conn := c.conn
	c.nextID++
	callID := c.nextID
	pc := &pendingCall{ch: make(chan *responseMessage, 1)}
	c.pending[callID] = pc
	c.mu.Unlock()

	// The deadline covers the write as well as the wait: a peer that stops
	// reading wedges the send once the socket buffers fill.
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req.ID = callID
	if err := wsjson.Write(callCtx, conn, req); err != nil {
		c.forget(callID)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("%w: call %d after %s", ErrCallTimeout, callID, c.callTimeout)
		}
		return nil, fmt.Errorf("%w: writing request: %v", ErrDisconnected, err)
	}

	select {
	case msg, ok := <-pc.ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return c.finishCall(ctx, msg)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			c.forget(callID)
			return nil, ctx.Err()
		}
		if c.forget(callID) {
			return nil, fmt.Errorf("%w: call %d after %s", ErrCallTimeout, callID, c.callTimeout)
		}
		// The response won the race with the deadline; take it.
		msg, ok := <-pc.ch
		if !ok {
			return nil, ErrDisconnected
		}
		return c.finishCall(ctx, msg)
	}
}

// forget removes a pending call, reporting whether it was still pending.
func (c *Client) forget(callID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	return ok
}

// finishCall turns a response frame into a result, chasing the relay
// indirection first when the bridge parked the real frame there.
func (c *Client) finishCall(ctx context.Context, msg *responseMessage) (*responseMessage, error) {
	if msg.LargePayload != "" {
		full, err := c.fetchRelayPayload(ctx, msg.LargePayload)
		if err != nil {
			return nil, err
		}
		msg = full
	}
	if msg.Error != "" || msg.ErrorCode != "" {
		return nil, &OpError{Code: msg.ErrorCode, Message: msg.Error}
	}
	return msg, nil
}

// fetchRelayPayload retrieves a parked response frame over the loopback side
// channel and parses it exactly as if it had arrived inline.
func (c *Client) fetchRelayPayload(ctx context.Context, payloadID string) (*responseMessage, error) {
	c.mu.Lock()
	port, secret := c.relayPort, c.relaySecret
	c.mu.Unlock()
	if port == 0 {
		return nil, ErrDisconnected
	}

	u := fmt.Sprintf("http://127.0.0.1:%d/payload/%s", port, payloadID)
	c.Logger.Debugw("fetching relayed payload", "URL", u)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building payload request: %w", err)
	}
	req.Header.Set(SecretHeader, secret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching relayed payload: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrRelayAuth
	case http.StatusNotFound:
		return nil, ErrRelayNotFound
	default:
		return nil, fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading relayed payload: %w", err)
	}
	var full responseMessage
	if err := json.Unmarshal(body, &full); err != nil {
		return nil, fmt.Errorf("parsing relayed payload: %w", err)
	}
	return &full, nil
}

// REST proxies one HTTP request through the bridge. Any HTTP status is a
// successful call; inspect the response's Status.
func (c *Client) REST(ctx context.Context, req *RESTRequest) (*RESTResponse, error) {
	resp, err := c.call(ctx, &requestMessage{Type: opREST, REST: req})
	if err != nil {
		return nil, err
	}
	if resp.REST == nil {
		return nil, fmt.Errorf("bridge response carried no rest result")
	}
	return resp.REST, nil
}

// GetTopic fetches a topic descriptor through the bridge.
func (c *Client) GetTopic(ctx context.Context, req *GetTopicRequest) (*pubsub.TopicInfo, error) {
	resp, err := c.call(ctx, &requestMessage{Type: opGetTopic, GetTopic: req})
	if err != nil {
		return nil, err
	}
	if resp.Topic == nil {
		return nil, fmt.Errorf("bridge response carried no topic result")
	}
	return resp.Topic, nil
}

// GetSchema fetches a schema through the bridge. Oversized definitions are
// fetched through the relay transparently.
func (c *Client) GetSchema(ctx context.Context, req *GetSchemaRequest) (*pubsub.SchemaInfo, error) {
	resp, err := c.call(ctx, &requestMessage{Type: opGetSchema, GetSchema: req})
	if err != nil {
		return nil, err
	}
	if resp.Schema == nil {
		return nil, fmt.Errorf("bridge response carried no schema result")
	}
	return resp.Schema, nil
}

// Publish sends a batch of events through the bridge.
func (c *Client) Publish(ctx context.Context, req *PublishRequest) (*pubsub.PublishResult, error) {
	resp, err := c.call(ctx, &requestMessage{Type: opPublish, Publish: req})
	if err != nil {
		return nil, err
	}
	if resp.Publish == nil {
		return nil, fmt.Errorf("bridge response carried no publish result")
	}
	return resp.Publish, nil
}

// Subscribe opens a subscription and registers its listener. It returns the
// subscription id the notifications are keyed by.
func (c *Client) Subscribe(ctx context.Context, req *SubscribeRequest, listener SubscriptionListener) (string, error) {
	if listener == nil {
		return "", fmt.Errorf("listener is required")
	}
	sr := *req
	if sr.SubscriptionID == "" {
		sr.SubscriptionID = uuid.NewString()
	}
	if err := c.addListener(sr.SubscriptionID, listener); err != nil {
		return "", err
	}
	resp, err := c.call(ctx, &requestMessage{Type: opSubscribe, Subscribe: &sr})
	if err != nil {
		c.removeListener(sr.SubscriptionID)
		return "", err
	}
	if resp.Subscribe == nil {
		c.removeListener(sr.SubscriptionID)
		return "", fmt.Errorf("bridge response carried no subscribe result")
	}
	return resp.Subscribe.SubscriptionID, nil
}

// Unsubscribe closes a subscription. It reports whether the bridge still
// knew the id; asking twice is fine and simply reports false.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) (bool, error) {
	resp, err := c.call(ctx, &requestMessage{
		Type:        opUnsubscribe,
		Unsubscribe: &UnsubscribeRequest{SubscriptionID: subscriptionID},
	})
	if err != nil {
		return false, err
	}
	c.removeListener(subscriptionID)
	if resp.Unsubscribe == nil {
		return false, fmt.Errorf("bridge response carried no unsubscribe result")
	}
	return resp.Unsubscribe.Found, nil
}

// RefreshToken exchanges a refresh token through the bridge.
func (c *Client) RefreshToken(ctx context.Context, req *RefreshTokenRequest) (*TokenResponse, error) {
	resp, err := c.call(ctx, &requestMessage{Type: opRefreshToken, RefreshToken: req})
	if err != nil {
		return nil, err
	}
	if resp.Token == nil {
		return nil, fmt.Errorf("bridge response carried no token result")
	}
	return resp.Token, nil
}

func (c *Client) addListener(subscriptionID string, listener SubscriptionListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.listeners[subscriptionID]; exists {
		return fmt.Errorf("subscription %q already has a listener", subscriptionID)
	}
	c.listeners[subscriptionID] = listener
	return nil
}

func (c *Client) removeListener(subscriptionID string) {
	c.mu.Lock()
	delete(c.listeners, subscriptionID)
	c.mu.Unlock()
}

// Ping checks the bridge's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	u := c.baseURL + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected healthz status code %d", resp.StatusCode)
	}
	return nil
}

// WaitForReady polls the bridge until it answers or the context runs out.
// Useful right after spawning the helper process.
func (c *Client) WaitForReady(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.Ping(ctx)
			if err == nil {
				c.Logger.Debug("bridge is ready")
				return nil
			}
			c.Logger.Debugf("bridge not ready yet: %s", err)
		}
	}
}
