package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"

	inet "github.com/streambridge/streambridge/internal/net"
	"github.com/streambridge/streambridge/pubsub"
)

const (
	// DefaultListenAddr is where the bridge accepts channels. Loopback only;
	// the bridge is a local helper, not a network service.
	DefaultListenAddr = "127.0.0.1:7447"

	// DefaultFrameLimit caps one bridge->client channel frame. Responses
	// whose frame would exceed it are diverted through the payload relay.
	DefaultFrameLimit = 32768

	// requestReadLimit bounds inbound request frames. Publish batches ride
	// client->bridge inline, so this is far larger than the response limit.
	requestReadLimit = 1 << 20

	// tokenExchangePath is appended to an identity's login URL.
	tokenExchangePath = "/oauth2/token"
)

// Bridge is the helper process: it accepts multiplexed channels from local
// clients and performs platform calls on their behalf. One Bridge serves any
// number of concurrent channels, each with its own subscriptions and its own
// relay secret.
type Bridge struct {
	logger *zap.SugaredLogger

	listenAddr string
	frameLimit int
	relayTTL   time.Duration
	httpClient *http.Client

	api       *pubsub.Client
	relay     *payloadRelay
	relayPort int

	httpServer  *http.Server
	relayServer *http.Server

	closed    chan struct{}
	closeOnce sync.Once
}

type Option func(b *Bridge)

func WithListenAddr(s string) Option {
	return func(b *Bridge) {
		b.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(b *Bridge) {
		b.logger = b.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithFrameLimit(n int) Option {
	return func(b *Bridge) {
		b.frameLimit = n
	}
}

func WithRelayTTL(d time.Duration) Option {
	return func(b *Bridge) {
		b.relayTTL = d
	}
}

// WithHTTPClient sets the client used for platform and proxied REST calls.
// It must not have a global Timeout, since it also dials fetch streams.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) {
		b.httpClient = c
	}
}

// New constructs a bridge.
func New(opts ...Option) (*Bridge, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	b := &Bridge{
		logger:     logger.Named("bridge").Sugar(),
		listenAddr: DefaultListenAddr,
		frameLimit: DefaultFrameLimit,
		relayTTL:   DefaultRelayTTL,
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.httpClient == nil {
		b.httpClient = &http.Client{}
	}
	b.api = &pubsub.Client{
		HTTPClient: b.httpClient,
		Logger:     b.logger.Named("platform"),
	}
	b.relay = newPayloadRelay(b.logger.Named("relay"), b.relayTTL)
	return b, nil
}

// runRelayServer binds the payload relay to an ephemeral loopback port. The
// port is handed to each client in its handshake response.
func (b *Bridge) runRelayServer() error {
	ln, port, err := inet.ListenLoopback()
	if err != nil {
		return fmt.Errorf("listening for relay: %w", err)
	}
	b.relayPort = port

	router := httprouter.New()
	router.GET("/payload/:id", b.relay.handlePayload)

	server := http.Server{Handler: router}
	b.relayServer = &server

	go func() {
		err := server.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			b.logger.Debugf("relay server stopped: %s", err)
		}
	}()
	go b.relay.runJanitor(b.closed)
	return nil
}

func (b *Bridge) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/healthz", b.healthz)
	router.GET("/channel", b.channel)

	server := http.Server{Handler: router}
	b.httpServer = &server

	b.logger.Infow("bridge listening",
		"Addr", tcpListener.Addr().String(),
		"RelayPort", b.relayPort)

	err = server.Serve(tcpListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run serves channels and returns once the bridge has stopped.
func (b *Bridge) Run() error {
	if err := b.runRelayServer(); err != nil {
		return err
	}
	return b.runHTTPServer()
}

func (b *Bridge) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := struct {
		Status string `json:"status"`
	}{
		Status: "ok",
	}
	b2, err := json.Marshal(response)
	if err != nil {
		b.logger.Debugf("error marshaling healthz response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b2)
}

// channel upgrades to a WebSocket and runs one multiplexed session on it.
func (b *Bridge) channel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		b.logger.Debugf("channel WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(requestReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := &channelSession{
		log:    b.logger.Named("session"),
		bridge: b,
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
	}
	sess.run()
}

func (b *Bridge) Stop() error {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
	var firstErr error
	if b.httpServer != nil {
		firstErr = b.httpServer.Close()
	}
	if b.relayServer != nil {
		if err := b.relayServer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// proxyREST performs one HTTP request against an instance host. The request
// is attempted exactly once; transport failures are reported to the caller,
// never retried here, since the proxied call may not be idempotent.
func (b *Bridge) proxyREST(ctx context.Context, r *RESTRequest) (*RESTResponse, error) {
	if r.Method == "" || r.InstanceURL == "" {
		return nil, fmt.Errorf("method and instanceUrl are required")
	}
	if !strings.HasPrefix(r.Path, "/") {
		return nil, fmt.Errorf("path must begin with a slash")
	}
	u := strings.TrimSuffix(r.InstanceURL, "/") + r.Path

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}
	if r.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.AccessToken)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	header := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		header[k] = resp.Header.Get(k)
	}
	return &RESTResponse{
		Status: resp.StatusCode,
		Header: header,
		Body:   respBody,
	}, nil
}

// exchangeToken trades a refresh token for a new access token at the login
// host.
func (b *Bridge) exchangeToken(ctx context.Context, r *RefreshTokenRequest) (*TokenResponse, error) {
	if r.RefreshToken == "" || r.LoginURL == "" {
		return nil, fmt.Errorf("refreshToken and loginUrl are required")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {r.RefreshToken},
	}
	if r.ClientID != "" {
		form.Set("client_id", r.ClientID)
	}
	u := strings.TrimSuffix(r.LoginURL, "/") + tokenExchangePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchanging token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// Cap the echoed body; login hosts can answer with arbitrarily
		// large error pages.
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, body)
	}
	var tokenBody struct {
		AccessToken string `json:"access_token"`
		InstanceURL string `json:"instance_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenBody); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tokenBody.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return &TokenResponse{
		AccessToken: tokenBody.AccessToken,
		InstanceURL: tokenBody.InstanceURL,
	}, nil
}
