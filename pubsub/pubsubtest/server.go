// Package pubsubtest provides an in-memory streaming platform for tests. It
// speaks the same HTTP and fetch stream protocol as the real platform,
// retains published events per topic, and honors replay presets and
// flow-control credit, so client code can be exercised unmodified.
package pubsubtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	inet "github.com/streambridge/streambridge/internal/net"
	"github.com/streambridge/streambridge/pubsub"
)

// Server is a fake streaming platform listening on loopback.
type Server struct {
	// URL is the server's base URL, usable as an AuthMeta.InstanceURL.
	URL string

	log        *zap.SugaredLogger
	httpServer *http.Server

	mu            sync.Mutex
	accessToken   string
	topics        map[string]*topicState
	schemas       map[string]pubsub.SchemaInfo
	fetchReqs     []pubsub.FetchRequest
	nextStreamErr *pubsub.StreamError
}

type topicState struct {
	info     pubsub.TopicInfo
	retained []pubsub.ConsumerEvent
	nextSeq  int
	conns    map[*fetchConn]struct{}
}

// NewServer starts a platform on an ephemeral loopback port.
func NewServer(log *zap.SugaredLogger) (*Server, error) {
	ln, port, err := inet.ListenLoopback()
	if err != nil {
		return nil, fmt.Errorf("listening: %w", err)
	}
	s := &Server{
		URL:     fmt.Sprintf("http://127.0.0.1:%d", port),
		log:     log,
		topics:  make(map[string]*topicState),
		schemas: make(map[string]pubsub.SchemaInfo),
	}
	router := httprouter.New()
	// Topic names are slash-delimited paths, so the topic endpoints take a
	// catch-all parameter. httprouter will not register a static /publish
	// child beside one, so publishes share the pattern and are told apart by
	// method and the trailing /publish segment.
	router.GET("/api/topics/*name", s.handleTopic)
	router.POST("/api/topics/*name", s.handlePublish)
	router.GET("/api/schemas/:id", s.handleSchema)
	router.GET("/api/subscribe", s.handleSubscribe)
	s.httpServer = &http.Server{Handler: router}
	go func() {
		err := s.httpServer.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			s.log.Debugf("platform server stopped: %s", err)
		}
	}()
	return s, nil
}

// Close shuts the server down and drops every open fetch stream.
func (s *Server) Close() {
	s.mu.Lock()
	var conns []*fetchConn
	for _, topic := range s.topics {
		for c := range topic.conns {
			conns = append(conns, c)
		}
		topic.conns = make(map[*fetchConn]struct{})
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	_ = s.httpServer.Close()
}

// RequireAccessToken makes every call demand the given accesstoken header.
// An empty token disables the check.
func (s *Server) RequireAccessToken(token string) {
	s.mu.Lock()
	s.accessToken = token
	s.mu.Unlock()
}

// AddTopic registers a topic and its schema.
func (s *Server) AddTopic(name string, schema pubsub.SchemaInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[name] = &topicState{
		info: pubsub.TopicInfo{
			Name:         name,
			SchemaID:     schema.ID,
			CanSubscribe: true,
			CanPublish:   true,
		},
		conns: make(map[*fetchConn]struct{}),
	}
	if schema.ID != "" {
		s.schemas[schema.ID] = schema
	}
}

// Emit appends events to a topic's retained log and delivers them to every
// stream with credit. It returns the assigned replay ids.
func (s *Server) Emit(topicName string, payloads ...json.RawMessage) []string {
	s.mu.Lock()
	topic, ok := s.topics[topicName]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	ids := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		event := s.retainLocked(topic, pubsub.ProducerEvent{Payload: payload})
		ids = append(ids, event.ReplayID)
	}
	conns := make([]*fetchConn, 0, len(topic.conns))
	for c := range topic.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.kick()
	}
	return ids
}

// retainLocked appends one event to the topic. Callers hold s.mu.
func (s *Server) retainLocked(topic *topicState, src pubsub.ProducerEvent) pubsub.ConsumerEvent {
	topic.nextSeq++
	event := pubsub.ConsumerEvent{
		ID:       src.ID,
		SchemaID: src.SchemaID,
		Payload:  src.Payload,
		ReplayID: fmt.Sprintf("%08d", topic.nextSeq),
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("%s-%d", topic.info.Name, topic.nextSeq)
	}
	if event.SchemaID == "" {
		event.SchemaID = topic.info.SchemaID
	}
	topic.retained = append(topic.retained, event)
	return event
}

// FetchRequests returns a copy of every fetch stream frame received so far,
// in arrival order.
func (s *Server) FetchRequests() []pubsub.FetchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := make([]pubsub.FetchRequest, len(s.fetchReqs))
	copy(reqs, s.fetchReqs)
	return reqs
}

// FailNextStream makes the next opened fetch stream report the given error
// frame and close.
func (s *Server) FailNextStream(code, message string) {
	s.mu.Lock()
	s.nextStreamErr = &pubsub.StreamError{Code: code, Message: message}
	s.mu.Unlock()
}

// EndStreams closes a topic's open fetch streams with a normal closure, the
// way the platform marks a completed stream.
func (s *Server) EndStreams(topicName string) {
	s.mu.Lock()
	topic, ok := s.topics[topicName]
	if !ok {
		s.mu.Unlock()
		return
	}
	conns := make([]*fetchConn, 0, len(topic.conns))
	for c := range topic.conns {
		conns = append(conns, c)
		delete(topic.conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close(websocket.StatusNormalClosure, "stream complete")
	}
}

func (s *Server) authorized(r *http.Request) bool {
	s.mu.Lock()
	want := s.accessToken
	s.mu.Unlock()
	return want == "" || r.Header.Get("accesstoken") == want
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !s.authorized(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	s.mu.Lock()
	topic, ok := s.topics[params.ByName("name")]
	var info pubsub.TopicInfo
	if ok {
		info = topic.info
	}
	s.mu.Unlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown topic")
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !s.authorized(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	s.mu.Lock()
	schema, ok := s.schemas[params.ByName("id")]
	s.mu.Unlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown schema")
		return
	}
	writeJSON(w, schema)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !s.authorized(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	name := params.ByName("name")
	if !strings.HasSuffix(name, "/publish") {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	name = strings.TrimSuffix(name, "/publish")
	var req struct {
		Events []pubsub.ProducerEvent `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decoding publish body: %s", err))
		return
	}
	s.mu.Lock()
	topic, ok := s.topics[name]
	if !ok {
		s.mu.Unlock()
		writeJSONError(w, http.StatusNotFound, "unknown topic")
		return
	}
	result := pubsub.PublishResult{Results: make([]pubsub.PublishAck, 0, len(req.Events))}
	for _, src := range req.Events {
		event := s.retainLocked(topic, src)
		result.Results = append(result.Results, pubsub.PublishAck{
			ReplayID:       event.ReplayID,
			CorrelationKey: src.ID,
		})
	}
	conns := make([]*fetchConn, 0, len(topic.conns))
	for c := range topic.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.kick()
	}
	writeJSON(w, result)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.authorized(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugf("accepting fetch stream: %s", err)
		return
	}
	go s.serveFetch(conn)
}

// fetchConn is one live fetch stream. pos and credit are guarded by the
// server mutex; the pump goroutine is the conn's only frame writer once the
// stream is established.
type fetchConn struct {
	srv   *Server
	conn  *websocket.Conn
	topic *topicState

	pos    int
	credit int

	wake chan struct{}
	done chan struct{}
}

func (s *Server) serveFetch(conn *websocket.Conn) {
	ctx := context.Background()
	var first pubsub.FetchRequest
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "missing initial fetch request")
		return
	}

	s.mu.Lock()
	s.fetchReqs = append(s.fetchReqs, first)
	if failErr := s.nextStreamErr; failErr != nil {
		s.nextStreamErr = nil
		s.mu.Unlock()
		_ = wsjson.Write(ctx, conn, &pubsub.FetchResponse{Error: failErr})
		_ = conn.Close(websocket.StatusNormalClosure, "stream failed")
		return
	}
	topic, ok := s.topics[first.TopicName]
	if !ok {
		s.mu.Unlock()
		_ = wsjson.Write(ctx, conn, &pubsub.FetchResponse{
			Error: &pubsub.StreamError{Code: "unknown_topic", Message: "no such topic: " + first.TopicName},
		})
		_ = conn.Close(websocket.StatusNormalClosure, "stream failed")
		return
	}
	c := &fetchConn{
		srv:    s,
		conn:   conn,
		topic:  topic,
		credit: first.NumRequested,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	switch first.ReplayPreset {
	case pubsub.ReplayEarliest:
		c.pos = 0
	case pubsub.ReplayCustom:
		c.pos = positionAfter(topic.retained, first.ReplayID)
	default:
		c.pos = len(topic.retained)
	}
	topic.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.pump()
	c.kick()

	for {
		var req pubsub.FetchRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			break
		}
		s.mu.Lock()
		s.fetchReqs = append(s.fetchReqs, req)
		c.credit += req.NumRequested
		s.mu.Unlock()
		c.kick()
	}

	s.mu.Lock()
	delete(topic.conns, c)
	s.mu.Unlock()
	close(c.done)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func positionAfter(retained []pubsub.ConsumerEvent, replayID string) int {
	for i, event := range retained {
		if event.ReplayID == replayID {
			return i + 1
		}
	}
	return 0
}

// kick nudges the pump without blocking. The pump drains everything
// deliverable on each pass, so coalesced nudges lose nothing.
func (c *fetchConn) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *fetchConn) pump() {
	ctx := context.Background()
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for {
			resp := c.takeBatch()
			if resp == nil {
				break
			}
			if err := wsjson.Write(ctx, c.conn, resp); err != nil {
				return
			}
		}
	}
}

// takeBatch consumes as many retained events as the current credit allows and
// builds the delivery frame, or returns nil when nothing is deliverable.
func (c *fetchConn) takeBatch() *pubsub.FetchResponse {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	avail := len(c.topic.retained) - c.pos
	if avail <= 0 || c.credit <= 0 {
		return nil
	}
	n := avail
	if n > c.credit {
		n = c.credit
	}
	events := make([]pubsub.ConsumerEvent, n)
	copy(events, c.topic.retained[c.pos:c.pos+n])
	c.pos += n
	c.credit -= n
	return &pubsub.FetchResponse{
		Events:              events,
		LatestReplayID:      events[n-1].ReplayID,
		PendingNumRequested: c.credit,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
