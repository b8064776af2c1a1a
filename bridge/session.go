package bridge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/streambridge/streambridge/pubsub"
)

// handshakeTimeout bounds how long a fresh channel may sit silent before the
// bridge gives up on it.
const handshakeTimeout = 10 * time.Second

// channelSession is one multiplexed client channel. The session goroutine
// reads request frames and dispatches each op to its own goroutine, so a
// slow platform call never blocks the others. The session also implements
// pubsub.Notifier to push subscription traffic back over the channel.
type channelSession struct {
	log    *zap.SugaredLogger
	bridge *Bridge
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	secret string
	subs   *pubsub.Manager

	handlers      sync.WaitGroup
	closeConnOnce sync.Once
}

func (s *channelSession) run() {
	if err := s.handshake(); err != nil {
		s.log.Debugf("channel handshake failed: %s", err)
		s.closeConn(websocket.StatusPolicyViolation, "handshake required")
		return
	}
	s.subs = pubsub.NewManager(s.log.Named("subscriptions"), s.bridge.api, s)
	s.log.Debugw("channel established", "RelayPort", s.bridge.relayPort)
	s.readRequests()
	s.teardown()
}

// handshake consumes the client's first frame and answers it with the relay
// parameters. A first frame that is not a handshake fails the channel.
func (s *channelSession) handshake() error {
	ctx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
	defer cancel()

	var req requestMessage
	if err := wsjson.Read(ctx, s.conn, &req); err != nil {
		return fmt.Errorf("reading first frame: %w", err)
	}
	if req.Type != opHandshake {
		_ = wsjson.Write(ctx, s.conn, &handshakeResponse{Error: "first frame must be a handshake"})
		return fmt.Errorf("first frame has type %q", req.Type)
	}
	secret, err := newSecret()
	if err != nil {
		_ = wsjson.Write(ctx, s.conn, &handshakeResponse{Error: "minting relay secret failed"})
		return fmt.Errorf("minting relay secret: %w", err)
	}
	s.secret = secret
	return wsjson.Write(ctx, s.conn, &handshakeResponse{
		Success:  true,
		HTTPPort: s.bridge.relayPort,
		Secret:   secret,
	})
}

func (s *channelSession) readRequests() {
	for {
		var req requestMessage
		err := wsjson.Read(s.ctx, s.conn, &req)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.log.Debug("client closed the channel")
			} else {
				s.log.Debugf("request reader stopped: %s", err)
			}
			return
		}
		msg := req
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handle(&msg)
		}()
	}
}

// teardown runs when the channel dies for any reason: it stops every
// subscription, forgets the session's relayed payloads and waits out the
// in-flight handlers. Handlers that lose the race just fail their writes.
func (s *channelSession) teardown() {
	s.cancel()
	s.subs.Close()
	s.bridge.relay.purgeSecret(s.secret)
	s.handlers.Wait()
	s.closeConn(websocket.StatusNormalClosure, "")
	s.log.Debug("channel torn down")
}

func (s *channelSession) closeConn(code websocket.StatusCode, reason string) {
	s.closeConnOnce.Do(func() {
		err := s.conn.Close(code, reason)
		if err != nil {
			s.log.Debugf("error closing channel conn: %s", err)
		}
	})
}

func (s *channelSession) handle(req *requestMessage) {
	if req.ID == 0 {
		s.log.Debugw("dropping request with no id", "Type", req.Type)
		return
	}
	switch req.Type {
	case opREST:
		s.handleREST(req)
	case opGetTopic:
		s.handleGetTopic(req)
	case opGetSchema:
		s.handleGetSchema(req)
	case opPublish:
		s.handlePublish(req)
	case opSubscribe:
		s.handleSubscribe(req)
	case opUnsubscribe:
		s.handleUnsubscribe(req)
	case opRefreshToken:
		s.handleRefreshToken(req)
	case opHandshake:
		s.respondError(req.ID, codeBadRequest, "channel is already established")
	default:
		s.respondError(req.ID, codeUnknownOp, fmt.Sprintf("unknown op %q", req.Type))
	}
}

func (s *channelSession) handleREST(req *requestMessage) {
	r := req.REST
	if r == nil {
		s.respondError(req.ID, codeBadRequest, "rest payload missing")
		return
	}
	resp, err := s.bridge.proxyREST(s.ctx, r)
	if err != nil {
		s.respondError(req.ID, codeRESTFailed, err.Error())
		return
	}
	s.respond(req.ID, &responseMessage{REST: resp})
}

func (s *channelSession) handleGetTopic(req *requestMessage) {
	r := req.GetTopic
	if r == nil {
		s.respondError(req.ID, codeBadRequest, "getTopic payload missing")
		return
	}
	info, err := s.bridge.api.GetTopic(s.ctx, r.Auth, r.Topic)
	if err != nil {
		s.respondError(req.ID, codePlatform, err.Error())
		return
	}
	s.respond(req.ID, &responseMessage{Topic: info})
}

func (s *channelSession) handleGetSchema(req *requestMessage) {
	r := req.GetSchema
	if r == nil {
		s.respondError(req.ID, codeBadRequest, "getSchema payload missing")
		return
	}
	info, err := s.bridge.api.GetSchema(s.ctx, r.Auth, r.SchemaID)
	if err != nil {
		s.respondError(req.ID, codePlatform, err.Error())
		return
	}
	s.respond(req.ID, &responseMessage{Schema: info})
}

func (s *channelSession) handlePublish(req *requestMessage) {
	r := req.Publish
	if r == nil {
		s.respondError(req.ID, codeBadRequest, "publish payload missing")
		return
	}
	result, err := s.bridge.api.Publish(s.ctx, r.Auth, r.Topic, r.Events)
	if err != nil {
		s.respondError(req.ID, codePlatform, err.Error())
		return
	}
	s.respond(req.ID, &responseMessage{Publish: result})
}

func (s *channelSession) handleSubscribe(req *requestMessage) {
	r := req.Subscribe
	if r == nil {
		s.respondError(req.ID, codeBadRequest, "subscribe payload missing")
		return
	}
	subscriptionID, err := s.subs.Subscribe(s.ctx, pubsub.SubscribeOptions{
		ID:           r.SubscriptionID,
		Topic:        r.Topic,
		ReplayPreset: r.ReplayPreset,
		ReplayID:     r.ReplayID,
		NumRequested: r.NumRequested,
		Auth:         r.Auth,
	})
	if err != nil {
		code := codeStreamOpen
		if errors.Is(err, pubsub.ErrInvalidArgument) {
			code = codeInvalidArgument
		}
		s.respondError(req.ID, code, err.Error())
		return
	}
	s.respond(req.ID, &responseMessage{Subscribe: &SubscribeResult{SubscriptionID: subscriptionID}})
}

func (s *channelSession) handleUnsubscribe(req *requestMessage) {
	r := req.Unsubscribe
	if r == nil {
		s.respondError(req.ID, codeBadRequest, "unsubscribe payload missing")
		return
	}
	found := s.subs.Unsubscribe(r.SubscriptionID)
	s.respond(req.ID, &responseMessage{Unsubscribe: &UnsubscribeResult{Found: found}})
}

func (s *channelSession) handleRefreshToken(req *requestMessage) {
	r := req.RefreshToken
	if r == nil {
		s.respondError(req.ID, codeBadRequest, "refreshToken payload missing")
		return
	}
	token, err := s.bridge.exchangeToken(s.ctx, r)
	if err != nil {
		s.respondError(req.ID, codeTokenExchange, err.Error())
		return
	}
	s.respond(req.ID, &responseMessage{Token: token})
}

// SubscriptionEvent implements pubsub.Notifier.
func (s *channelSession) SubscriptionEvent(subscriptionID string, event pubsub.ConsumerEvent) {
	s.notify(&responseMessage{
		Type:           notifyEvent,
		SubscriptionID: subscriptionID,
		Event:          &event,
	})
}

// SubscriptionError implements pubsub.Notifier.
func (s *channelSession) SubscriptionError(subscriptionID string, streamErr pubsub.StreamError) {
	s.notify(&responseMessage{
		Type:           notifyError,
		SubscriptionID: subscriptionID,
		StreamError:    &streamErr,
	})
}

// SubscriptionEnd implements pubsub.Notifier.
func (s *channelSession) SubscriptionEnd(subscriptionID string) {
	s.notify(&responseMessage{
		Type:           notifyEnd,
		SubscriptionID: subscriptionID,
	})
}

// notify pushes an uncorrelated frame. Notifications ride the channel inline
// regardless of size; only call responses divert through the relay.
func (s *channelSession) notify(msg *responseMessage) {
	if err := wsjson.Write(s.ctx, s.conn, msg); err != nil {
		s.log.Debugf("dropping notification after write error: %s", err)
	}
}

// respond answers one call, diverting the frame through the payload relay
// when it would blow the channel's frame limit.
func (s *channelSession) respond(callID int64, msg *responseMessage) {
	msg.ID = callID
	msg.Success = msg.Error == "" && msg.ErrorCode == ""
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Debugf("marshaling response for call %d: %s", callID, err)
		s.writeFrame(&responseMessage{ID: callID, Error: "marshaling response failed", ErrorCode: codeInternal})
		return
	}
	if len(b) > s.bridge.frameLimit {
		payloadID := s.bridge.relay.put(b, s.secret)
		s.log.Debugw("diverting oversized response",
			"CallID", callID,
			"Bytes", len(b),
			"PayloadID", payloadID)
		s.writeFrame(&responseMessage{ID: callID, LargePayload: payloadID})
		return
	}
	s.writeRaw(b)
}

// respondError answers one call with a failure. Error frames ride respond,
// so an oversized one diverts through the relay like any other response.
func (s *channelSession) respondError(callID int64, code, msg string) {
	if callID == 0 {
		s.log.Debugw("dropping error for uncorrelated request", "Code", code, "Error", msg)
		return
	}
	s.respond(callID, &responseMessage{Error: msg, ErrorCode: code})
}

func (s *channelSession) writeFrame(msg *responseMessage) {
	if err := wsjson.Write(s.ctx, s.conn, msg); err != nil {
		s.log.Debugf("dropping response frame after write error: %s", err)
	}
}

func (s *channelSession) writeRaw(b []byte) {
	if err := s.conn.Write(s.ctx, websocket.MessageText, b); err != nil {
		s.log.Debugf("dropping response frame after write error: %s", err)
	}
}

// newSecret mints a per-session relay secret.
func newSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
