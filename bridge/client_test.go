package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/streambridge/streambridge/pubsub"
)

// fakeBridge runs a scripted channel server: it accepts the handshake and
// then hands the connection to serve.
func fakeBridge(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.Write([]byte(`{"status":"ok"}`))
		case "/channel":
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			ctx := r.Context()
			var hs requestMessage
			if err := wsjson.Read(ctx, conn, &hs); err != nil {
				return
			}
			if hs.Type != opHandshake {
				wsjson.Write(ctx, conn, &handshakeResponse{Error: "expected handshake"})
				conn.Close(websocket.StatusPolicyViolation, "bad handshake")
				return
			}
			if err := wsjson.Write(ctx, conn, &handshakeResponse{Success: true, HTTPPort: 1, Secret: "test-secret"}); err != nil {
				return
			}
			serve(ctx, conn)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server.URL
}

type recordingListener struct {
	events chan pubsub.ConsumerEvent
	errs   chan pubsub.StreamError
	ends   chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		events: make(chan pubsub.ConsumerEvent, 64),
		errs:   make(chan pubsub.StreamError, 4),
		ends:   make(chan struct{}, 4),
	}
}

func (l *recordingListener) OnEvent(event pubsub.ConsumerEvent)   { l.events <- event }
func (l *recordingListener) OnError(streamErr pubsub.StreamError) { l.errs <- streamErr }
func (l *recordingListener) OnEnd()                               { l.ends <- struct{}{} }

func (l *recordingListener) nextEvent(t *testing.T) pubsub.ConsumerEvent {
	t.Helper()
	select {
	case event := <-l.events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
		return pubsub.ConsumerEvent{}
	}
}

func (l *recordingListener) nextError(t *testing.T) pubsub.StreamError {
	t.Helper()
	select {
	case streamErr := <-l.errs:
		return streamErr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a stream error")
		return pubsub.StreamError{}
	}
}

func (l *recordingListener) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-l.ends:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the stream end")
	}
}

func (l *recordingListener) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case <-l.events:
		t.Fatal("unexpected event")
	case streamErr := <-l.errs:
		t.Fatalf("unexpected stream error: %s", streamErr.Message)
	case <-l.ends:
		t.Fatal("unexpected stream end")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCallsResolveOutOfOrder(t *testing.T) {
	url := fakeBridge(t, func(ctx context.Context, conn *websocket.Conn) {
		var reqs []requestMessage
		for len(reqs) < 2 {
			var req requestMessage
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		// Answer in reverse arrival order; correlation ids must still route
		// each response to its caller.
		for i := len(reqs) - 1; i >= 0; i-- {
			req := reqs[i]
			wsjson.Write(ctx, conn, &responseMessage{
				ID:      req.ID,
				Success: true,
				Topic:   &pubsub.TopicInfo{Name: req.GetTopic.Topic},
			})
		}
	})

	client := NewClient(log, url)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { client.Close() })

	var names [2]string
	var group errgroup.Group
	for i, topic := range []string{"/event/A", "/event/B"} {
		i, topic := i, topic
		group.Go(func() error {
			info, err := client.GetTopic(ctx, &GetTopicRequest{Topic: topic})
			if err != nil {
				return err
			}
			names[i] = info.Name
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, "/event/A", names[0])
	assert.Equal(t, "/event/B", names[1])
}

func TestCallTimeoutForgetsCallAndIgnoresLateResponse(t *testing.T) {
	release := make(chan struct{})
	url := fakeBridge(t, func(ctx context.Context, conn *websocket.Conn) {
		var first requestMessage
		if err := wsjson.Read(ctx, conn, &first); err != nil {
			return
		}
		<-release
		// This response is for a call that already timed out; the client
		// must drop it on the floor.
		wsjson.Write(ctx, conn, &responseMessage{
			ID:      first.ID,
			Success: true,
			Topic:   &pubsub.TopicInfo{Name: "stale"},
		})
		var second requestMessage
		if err := wsjson.Read(ctx, conn, &second); err != nil {
			return
		}
		wsjson.Write(ctx, conn, &responseMessage{
			ID:      second.ID,
			Success: true,
			Topic:   &pubsub.TopicInfo{Name: "fresh"},
		})
	})

	client := NewClient(log, url, WithCallTimeout(100*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { client.Close() })

	_, err := client.GetTopic(ctx, &GetTopicRequest{Topic: "/event/A"})
	require.ErrorIs(t, err, ErrCallTimeout)

	close(release)
	info, err := client.GetTopic(ctx, &GetTopicRequest{Topic: "/event/B"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", info.Name)
}

func TestCallTimeoutCoversBlockedWrite(t *testing.T) {
	// A bridge that stops reading after the handshake wedges channel writes
	// once the socket buffers fill; the call deadline still has to fire.
	// Compression is off so the request body cannot shrink into the buffers.
	hang := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			return
		}
		ctx := r.Context()
		var hs requestMessage
		if err := wsjson.Read(ctx, conn, &hs); err != nil {
			return
		}
		if err := wsjson.Write(ctx, conn, &handshakeResponse{Success: true, HTTPPort: 1, Secret: "test-secret"}); err != nil {
			return
		}
		<-hang
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(hang) })

	client := NewClient(log, server.URL, WithCallTimeout(300*time.Millisecond))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	done := make(chan error, 1)
	go func() {
		_, err := client.REST(context.Background(), &RESTRequest{
			Method:      http.MethodPost,
			Path:        "/services/data/v1/blob",
			InstanceURL: "http://127.0.0.1:1",
			AccessToken: "tok",
			Body:        []byte(strings.Repeat("x", 32<<20)),
		})
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCallTimeout)
	case <-time.After(10 * time.Second):
		t.Fatal("call did not time out while the channel write was blocked")
	}
}

func TestDisconnectRejectsAllPending(t *testing.T) {
	url := fakeBridge(t, func(ctx context.Context, conn *websocket.Conn) {
		for i := 0; i < 3; i++ {
			var req requestMessage
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusInternalError, "boom")
	})

	client := NewClient(log, url)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	errs := make(chan error, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.GetTopic(ctx, &GetTopicRequest{Topic: "/event/A"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	count := 0
	for err := range errs {
		require.ErrorIs(t, err, ErrDisconnected)
		count++
	}
	require.Equal(t, 3, count)

	assert.False(t, client.Connected())
	_, err := client.GetTopic(ctx, &GetTopicRequest{Topic: "/event/A"})
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestCallBeforeConnect(t *testing.T) {
	client := NewClient(log, "http://127.0.0.1:7447")
	_, err := client.GetTopic(context.Background(), &GetTopicRequest{Topic: "/event/A"})
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestNotificationRouting(t *testing.T) {
	url := fakeBridge(t, func(ctx context.Context, conn *websocket.Conn) {
		var req requestMessage
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		subID := req.Subscribe.SubscriptionID
		wsjson.Write(ctx, conn, &responseMessage{
			ID:        req.ID,
			Success:   true,
			Subscribe: &SubscribeResult{SubscriptionID: subID},
		})
		wsjson.Write(ctx, conn, &responseMessage{
			Type:           notifyEvent,
			SubscriptionID: subID,
			Event:          &pubsub.ConsumerEvent{ID: "e1", Payload: json.RawMessage(`{"n":1}`)},
		})
		// None of these may reach the listener: unknown subscription,
		// unknown type, malformed event.
		wsjson.Write(ctx, conn, &responseMessage{
			Type:           notifyEvent,
			SubscriptionID: "ghost",
			Event:          &pubsub.ConsumerEvent{ID: "e2"},
		})
		wsjson.Write(ctx, conn, &responseMessage{
			Type:           "weird",
			SubscriptionID: subID,
		})
		wsjson.Write(ctx, conn, &responseMessage{
			Type:           notifyEvent,
			SubscriptionID: subID,
		})
		wsjson.Write(ctx, conn, &responseMessage{
			Type:           notifyEnd,
			SubscriptionID: subID,
		})
		// Terminal: the listener is gone, late events are dropped.
		wsjson.Write(ctx, conn, &responseMessage{
			Type:           notifyEvent,
			SubscriptionID: subID,
			Event:          &pubsub.ConsumerEvent{ID: "e3"},
		})
	})

	client := NewClient(log, url)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { client.Close() })

	listener := newRecordingListener()
	subID, err := client.Subscribe(ctx, &SubscribeRequest{
		SubscriptionID: "sub-1",
		Topic:          "/event/A",
	}, listener)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", subID)

	event := listener.nextEvent(t)
	assert.Equal(t, "e1", event.ID)
	listener.waitEnd(t)
	listener.assertQuiet(t)
}

func TestErrorNotificationIsTerminal(t *testing.T) {
	url := fakeBridge(t, func(ctx context.Context, conn *websocket.Conn) {
		var req requestMessage
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		subID := req.Subscribe.SubscriptionID
		wsjson.Write(ctx, conn, &responseMessage{
			ID:        req.ID,
			Success:   true,
			Subscribe: &SubscribeResult{SubscriptionID: subID},
		})
		wsjson.Write(ctx, conn, &responseMessage{
			Type:           notifyError,
			SubscriptionID: subID,
			StreamError:    &pubsub.StreamError{Code: "rate_limited", Message: "slow down"},
		})
		wsjson.Write(ctx, conn, &responseMessage{
			Type:           notifyEvent,
			SubscriptionID: subID,
			Event:          &pubsub.ConsumerEvent{ID: "late"},
		})
	})

	client := NewClient(log, url)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { client.Close() })

	listener := newRecordingListener()
	_, err := client.Subscribe(ctx, &SubscribeRequest{
		SubscriptionID: "sub-err",
		Topic:          "/event/A",
	}, listener)
	require.NoError(t, err)

	streamErr := listener.nextError(t)
	assert.Equal(t, "rate_limited", streamErr.Code)
	assert.Equal(t, "slow down", streamErr.Message)
	listener.assertQuiet(t)
}

func TestCloseNotifiesListeners(t *testing.T) {
	url := fakeBridge(t, func(ctx context.Context, conn *websocket.Conn) {
		var req requestMessage
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		wsjson.Write(ctx, conn, &responseMessage{
			ID:        req.ID,
			Success:   true,
			Subscribe: &SubscribeResult{SubscriptionID: req.Subscribe.SubscriptionID},
		})
		// Hold the channel open until the client hangs up.
		var next requestMessage
		wsjson.Read(ctx, conn, &next)
	})

	client := NewClient(log, url)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	listener := newRecordingListener()
	_, err := client.Subscribe(ctx, &SubscribeRequest{
		SubscriptionID: "sub-close",
		Topic:          "/event/A",
	}, listener)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	streamErr := listener.nextError(t)
	assert.Equal(t, "connection", streamErr.Code)
	assert.False(t, client.Connected())
}

func TestDuplicateListenerRejected(t *testing.T) {
	url := fakeBridge(t, func(ctx context.Context, conn *websocket.Conn) {
		var req requestMessage
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		wsjson.Write(ctx, conn, &responseMessage{
			ID:        req.ID,
			Success:   true,
			Subscribe: &SubscribeResult{SubscriptionID: req.Subscribe.SubscriptionID},
		})
	})

	client := NewClient(log, url)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { client.Close() })

	_, err := client.Subscribe(ctx, &SubscribeRequest{
		SubscriptionID: "sub-taken",
		Topic:          "/event/A",
	}, newRecordingListener())
	require.NoError(t, err)

	_, err = client.Subscribe(ctx, &SubscribeRequest{
		SubscriptionID: "sub-taken",
		Topic:          "/event/A",
	}, newRecordingListener())
	require.ErrorContains(t, err, "already has a listener")
}

func TestConnectHandshakeRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		var hs requestMessage
		if err := wsjson.Read(ctx, conn, &hs); err != nil {
			return
		}
		wsjson.Write(ctx, conn, &handshakeResponse{Error: "bridge draining"})
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(server.Close)

	client := NewClient(log, server.URL)
	err := client.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorContains(t, err, "bridge draining")
	assert.False(t, client.Connected())
}

func TestConnectNoServer(t *testing.T) {
	client := NewClient(log, "http://127.0.0.1:1", WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.Connect(ctx)
	require.ErrorIs(t, err, ErrConnect)
}
