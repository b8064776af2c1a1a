package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streambridge/streambridge/bridge"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// fakeExchanger is a scripted TokenExchanger. When block is set, every
// exchange parks on it, which lets tests hold a refresh in flight.
type fakeExchanger struct {
	mu        sync.Mutex
	connected bool
	calls     int
	lastReq   *bridge.RefreshTokenRequest
	token     string
	instance  string
	err       error

	block   chan struct{}
	started chan struct{}
}

func newFakeExchanger(token string) *fakeExchanger {
	return &fakeExchanger{
		connected: true,
		token:     token,
		started:   make(chan struct{}, 16),
	}
}

func (f *fakeExchanger) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeExchanger) RefreshToken(ctx context.Context, req *bridge.RefreshTokenRequest) (*bridge.TokenResponse, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	block := f.block
	token := f.token
	instance := f.instance
	err := f.err
	f.mu.Unlock()
	select {
	case f.started <- struct{}{}:
	default:
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &bridge.TokenResponse{AccessToken: token, InstanceURL: instance}, nil
}

func (f *fakeExchanger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExchanger) setToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func newTestIdentity() Identity {
	return Identity{
		ID:           "org-main",
		AccessToken:  "tok-old",
		RefreshToken: "refresh-1",
		InstanceURL:  "https://na1.example",
		LoginURL:     "https://login.example",
		ClientID:     "client-1",
	}
}

func TestRefreshAndReplay(t *testing.T) {
	store := NewStore()
	store.Put(newTestIdentity())
	exchanger := newFakeExchanger("tok-new")
	coord := NewCoordinator(log, store, exchanger)

	var seen []string
	result, err := Do(context.Background(), coord, "org-main", func(ctx context.Context, accessToken string) (string, bool, error) {
		seen = append(seen, accessToken)
		return "result:" + accessToken, accessToken != "tok-new", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "result:tok-new", result)
	assert.Equal(t, []string{"tok-old", "tok-new"}, seen)
	assert.Equal(t, 1, exchanger.callCount())

	// The exchange carried the identity's refresh credentials.
	assert.Equal(t, "refresh-1", exchanger.lastReq.RefreshToken)
	assert.Equal(t, "https://login.example", exchanger.lastReq.LoginURL)
	assert.Equal(t, "client-1", exchanger.lastReq.ClientID)

	ident, ok := store.Get("org-main")
	require.True(t, ok)
	assert.Equal(t, "tok-new", ident.AccessToken)
	assert.False(t, ident.LastUsedAt.IsZero())
}

func TestAuthorizedCallNeedsNoRefresh(t *testing.T) {
	store := NewStore()
	store.Put(newTestIdentity())
	exchanger := newFakeExchanger("tok-new")
	coord := NewCoordinator(log, store, exchanger)

	result, err := Do(context.Background(), coord, "org-main", func(ctx context.Context, accessToken string) (int, bool, error) {
		return 42, false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 0, exchanger.callCount())
}

func TestConcurrentCallsShareOneRefresh(t *testing.T) {
	store := NewStore()
	store.Put(newTestIdentity())
	exchanger := newFakeExchanger("tok-new")
	release := make(chan struct{})
	exchanger.block = release
	coord := NewCoordinator(log, store, exchanger)

	const workers = 5
	var fnCalls int64
	rejected := make(chan struct{}, workers)
	var group errgroup.Group
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			result, err := Do(context.Background(), coord, "org-main", func(ctx context.Context, accessToken string) (string, bool, error) {
				atomic.AddInt64(&fnCalls, 1)
				if accessToken == "tok-old" {
					rejected <- struct{}{}
					return "", true, nil
				}
				return accessToken, false, nil
			})
			if err != nil {
				return err
			}
			if result != "tok-new" {
				return fmt.Errorf("unexpected result %q", result)
			}
			return nil
		})
	}

	// Every worker rejects the stale token, one exchange goes in flight, and
	// the stragglers pile onto it before it is released.
	for i := 0; i < workers; i++ {
		<-rejected
	}
	<-exchanger.started
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, group.Wait())
	assert.Equal(t, 1, exchanger.callCount())
	assert.Equal(t, int64(2*workers), atomic.LoadInt64(&fnCalls))
}

func TestConcurrentCallsShareRefreshFailure(t *testing.T) {
	store := NewStore()
	store.Put(newTestIdentity())
	exchanger := newFakeExchanger("")
	exchanger.err = errors.New("login host says no")
	release := make(chan struct{})
	exchanger.block = release
	coord := NewCoordinator(log, store, exchanger)

	const workers = 3
	rejected := make(chan struct{}, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := Do(context.Background(), coord, "org-main", func(ctx context.Context, accessToken string) (string, bool, error) {
				rejected <- struct{}{}
				return "", true, nil
			})
			errs <- err
		}()
	}

	for i := 0; i < workers; i++ {
		<-rejected
	}
	<-exchanger.started
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < workers; i++ {
		err := <-errs
		var refreshErr *RefreshError
		require.ErrorAs(t, err, &refreshErr)
		assert.Equal(t, "org-main", refreshErr.IdentityID)
		assert.Contains(t, refreshErr.Error(), "login host says no")
	}
	assert.Equal(t, 1, exchanger.callCount())

	ident, _ := store.Get("org-main")
	assert.Equal(t, "tok-old", ident.AccessToken)
}

func TestNoRefreshTokenIsTerminal(t *testing.T) {
	store := NewStore()
	ident := newTestIdentity()
	ident.RefreshToken = ""
	store.Put(ident)
	exchanger := newFakeExchanger("tok-new")
	coord := NewCoordinator(log, store, exchanger)

	_, err := Do(context.Background(), coord, "org-main", func(ctx context.Context, accessToken string) (string, bool, error) {
		return "", true, nil
	})
	var expiredErr *AuthExpiredError
	require.ErrorAs(t, err, &expiredErr)
	assert.Equal(t, "org-main", expiredErr.IdentityID)
	assert.Equal(t, 0, exchanger.callCount())
}

func TestDisconnectedExchangerIsTerminal(t *testing.T) {
	store := NewStore()
	store.Put(newTestIdentity())
	exchanger := newFakeExchanger("tok-new")
	exchanger.connected = false
	coord := NewCoordinator(log, store, exchanger)

	_, err := Do(context.Background(), coord, "org-main", func(ctx context.Context, accessToken string) (string, bool, error) {
		return "", true, nil
	})
	var expiredErr *AuthExpiredError
	require.ErrorAs(t, err, &expiredErr)
	assert.Equal(t, 0, exchanger.callCount())
}

func TestStillUnauthorizedAfterRefreshIsTerminal(t *testing.T) {
	store := NewStore()
	store.Put(newTestIdentity())
	exchanger := newFakeExchanger("tok-new")
	coord := NewCoordinator(log, store, exchanger)

	fnCalls := 0
	_, err := Do(context.Background(), coord, "org-main", func(ctx context.Context, accessToken string) (string, bool, error) {
		fnCalls++
		return "", true, nil
	})
	var expiredErr *AuthExpiredError
	require.ErrorAs(t, err, &expiredErr)
	assert.Equal(t, 2, fnCalls)
	assert.Equal(t, 1, exchanger.callCount())
}

func TestUnknownIdentity(t *testing.T) {
	coord := NewCoordinator(log, NewStore(), newFakeExchanger("tok-new"))

	_, err := Do(context.Background(), coord, "nobody", func(ctx context.Context, accessToken string) (string, bool, error) {
		t.Fatal("fn must not run for an unknown identity")
		return "", false, nil
	})
	require.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestSequentialRejectionsRefreshIndependently(t *testing.T) {
	store := NewStore()
	store.Put(newTestIdentity())
	exchanger := newFakeExchanger("tok-1")
	coord := NewCoordinator(log, store, exchanger)

	revoked := map[string]bool{"tok-old": true}
	fn := func(ctx context.Context, accessToken string) (string, bool, error) {
		return accessToken, revoked[accessToken], nil
	}

	result, err := Do(context.Background(), coord, "org-main", fn)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", result)
	assert.Equal(t, 1, exchanger.callCount())

	// The first exchange has settled, so a later rejection starts a new one
	// instead of reusing the stale outcome.
	revoked["tok-1"] = true
	exchanger.setToken("tok-2")
	result, err = Do(context.Background(), coord, "org-main", fn)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", result)
	assert.Equal(t, 2, exchanger.callCount())
}

func TestTransportErrorPassesThrough(t *testing.T) {
	store := NewStore()
	store.Put(newTestIdentity())
	exchanger := newFakeExchanger("tok-new")
	coord := NewCoordinator(log, store, exchanger)

	wantErr := errors.New("socket closed")
	_, err := Do(context.Background(), coord, "org-main", func(ctx context.Context, accessToken string) (string, bool, error) {
		return "", false, wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, exchanger.callCount())
}

func TestExchangeMovesInstanceURL(t *testing.T) {
	store := NewStore()
	store.Put(newTestIdentity())
	exchanger := newFakeExchanger("tok-new")
	exchanger.instance = "https://na42.example"
	coord := NewCoordinator(log, store, exchanger)

	_, err := Do(context.Background(), coord, "org-main", func(ctx context.Context, accessToken string) (string, bool, error) {
		return accessToken, accessToken == "tok-old", nil
	})
	require.NoError(t, err)

	ident, ok := store.Get("org-main")
	require.True(t, ok)
	assert.Equal(t, "tok-new", ident.AccessToken)
	assert.Equal(t, "https://na42.example", ident.InstanceURL)
}
