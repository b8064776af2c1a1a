package bridge

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// SecretHeader authenticates payload fetches against the channel's secret.
const SecretHeader = "X-Proxy-Secret"

// DefaultRelayTTL is how long a parked payload stays fetchable.
const DefaultRelayTTL = time.Minute

// relaySweepInterval is how often expired entries are dropped without having
// been fetched.
const relaySweepInterval = 5 * time.Second

// payloadRelay parks response frames that exceed the channel frame limit and
// hands each one out at most once over the loopback side channel. Entries
// are bound to the secret of the session that parked them and evaporate
// after the TTL.
type payloadRelay struct {
	log *zap.SugaredLogger
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]relayEntry
}

type relayEntry struct {
	body      []byte
	secret    string
	expiresAt time.Time
}

func newPayloadRelay(log *zap.SugaredLogger, ttl time.Duration) *payloadRelay {
	return &payloadRelay{
		log:     log,
		ttl:     ttl,
		entries: make(map[string]relayEntry),
	}
}

// put parks a payload for the session holding secret and returns the payload
// id the client fetches it under.
func (p *payloadRelay) put(body []byte, secret string) string {
	payloadID := uuid.NewString()
	p.mu.Lock()
	p.entries[payloadID] = relayEntry{
		body:      body,
		secret:    secret,
		expiresAt: time.Now().Add(p.ttl),
	}
	p.mu.Unlock()
	p.log.Debugw("parked large payload", "PayloadID", payloadID, "Bytes", len(body))
	return payloadID
}

// take removes and returns a parked payload. A hit consumes the entry; a
// wrong secret does not, so the rightful owner can still fetch it. Requests
// with no secret are rejected before the lookup and cannot tell parked ids
// from unknown ones.
func (p *payloadRelay) take(payloadID, secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrRelayAuth
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[payloadID]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(p.entries, payloadID)
		return nil, ErrRelayNotFound
	}
	if subtle.ConstantTimeCompare([]byte(entry.secret), []byte(secret)) != 1 {
		return nil, ErrRelayAuth
	}
	delete(p.entries, payloadID)
	return entry.body, nil
}

// purgeSecret drops every entry a session parked. Called when the session's
// channel closes.
func (p *payloadRelay) purgeSecret(secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.entries {
		if entry.secret == secret {
			delete(p.entries, id)
		}
	}
}

func (p *payloadRelay) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.entries {
		if now.After(entry.expiresAt) {
			p.log.Debugw("expiring unfetched payload", "PayloadID", id)
			delete(p.entries, id)
		}
	}
}

// runJanitor sweeps expired entries until stop is closed.
func (p *payloadRelay) runJanitor(stop <-chan struct{}) {
	ticker := time.NewTicker(relaySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			p.sweep(now)
		case <-stop:
			return
		}
	}
}

// handlePayload serves GET /payload/:id on the relay listener.
func (p *payloadRelay) handlePayload(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	payloadID := params.ByName("id")
	body, err := p.take(payloadID, r.Header.Get(SecretHeader))
	switch err {
	case nil:
	case ErrRelayAuth:
		p.log.Debugw("payload fetch with bad secret", "PayloadID", payloadID)
		http.Error(w, "invalid proxy secret", http.StatusUnauthorized)
		return
	default:
		http.Error(w, "no such payload", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write(body); err != nil {
		p.log.Debugf("writing payload response: %s", err)
	}
}
