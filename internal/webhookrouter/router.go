package webhookrouter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/threadkiln/threadkiln/internal/cache"
	"github.com/threadkiln/threadkiln/pkg/models"
)

// WebhookRequest is the channel-module-facing view of an inbound HTTP
// request, already past signature verification.
type WebhookRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values
	Body    []byte
}

// WebhookResponse is what a sandboxed channel module hands back: the HTTP
// response to return verbatim to the webhook sender, plus the messages it
// wants forwarded into the agent.
type WebhookResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	Messages   []models.IncomingMessage
}

// ChannelModule invokes a registered channel's webhook handling logic. In
// production this is backed by internal/wasmhost's sandboxed wazero runtime;
// tests and non-WASM channels can supply any implementation.
type ChannelModule interface {
	HandleWebhook(ctx context.Context, req WebhookRequest) (WebhookResponse, error)
}

// Endpoint is one path+method combination a channel registration exposes.
type Endpoint struct {
	Path          string
	Methods       []string
	RequireSecret bool
}

// Registration describes one channel's webhook surface: its endpoints and
// optional credential bundle. Registration is idempotent - registering the
// same name again replaces the prior registration in full.
type Registration struct {
	Name      string
	Endpoints []Endpoint
	Module    ChannelModule
	Secret    *SecretConfig
	Ed25519   *Ed25519Config
	HMAC      *HMACConfig
}

type registeredChannel struct {
	name     string
	module   ChannelModule
	verifier *verifier
}

// Dispatcher delivers a normalized IncomingMessage into the rest of the
// system. The agent's message-persistence step is expected to call
// Router.Ack(key) once the message is durably stored, which is what
// resolves the waiter this router blocks on before ACKing the HTTP sender.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg models.IncomingMessage) error
}

// Router is the C5 webhook ingress surface: registration, path/method
// routing, transport-level authenticity checks, and the dedup+ACK protocol.
// Dedup is grounded on internal/cache.DedupeCache/MessageDedupeKey; the
// one-shot waiter map implementing the join_all-style ACK-before-200
// contract is new logic with no teacher analogue (the teacher's channel
// adapters are long-lived bidirectional connections, never request/response
// HTTP callbacks waiting on downstream persistence).
type Router struct {
	mu       sync.RWMutex
	byPath   map[string]*Endpoint
	channels map[string]*registeredChannel // endpoint path -> owning channel
	named    map[string]*registeredChannel // channel name -> registration, for unregister

	waitersMu sync.Mutex
	waiters   map[string]chan bool

	dedupe   *cache.DedupeCache
	dispatch Dispatcher
	logger   *slog.Logger

	// AckTimeout bounds the join_all wait for all of a request's emitted
	// messages to be acknowledged before the router gives up and returns
	// 500 so the upstream retries.
	AckTimeout time.Duration
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
	DedupeTTL  time.Duration
	AckTimeout time.Duration
}

// NewRouter constructs a Router. DedupeTTL defaults to 24h (the window most
// webhook senders retry within); AckTimeout defaults to 10s.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "webhookrouter")
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	return &Router{
		byPath:     make(map[string]*Endpoint),
		channels:   make(map[string]*registeredChannel),
		named:      make(map[string]*registeredChannel),
		waiters:    make(map[string]chan bool),
		dedupe:     cache.NewDedupeCache(cache.DedupeCacheOptions{TTL: cfg.DedupeTTL, MaxSize: 100_000}),
		dispatch:   cfg.Dispatcher,
		logger:     cfg.Logger,
		AckTimeout: cfg.AckTimeout,
	}
}

// Register adds (or idempotently replaces) a channel's webhook surface.
func (r *Router) Register(reg Registration) error {
	v, err := newVerifier(reg.Secret, reg.Ed25519, reg.HMAC)
	if err != nil {
		return fmt.Errorf("register channel %s: %w", reg.Name, err)
	}
	rc := &registeredChannel{name: reg.Name, module: reg.Module, verifier: v}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(reg.Name)
	for i := range reg.Endpoints {
		ep := reg.Endpoints[i]
		r.byPath[ep.Path] = &ep
		r.channels[ep.Path] = rc
	}
	r.named[reg.Name] = rc
	return nil
}

// Unregister removes every path and all key material for a channel.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(name)
}

func (r *Router) unregisterLocked(name string) {
	for path, ch := range r.channels {
		if ch.name == name {
			delete(r.channels, path)
			delete(r.byPath, path)
		}
	}
	delete(r.named, name)
}

// ServeHTTP implements request-handling steps 1-6 of the webhook contract.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	ep, epOK := r.byPath[req.URL.Path]
	ch, chOK := r.channels[req.URL.Path]
	r.mu.RUnlock()

	// Step 1: resolve channel by path.
	if !epOK || !chOK {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if !methodAllowed(ep.Methods, req.Method) {
		http.Error(w, "method not allowed", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, 10<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	v := ch.verifier

	// Step 2: secret check, unless verification mode is query_param-only
	// and the endpoint didn't require a secret.
	if ep.RequireSecret || (v.secret != nil && v.secret.Mode != SecretModeQueryParam) {
		header := DefaultSecretHeader
		if v.secret != nil && v.secret.Header != "" {
			header = v.secret.Header
		}
		if err := v.checkSecret(req.Header.Get(header), req.URL.Query().Get("secret")); err != nil {
			r.logger.Warn("webhook secret rejected", "channel", ch.name, "error", err)
			http.Error(w, "invalid secret", http.StatusUnauthorized)
			return
		}
	}

	// Step 3: Ed25519 signature over timestamp||body.
	if v.ed25519 != nil {
		ts := req.Header.Get(v.ed25519.timestampHeader)
		sig := req.Header.Get(v.ed25519.signatureHeader)
		if err := v.checkEd25519(body, ts, sig, time.Now()); err != nil {
			r.logger.Warn("webhook ed25519 signature rejected", "channel", ch.name, "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// Step 4: HMAC-SHA256 signature.
	if v.hmac != nil {
		if err := v.checkHMAC(body, req.Header.Get(HMACSignatureHeader)); err != nil {
			r.logger.Warn("webhook hmac signature rejected", "channel", ch.name, "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// Step 5: invoke the sandboxed channel module.
	modResp, err := ch.module.HandleWebhook(req.Context(), WebhookRequest{
		Method:  req.Method,
		Path:    req.URL.Path,
		Headers: req.Header,
		Query:   req.URL.Query(),
		Body:    body,
	})
	if err != nil {
		r.logger.Error("channel module invocation failed", "channel", ch.name, "error", err)
		http.Error(w, "channel module error", http.StatusInternalServerError)
		return
	}

	// Step 6: dedup + ACK protocol.
	if ok := r.forwardAndAwaitAck(req.Context(), ch.name, modResp.Messages); !ok {
		http.Error(w, "timed out waiting for message persistence", http.StatusInternalServerError)
		return
	}

	for k, vals := range modResp.Headers {
		for _, val := range vals {
			w.Header().Add(k, val)
		}
	}
	status := modResp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(modResp.Body) > 0 {
		_, _ = w.Write(modResp.Body)
	}
}

// forwardAndAwaitAck implements step 6 in full: dedup each emitted message,
// register a one-shot waiter, forward it, then join_all-wait (max, not sum)
// for every waiter to fire before returning true. Any dropped/duplicate
// message is simply skipped rather than counted against the join.
func (r *Router) forwardAndAwaitAck(ctx context.Context, channel string, messages []models.IncomingMessage) bool {
	if len(messages) == 0 {
		return true
	}

	var waiters []chan bool
	var keys []string
	for _, msg := range messages {
		key := ackKey(channel, msg)
		if r.dedupe.Check(key) {
			// Seen before: drop silently, per the dedup contract.
			continue
		}
		waitCh := r.registerWaiter(key)
		waiters = append(waiters, waitCh)
		keys = append(keys, key)

		msg := msg
		go func() {
			dispatchCtx, cancel := context.WithTimeout(context.Background(), r.AckTimeout)
			defer cancel()
			if err := r.dispatch.Dispatch(dispatchCtx, msg); err != nil {
				r.logger.Error("webhook message dispatch failed", "channel", channel, "error", err)
				r.dropWaiter(ackKey(channel, msg))
			}
		}()
	}

	if len(waiters) == 0 {
		return true
	}

	done := make(chan bool, 1)
	go func() {
		allOK := true
		for _, w := range waiters {
			if !<-w {
				allOK = false
			}
		}
		done <- allOK
	}()

	select {
	case allOK := <-done:
		if !allOK {
			r.logger.Warn("webhook ack join saw a dropped waiter", "channel", channel, "keys", keys)
		}
		return allOK
	case <-time.After(r.AckTimeout):
		r.logger.Warn("webhook ack join timed out", "channel", channel, "pending_keys", keys)
		return false
	case <-ctx.Done():
		return false
	}
}

// registerWaiter creates the one-shot waiter for an ACK key. Buffered by
// one so Ack/dropWaiter never block even if the join loop hasn't reached
// this waiter's receive yet.
func (r *Router) registerWaiter(key string) chan bool {
	ch := make(chan bool, 1)
	r.waitersMu.Lock()
	r.waiters[key] = ch
	r.waitersMu.Unlock()
	return ch
}

// Ack resolves the waiter registered for key with success, called by the
// agent's message-persistence step once the message is durably stored. A
// key with no registered waiter (already acked, or never registered) is a
// no-op.
func (r *Router) Ack(key string) {
	r.resolveWaiter(key, true)
}

// dropWaiter resolves a waiter with failure, used when dispatch itself
// fails. The request handler's join still completes (so it doesn't hang
// the full AckTimeout) but forwardAndAwaitAck reports an overall failure,
// matching "if ... any waiter is dropped: return 500".
func (r *Router) dropWaiter(key string) {
	r.resolveWaiter(key, false)
}

func (r *Router) resolveWaiter(key string, ok bool) {
	r.waitersMu.Lock()
	ch, found := r.waiters[key]
	if found {
		delete(r.waiters, key)
	}
	r.waitersMu.Unlock()
	if found {
		ch <- ok
	}
}

// ackKey derives the dedup/ack key per the spec: "{channel}:{external_msg_id}",
// falling back to the user ID when no external id is present.
func ackKey(channel string, msg models.IncomingMessage) string {
	id := msg.ID
	if id == "" {
		id = msg.UserID
	}
	return cache.MessageDedupeKey(channel, id)
}

func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

// RunCleanupLoop periodically logs dedup-store occupancy so operators can
// see the store aging out old records (DedupeCache prunes opportunistically
// on every Check call; this loop adds visibility, grounded on
// internal/tasks/scheduler.go's ticker-plus-select pollLoop shape).
func (r *Router) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logger.Debug("webhook dedup store", "size", r.dedupe.Size())
		}
	}
}
