package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmeflow/acme"
	"github.com/cpu/acmeflow/acme/challenge"
	"github.com/cpu/acmeflow/acme/keys"
	"github.com/cpu/acmeflow/acme/order"
	"github.com/cpu/acmeflow/acme/ratelimit"
	"github.com/cpu/acmeflow/acme/session"
)

// testCallbacks records every callback invocation so tests can assert on
// call counts and arguments without a mock framework, matching the plain
// struct-with-counters style the teacher's own tests use.
type testCallbacks struct {
	mu sync.Mutex

	initGate chan struct{}

	initCalls         int
	publishCalls      int
	lastResponses     []challenge.Response
	csrB64            string
	processCalls      int
	lastPEM           []byte
	ackCalls          int
	invalidCalls      int
	invalidErr        error
	finalizeDirective FinalizationDirective
}

func (c *testCallbacks) Init(ctx context.Context, identifiers []order.Identifier) ([]order.Identifier, error) {
	if c.initGate != nil {
		select {
		case <-c.initGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	c.initCalls++
	c.mu.Unlock()
	return identifiers, nil
}

func (c *testCallbacks) PublishChallengeResponses(ctx context.Context, responses []challenge.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishCalls++
	c.lastResponses = responses
	return nil
}

func (c *testCallbacks) GetCSR(ctx context.Context, identifiers []order.Identifier) ([]byte, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	csr := c.csrB64
	if csr == "" {
		csr = "test-csr"
	}
	return nil, csr, nil
}

func (c *testCallbacks) ProcessCertificate(ctx context.Context, ord *order.Order, pemChain []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processCalls++
	c.lastPEM = pemChain
	return nil
}

func (c *testCallbacks) AckOrder(ctx context.Context, ord *order.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackCalls++
	return nil
}

func (c *testCallbacks) InvalidOrder(ctx context.Context, ord *order.Order, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidCalls++
	c.invalidErr = err
}

func (c *testCallbacks) HandleFinalizationError(ctx context.Context, ord *order.Order, err error) FinalizationDirective {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalizeDirective
}

func (c *testCallbacks) snapshot() testCallbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return testCallbacks{
		initCalls:    c.initCalls,
		publishCalls: c.publishCalls,
		processCalls: c.processCalls,
		ackCalls:     c.ackCalls,
		invalidCalls: c.invalidCalls,
		invalidErr:   c.invalidErr,
	}
}

// fastPolicy keeps every backoff and budget small so poller tests finish in
// well under a second instead of spec.md's multi-minute production budgets.
func fastPolicy() RetryPolicy {
	return RetryPolicy{
		AuthorizationBudget: 3 * time.Second,
		FinalizationBudget:  3 * time.Second,
		DownloadBudget:      3 * time.Second,
		ServerBackoffBase:   10 * time.Millisecond,
		DNSBackoffBase:      10 * time.Millisecond,
		BackoffCap:          50 * time.Millisecond,
	}
}

// TestPollerCancelBeforeNetworkCalls verifies Cancel takes effect at the
// first suspension point, before the poller ever touches a session's
// network dependencies (spec.md section 5, "no further callbacks fire").
func TestPollerCancelBeforeNetworkCalls(t *testing.T) {
	cb := &testCallbacks{initGate: make(chan struct{})}
	sess := &session.Session{Gate: ratelimit.NewGate()}

	p, err := Start(context.Background(), sess, "example.com", cb, fastPolicy())
	require.NoError(t, err)

	p.Cancel()
	close(cb.initGate)
	p.Wait()

	require.Equal(t, StateCancelled, p.State())
	require.NoError(t, p.LastError())
	snap := cb.snapshot()
	require.Equal(t, 0, snap.publishCalls)
	require.Equal(t, 0, snap.processCalls)
}

// acmeTestServer wires up a minimal in-memory ACME server covering the
// directory, newNonce, newOrder, authorization, challenge, finalize, and
// certificate endpoints the poller's happy path exercises.
type acmeTestServer struct {
	srv *httptest.Server

	authzPolls   int32
	orderValid   int32
	orderInvalid int32

	// authzFunc answers /authz/1 polls; tests may replace it before
	// starting the poller to simulate a server-side authorization
	// decision other than the default eventually-valid behavior.
	authzFunc http.HandlerFunc
}

func newACMETestServer(t *testing.T, challenges []map[string]any) *acmeTestServer {
	t.Helper()

	ts := &acmeTestServer{}
	mux := http.NewServeMux()
	var srv *httptest.Server

	withNonce := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(acme.ReplayNonceHeader, "nonce-value")
			h(w, r)
		}
	}

	mux.HandleFunc("/directory", withNonce(func(w http.ResponseWriter, r *http.Request) {
		dir := map[string]string{
			acme.NewNonceEndpoint:   srv.URL + "/new-nonce",
			acme.NewAccountEndpoint: srv.URL + "/new-account",
			acme.NewOrderEndpoint:   srv.URL + "/new-order",
		}
		json.NewEncoder(w).Encode(dir)
	}))

	mux.HandleFunc("/new-nonce", withNonce(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	mux.HandleFunc("/new-order", withNonce(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", srv.URL+"/order/1")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "pending",
			"identifiers":    []map[string]string{{"type": "dns", "value": "example.com"}},
			"authorizations": []string{srv.URL + "/authz/1"},
			"finalize":       srv.URL + "/finalize/1",
		})
	}))

	mux.HandleFunc("/order/1", withNonce(func(w http.ResponseWriter, r *http.Request) {
		status := "pending"
		cert := ""
		if atomic.LoadInt32(&ts.orderInvalid) == 1 {
			status = "invalid"
		} else if atomic.LoadInt32(&ts.orderValid) == 1 {
			status = "valid"
			cert = srv.URL + "/cert/1"
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":         status,
			"authorizations": []string{srv.URL + "/authz/1"},
			"finalize":       srv.URL + "/finalize/1",
			"certificate":    cert,
		})
	}))

	ts.authzFunc = withNonce(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&ts.authzPolls, 1)
		status := "pending"
		if n >= 2 {
			status = "valid"
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":     status,
			"identifier": map[string]string{"type": "dns", "value": "example.com"},
			"challenges": challenges,
		})
	})
	mux.HandleFunc("/authz/1", func(w http.ResponseWriter, r *http.Request) {
		ts.authzFunc(w, r)
	})

	mux.HandleFunc("/chall/1", withNonce(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
	}))

	mux.HandleFunc("/finalize/1", withNonce(func(w http.ResponseWriter, r *http.Request) {
		atomic.StoreInt32(&ts.orderValid, 1)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "valid",
			"authorizations": []string{srv.URL + "/authz/1"},
			"finalize":       srv.URL + "/finalize/1",
			"certificate":    srv.URL + "/cert/1",
		})
	}))

	mux.HandleFunc("/cert/1", withNonce(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n"))
	}))

	srv = httptest.NewServer(mux)
	ts.srv = srv
	return ts
}

func newTestSessionForPoller(t *testing.T, directoryURL string) *session.Session {
	t.Helper()
	key, err := keys.GenerateAccountKey()
	require.NoError(t, err)

	sess, err := session.New(context.Background(), session.Config{
		DirectoryURL: directoryURL,
		Gate:         ratelimit.NewGate(),
	})
	require.NoError(t, err)
	sess.AccountKey = key
	sess.AccountKID = directoryURL + "-acct-1"
	return sess
}

// TestPollerHappyPathHTTP01 drives a full order lifecycle end to end
// (spec.md invariant #6: the poller reaches done and ProcessCertificate is
// called exactly once) using an http-01 challenge so the test never depends
// on real DNS resolution.
func TestPollerHappyPathHTTP01(t *testing.T) {
	challenges := []map[string]any{
		{"type": "http-01", "token": "tok1", "url": "", "status": "pending"},
	}
	ts := newACMETestServer(t, challenges)
	defer ts.srv.Close()
	// The challenge URL needs the server's own address, filled in after
	// the server starts listening.
	challenges[0]["url"] = ts.srv.URL + "/chall/1"

	sess := newTestSessionForPoller(t, ts.srv.URL+"/directory")
	cb := &testCallbacks{}

	p, err := Start(context.Background(), sess, "example.com", cb, fastPolicy())
	require.NoError(t, err)
	p.Wait()

	require.NoError(t, p.LastError())
	require.Equal(t, StateDone, p.State())

	snap := cb.snapshot()
	require.Equal(t, 1, snap.initCalls)
	require.Equal(t, 1, snap.publishCalls)
	require.Equal(t, 1, snap.processCalls)
	require.Equal(t, 1, snap.ackCalls)
	require.Equal(t, 0, snap.invalidCalls)
	require.NotEmpty(t, cb.lastPEM)
}

// TestPollerAuthorizationInvalid verifies that an authorization going
// invalid is terminal: InvalidOrder fires exactly once and the poller
// fails without ever reaching finalize (spec.md invariant #7).
func TestPollerAuthorizationInvalid(t *testing.T) {
	challenges := []map[string]any{
		{"type": "http-01", "token": "tok1", "url": "", "status": "pending"},
	}
	ts := newACMETestServer(t, challenges)
	defer ts.srv.Close()
	challenges[0]["url"] = ts.srv.URL + "/chall/1"

	ts.authzFunc = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(acme.ReplayNonceHeader, "nonce-value")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "invalid",
			"identifier": map[string]string{"type": "dns", "value": "example.com"},
			"challenges": challenges,
		})
	}

	sess := newTestSessionForPoller(t, ts.srv.URL+"/directory")
	cb := &testCallbacks{}

	p, err := Start(context.Background(), sess, "example.com", cb, fastPolicy())
	require.NoError(t, err)
	p.Wait()

	require.Equal(t, StateFailed, p.State())
	require.Error(t, p.LastError())

	snap := cb.snapshot()
	require.Equal(t, 1, snap.invalidCalls)
	require.Equal(t, 0, snap.processCalls)
}

// TestPollerOrderInvalidAfterFinalize verifies that an order settling to
// invalid during polling_order (rather than one of its authorizations) is
// also terminal: InvalidOrder fires exactly once and the poller never
// reaches done.
func TestPollerOrderInvalidAfterFinalize(t *testing.T) {
	challenges := []map[string]any{
		{"type": "http-01", "token": "tok1", "url": "", "status": "pending"},
	}
	ts := newACMETestServer(t, challenges)
	defer ts.srv.Close()
	challenges[0]["url"] = ts.srv.URL + "/chall/1"

	orig := ts.authzFunc
	ts.authzFunc = func(w http.ResponseWriter, r *http.Request) {
		atomic.StoreInt32(&ts.orderInvalid, 1)
		orig(w, r)
	}

	sess := newTestSessionForPoller(t, ts.srv.URL+"/directory")
	cb := &testCallbacks{}

	p, err := Start(context.Background(), sess, "example.com", cb, fastPolicy())
	require.NoError(t, err)
	p.Wait()

	require.Equal(t, StateFailed, p.State())
	require.Error(t, p.LastError())

	snap := cb.snapshot()
	require.Equal(t, 1, snap.invalidCalls)
	require.Equal(t, 0, snap.processCalls)
}

// TestPollerResumePendingOrder verifies Resume reconstructs OrderState for a
// still-pending order (re-fetching the order and its authorizations instead
// of creating a new one) and drives it to done exactly as Start would,
// covering spec.md section 4.9's "resume" entry point and section 2's
// "persist across restarts" requirement.
func TestPollerResumePendingOrder(t *testing.T) {
	challenges := []map[string]any{
		{"type": "http-01", "token": "tok1", "url": "", "status": "pending"},
	}
	ts := newACMETestServer(t, challenges)
	defer ts.srv.Close()
	challenges[0]["url"] = ts.srv.URL + "/chall/1"

	sess := newTestSessionForPoller(t, ts.srv.URL+"/directory")
	cb := &testCallbacks{}

	p, err := Resume(context.Background(), sess, ts.srv.URL+"/order/1", "example.com", cb, fastPolicy())
	require.NoError(t, err)
	p.Wait()

	require.NoError(t, p.LastError())
	require.Equal(t, StateDone, p.State())

	snap := cb.snapshot()
	require.Equal(t, 1, snap.initCalls)
	require.Equal(t, 1, snap.publishCalls)
	require.Equal(t, 1, snap.processCalls)
	require.Equal(t, 1, snap.ackCalls)
	require.Equal(t, 0, snap.invalidCalls)
	require.NotEmpty(t, cb.lastPEM)
}

// TestPollerResumeInvalidOrder verifies Resume fails immediately through
// InvalidOrder when the order is already invalid server-side, without
// re-fetching authorizations or touching any of the happy-path states.
func TestPollerResumeInvalidOrder(t *testing.T) {
	challenges := []map[string]any{
		{"type": "http-01", "token": "tok1", "url": "", "status": "invalid"},
	}
	ts := newACMETestServer(t, challenges)
	defer ts.srv.Close()
	challenges[0]["url"] = ts.srv.URL + "/chall/1"
	atomic.StoreInt32(&ts.orderInvalid, 1)

	sess := newTestSessionForPoller(t, ts.srv.URL+"/directory")
	cb := &testCallbacks{}

	p, err := Resume(context.Background(), sess, ts.srv.URL+"/order/1", "example.com", cb, fastPolicy())
	require.NoError(t, err)
	p.Wait()

	require.Equal(t, StateFailed, p.State())
	require.Error(t, p.LastError())

	snap := cb.snapshot()
	require.Equal(t, 1, snap.invalidCalls)
	require.Equal(t, 0, snap.publishCalls)
	require.Equal(t, 0, snap.processCalls)
}
