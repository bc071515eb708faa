package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmeflow/acme"
)

func newTestDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			acme.NewNonceEndpoint:   srv.URL + "/new-nonce",
			acme.NewAccountEndpoint: srv.URL + "/new-account",
			acme.NewOrderEndpoint:   srv.URL + "/new-order",
		})
	})
	mux.HandleFunc("/new-nonce", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(acme.ReplayNonceHeader, "initial-nonce")
		w.WriteHeader(http.StatusOK)
	})

	srv = httptest.NewServer(mux)
	return srv
}

func TestNewPrimesDirectoryAndNonce(t *testing.T) {
	srv := newTestDirectoryServer(t)
	defer srv.Close()

	sess, err := New(context.Background(), Config{DirectoryURL: srv.URL + "/directory"})
	require.NoError(t, err)

	url, ok := sess.EndpointURL(context.Background(), acme.NewOrderEndpoint)
	require.True(t, ok)
	require.Equal(t, srv.URL+"/new-order", url)

	require.Equal(t, "initial-nonce", sess.Nonce.Get())
}

func TestNewRejectsEmptyDirectoryURL(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestEndpointURLMissingEntryReturnsFalse(t *testing.T) {
	srv := newTestDirectoryServer(t)
	defer srv.Close()

	sess, err := New(context.Background(), Config{DirectoryURL: srv.URL + "/directory"})
	require.NoError(t, err)

	_, ok := sess.EndpointURL(context.Background(), acme.KeyChangeEndpoint)
	require.False(t, ok)
}

func TestRefreshNonceUpdatesSlot(t *testing.T) {
	srv := newTestDirectoryServer(t)
	defer srv.Close()

	sess, err := New(context.Background(), Config{DirectoryURL: srv.URL + "/directory"})
	require.NoError(t, err)
	require.Equal(t, "initial-nonce", sess.Nonce.Get())

	sess.Nonce.Set("stale-nonce")
	require.NoError(t, sess.RefreshNonce(context.Background()))
	require.Equal(t, "initial-nonce", sess.Nonce.Get())
}

func TestThumbprintRequiresAccountKey(t *testing.T) {
	srv := newTestDirectoryServer(t)
	defer srv.Close()

	sess, err := New(context.Background(), Config{DirectoryURL: srv.URL + "/directory"})
	require.NoError(t, err)

	_, err = sess.Thumbprint()
	require.Error(t, err)
}
