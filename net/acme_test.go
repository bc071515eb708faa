package net

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetURLSetsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, err := New(Config{})
	require.NoError(t, err)

	resp, err := c.GetURL(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp.RespBody))
	require.Contains(t, gotUA, userAgentBase)
}

func TestPostURLSetsContentType(t *testing.T) {
	var gotCT string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{})
	require.NoError(t, err)

	_, err = c.PostURL(context.Background(), srv.URL, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, "application/jose+json", gotCT)
	require.Equal(t, "payload", string(gotBody))
}

func TestNewWithMissingCABundleErrors(t *testing.T) {
	_, err := New(Config{CABundlePath: filepath.Join(t.TempDir(), "missing.pem")})
	require.Error(t, err)
}

func TestNewWithClientWrapsGivenClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hi"))
	}))
	defer srv.Close()

	c := NewWithClient(http.DefaultClient)
	resp, err := c.GetURL(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "hi", string(resp.RespBody))
}
