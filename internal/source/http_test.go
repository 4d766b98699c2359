package source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPSource_Connect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Icy-MetaData") != "0" {
			t.Errorf("expected Icy-MetaData: 0 header")
		}
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("expected custom header")
		}

		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("audio data"))
	}))
	defer server.Close()

	src := NewHTTP(HTTPConfig{
		URL:            server.URL,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
		Headers:        map[string]string{"X-Test": "yes"},
	})
	require.Equal(t, server.URL, src.URI())

	reader, err := src.Connect(context.Background())
	require.NoError(t, err)
	defer reader.Close()

	body, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, "audio data", string(body))
}

func TestHTTPSource_ConnectBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	src := NewHTTP(HTTPConfig{URL: server.URL, ConnectTimeout: time.Second})

	_, err := src.Connect(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnexpectedStatus))
}

func TestHTTPSource_IdleTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	src := NewHTTP(HTTPConfig{
		URL:            server.URL,
		ConnectTimeout: time.Second,
		ReadTimeout:    100 * time.Millisecond,
	})

	reader, err := src.Connect(context.Background())
	require.NoError(t, err)
	defer reader.Close()

	buf := make([]byte, 16)
	_, err = reader.Read(buf)
	require.Error(t, err)
}
