package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/uplift-voice-bot/internal/bot"
	"github.com/lexiqai/uplift-voice-bot/internal/config"
	"github.com/lexiqai/uplift-voice-bot/internal/telephony"
)

func testServer(cfg *config.Config) *server {
	return newServer(bot.NewDeps(cfg))
}

func TestRoutes_Health(t *testing.T) {
	s := testServer(&config.Config{CircuitBreakerMaxFailures: 5, CircuitBreakerResetTimeout: 30})
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoutes_Metrics(t *testing.T) {
	s := testServer(&config.Config{MetricsEnabled: true})
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoutes_TwiML(t *testing.T) {
	s := testServer(&config.Config{PublicURL: "https://abc.ngrok-free.dev"})
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/twiml", "application/x-www-form-urlencoded", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
}

func TestRoutes_CORS(t *testing.T) {
	s := testServer(&config.Config{CorsAllowedOrigins: "https://console.example.com, https://ops.example.com"})
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "https://ops.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRoutes_StreamRunsCall(t *testing.T) {
	s := testServer(&config.Config{})
	called := make(chan struct{})
	s.run = func(ctx context.Context, conn telephony.Conn, deps bot.Deps) error {
		close(called)
		_, _, err := conn.ReadMessage()
		return err
	}

	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+telephony.StreamPath, nil)
	require.NoError(t, err)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("call was not started")
	}
	require.NoError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.wait(ctx))
}

func TestRoutes_ActiveCallBlocksWait(t *testing.T) {
	s := testServer(&config.Config{})
	release := make(chan struct{})
	running := make(chan struct{})
	s.run = func(ctx context.Context, conn telephony.Conn, deps bot.Deps) error {
		close(running)
		<-release
		return nil
	}

	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+telephony.StreamPath, nil)
	require.NoError(t, err)
	defer client.Close()
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.wait(ctx), context.DeadlineExceeded)

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, s.wait(ctx2))
}

func TestRoutes_FailedUpgradeIsNotCounted(t *testing.T) {
	s := testServer(&config.Config{})
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + telephony.StreamPath)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.wait(ctx))
}

func TestAllowedOrigins(t *testing.T) {
	require.Empty(t, allowedOrigins(""))
	require.Equal(t, []string{"a", "b"}, allowedOrigins(" a, ,b "))
}
