package main

import (
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lexiqai/uplift-voice-bot/internal/config"
)

func serveAsync(server *http.Server, stop <-chan os.Signal) <-chan error {
	srv := testServer(&config.Config{})
	server.Handler = srv.routes()
	done := make(chan error, 1)
	go func() { done <- serve(server, srv, func() {}, stop) }()
	return done
}

func TestServe_ListenerFailureIsReturned(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	done := serveAsync(&http.Server{Addr: busy.Addr().String()}, make(chan os.Signal))

	select {
	case err := <-done:
		require.Error(t, err)
		require.Contains(t, err.Error(), "server failed to start")
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the listener failed")
	}
}

func TestServe_StopSignalShutsDownCleanly(t *testing.T) {
	stop := make(chan os.Signal, 1)
	server := &http.Server{Addr: "127.0.0.1:0"}
	done := serveAsync(server, stop)

	stop <- syscall.SIGTERM

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the stop signal")
	}

	// a shut down server refuses to start again
	require.ErrorIs(t, server.ListenAndServe(), http.ErrServerClosed)
}
