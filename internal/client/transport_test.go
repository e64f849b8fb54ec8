package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// keepaliveServer accepts websockets and counts them. A silent server never
// reads, so the client's pings go unanswered.
func keepaliveServer(t *testing.T, silent bool) (string, *atomic.Int32) {
	t.Helper()
	var accepted atomic.Int32
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		accepted.Add(1)
		if silent {
			<-release
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &accepted
}

func TestWSDialer_UnansweredPingsTriggerReconnect(t *testing.T) {
	url, accepted := keepaliveServer(t, true)
	cfg := testClientConfig()
	cfg.URL = url
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongWait = 80 * time.Millisecond

	core, logs := observer.New(zap.InfoLevel)
	c := New(cfg, nil, zap.New(core))
	c.Start(context.Background())
	t.Cleanup(c.Close)

	require.Eventually(t, func() bool { return accepted.Load() >= 2 }, waitFor, 10*time.Millisecond)
	assert.GreaterOrEqual(t, logs.FilterMessage("connection lost").Len(), 1)
	assert.GreaterOrEqual(t, logs.FilterMessage("reconnecting").Len(), 1)
}

func TestWSDialer_AnsweredPingsKeepConnection(t *testing.T) {
	url, accepted := keepaliveServer(t, false)
	cfg := testClientConfig()
	cfg.URL = url
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongWait = 80 * time.Millisecond

	core, logs := observer.New(zap.InfoLevel)
	c := New(cfg, nil, zap.New(core))
	c.Start(context.Background())
	t.Cleanup(c.Close)

	require.Eventually(t, connected(c), waitFor, 5*time.Millisecond)
	assert.Never(t, func() bool { return accepted.Load() > 1 }, 5*cfg.PongWait, 10*time.Millisecond)
	assert.True(t, c.Status().Connected)
	assert.Zero(t, logs.FilterMessage("connection lost").Len())
}
