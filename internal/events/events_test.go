package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/fleet/internal/logger"
)

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	sink.Publish(TerminalChannel(3), New(TerminalOutput, map[string]string{"output": "hi"}))
	sink.Publish(ChannelHosts, New(HostUpdated, nil))

	all := sink.Events()
	require.Len(t, all, 2)
	assert.Equal(t, "terminal.3", all[0].Channel)
	assert.Equal(t, TerminalOutput, all[0].Name)

	assert.Len(t, sink.On(ChannelHosts), 1)
	assert.Empty(t, sink.On("nope"))
}

func TestMultiAndLogSink(t *testing.T) {
	mem := NewMemorySink()
	log := logger.NewBufferLogger()
	sink := Multi{mem, LogSink{Log: log}, Discard{}}

	sink.Publish(ChannelTest, New(TestBroadcast, map[string]string{"message": "ping"}))

	assert.Len(t, mem.Events(), 1)
	assert.True(t, log.Contains("test.broadcast"))
	assert.True(t, log.Contains(`"message":"ping"`))
}

func TestParseChannels(t *testing.T) {
	got := parseChannels([]string{"terminal.1, hosts", "", "transfers"})
	assert.Equal(t, map[string]bool{"terminal.1": true, "hosts": true, "transfers": true}, got)
	assert.Empty(t, parseChannels(nil))
}

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_DeliversToSubscribedChannels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	terminal := dialHub(t, srv, "?channel=terminal.1")
	everything := dialHub(t, srv, "")
	waitForClients(t, hub, 2)

	hub.Publish(ChannelHosts, New(HostUpdated, map[string]interface{}{"id": 1}))
	hub.Publish(TerminalChannel(1), New(TerminalOutput, map[string]string{"output": "ok"}))

	_ = terminal.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := terminal.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, TerminalOutput, got.Name)
	assert.Equal(t, "terminal.1", got.Channel)

	_ = everything.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, first, err := everything.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(first), HostUpdated)
	_, second, err := everything.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(second), TerminalOutput)
}

func TestHub_PublishWithoutRunDoesNotBlock(t *testing.T) {
	hub := NewHub(logger.NewBufferLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer+10; i++ {
			hub.Publish(ChannelTest, New(TestBroadcast, i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestHub_ShutdownDisconnectsClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitForClients(t, hub, 1)

	cancel()
	waitForClients(t, hub, 0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
