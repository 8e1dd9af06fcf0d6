// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err = conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketEcho(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()

	ws, err := NewWebSocket(wsURL(server))
	require.NoError(t, err)
	assert.True(t, ws.IsOpen())

	received := make(chan *Message, 2)
	ws.OnMessage(func(msg *Message) {
		received <- msg
	})

	assert.NoError(t, ws.SendText("hello"))
	assert.NoError(t, ws.Send([]byte{1, 2, 3}))

	for _, want := range []struct {
		kind MessageKind
		data string
	}{
		{MessageKindString, "hello"},
		{MessageKindBinary, "\x01\x02\x03"},
	} {
		select {
		case msg := <-received:
			assert.Equal(t, want.kind, msg.Kind)
			assert.Equal(t, want.data, string(msg.Data))
		case <-time.After(5 * time.Second):
			t.Fatal("echo did not arrive")
		}
	}

	assert.NoError(t, ws.Close())
	assert.True(t, ws.IsClosed())
	assert.Error(t, ws.Send([]byte{4}))
}

func TestWebSocketBuffersWithoutHandler(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()

	ws, err := NewWebSocket(wsURL(server))
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	available := make(chan struct{}, 1)
	ws.OnAvailable(func() {
		select {
		case available <- struct{}{}:
		default:
		}
	})

	assert.NoError(t, ws.SendText("buffered"))

	select {
	case <-available:
	case <-time.After(5 * time.Second):
		t.Fatal("no availability signal")
	}

	msg := ws.Receive()
	require.NotNil(t, msg)
	assert.Equal(t, "buffered", string(msg.Data))
	assert.Nil(t, ws.Receive())
}

func TestWebSocketClosedCallback(t *testing.T) {
	// The upgraded connection is hijacked from the HTTP server, which then
	// no longer tracks it, so the handler closes it itself.
	closeServerSide := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-closeServerSide
		_ = conn.Close()
	}))
	defer server.Close()

	ws, err := NewWebSocket(wsURL(server))
	require.NoError(t, err)

	closed := make(chan struct{})
	ws.OnClosed(onceClosed(closed))

	close(closeServerSide)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close was not observed")
	}
	assert.True(t, ws.IsClosed())
}
