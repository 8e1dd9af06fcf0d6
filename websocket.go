// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/paullouisageneau/libdatachannel-sub000/internal/queue"
)

const webSocketRecvQueueLimit = 16 * 1024 * 1024 // bytes

// WebSocket is a message channel over a WebSocket connection with the same
// callback surface as DataChannel, typically used for signaling. TLS
// configuration belongs to the dialer.
type WebSocket struct {
	mu sync.RWMutex

	conn   *websocket.Conn
	opened bool
	closed bool

	recvQueue      *queue.Queue[*Message]
	bufferedAmount atomic.Int64

	onOpen      func()
	onClosed    func()
	onError     func(error)
	onMessage   func(*Message)
	onAvailable func()

	log logging.LeveledLogger
}

// NewWebSocket dials the given ws:// or wss:// URL.
func NewWebSocket(url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return newWebSocketFromConn(conn), nil
}

// NewWebSocketFromConn wraps an already accepted server-side connection.
func NewWebSocketFromConn(conn *websocket.Conn) *WebSocket {
	return newWebSocketFromConn(conn)
}

func newWebSocketFromConn(conn *websocket.Conn) *WebSocket {
	ws := &WebSocket{
		conn:   conn,
		opened: true,
		recvQueue: queue.NewWithAmount[*Message](webSocketRecvQueueLimit,
			func(m *Message) int { return m.Size() }),
		log: defaultLoggerFactory().NewLogger("websocket"),
	}
	go ws.readLoop()
	return ws
}

// IsOpen reports whether messages can be sent.
func (w *WebSocket) IsOpen() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.opened && !w.closed
}

// IsClosed reports whether the connection terminated.
func (w *WebSocket) IsClosed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

// OnOpen fires immediately for an established connection.
func (w *WebSocket) OnOpen(f func()) {
	w.mu.Lock()
	w.onOpen = f
	opened := w.opened && !w.closed
	w.mu.Unlock()
	if f != nil && opened {
		f()
	}
}

// OnClosed sets the handler fired when the connection terminates.
func (w *WebSocket) OnClosed(f func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClosed = f
}

// OnError sets the handler fired on read or write failures.
func (w *WebSocket) OnError(f func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = f
}

// OnMessage sets the handler fired per received message, flushing buffered
// ones first.
func (w *WebSocket) OnMessage(f func(*Message)) {
	w.mu.Lock()
	w.onMessage = f
	w.mu.Unlock()

	if f == nil {
		return
	}
	for {
		msg, ok := w.recvQueue.TryPop()
		if !ok {
			return
		}
		f(msg)
	}
}

// OnAvailable sets the handler fired when a message is queued for Receive.
func (w *WebSocket) OnAvailable(f func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onAvailable = f
}

// Receive pops one buffered message, or nil when none is pending.
func (w *WebSocket) Receive() *Message {
	msg, ok := w.recvQueue.TryPop()
	if !ok {
		return nil
	}
	return msg
}

// BufferedAmount is a best-effort count of bytes accepted by Send and not
// yet flushed to the socket.
func (w *WebSocket) BufferedAmount() uint64 {
	amount := w.bufferedAmount.Load()
	if amount < 0 {
		return 0
	}
	return uint64(amount)
}

// Send writes one binary message.
func (w *WebSocket) Send(data []byte) error {
	return w.write(websocket.BinaryMessage, data)
}

// SendText writes one text message.
func (w *WebSocket) SendText(text string) error {
	return w.write(websocket.TextMessage, []byte(text))
}

func (w *WebSocket) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return &ClosedError{Err: ErrWebSocketClosed}
	}
	w.bufferedAmount.Add(int64(len(data)))
	err := w.conn.WriteMessage(messageType, data)
	w.bufferedAmount.Add(-int64(len(data)))
	if err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

func (w *WebSocket) readLoop() {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.handleClosed(err)
			return
		}

		msg := &Message{Data: data, Kind: MessageKindBinary}
		if messageType == websocket.TextMessage {
			msg.Kind = MessageKindString
		}
		w.deliver(msg)
	}
}

func (w *WebSocket) deliver(msg *Message) {
	w.mu.RLock()
	onMessage := w.onMessage
	onAvailable := w.onAvailable
	w.mu.RUnlock()

	if onMessage != nil {
		onMessage(msg)
		return
	}
	w.recvQueue.Push(msg)
	if onAvailable != nil {
		onAvailable()
	}
}

func (w *WebSocket) handleClosed(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	onClosed := w.onClosed
	onError := w.onError
	w.mu.Unlock()

	w.recvQueue.Stop()
	if onError != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		onError(err)
	}
	if onClosed != nil {
		onClosed()
	}
}

// Close performs a best-effort close handshake and drops the connection.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	onClosed := w.onClosed
	conn := w.conn
	w.mu.Unlock()

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := conn.Close()

	w.recvQueue.Stop()
	if onClosed != nil {
		onClosed()
	}
	if err != nil {
		return &TransportError{Err: err}
	}
	return nil
}
