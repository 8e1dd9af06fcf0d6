// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync"

	"github.com/pion/logging"

	"github.com/paullouisageneau/libdatachannel-sub000/internal/queue"
)

const trackRecvQueueLimit = 16 * 1024 * 1024 // bytes

// Track wraps one media m-line. Outgoing media runs through the outgoing
// handler chain before SRTP protection; incoming media runs through the
// incoming chain before delivery. The connection keeps the track in its
// mid map until the connection closes; closing the track does not remove it.
type Track struct {
	mu sync.RWMutex

	entry *Entry
	state ChannelState

	recvQueue *queue.Queue[*Message]

	outgoing handlerChain
	incoming handlerChain

	onOpen      func()
	onClosed    func()
	onError     func(error)
	onMessage   func(*Message)
	onAvailable func()

	pc  *PeerConnection
	log logging.LeveledLogger
}

func newTrack(pc *PeerConnection, entry *Entry, loggerFactory logging.LoggerFactory) *Track {
	return &Track{
		entry: entry,
		state: ChannelStateOpening,
		recvQueue: queue.NewWithAmount[*Message](trackRecvQueueLimit,
			func(m *Message) int { return m.Size() }),
		pc:  pc,
		log: loggerFactory.NewLogger("track"),
	}
}

// Mid is the media identifier of the wrapped m-line.
func (t *Track) Mid() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entry.Mid()
}

// Description returns the media entry the track was created from.
func (t *Track) Description() *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entry
}

// SetDescription replaces the media description, e.g. after renegotiation.
func (t *Track) SetDescription(entry *Entry) {
	t.mu.Lock()
	t.entry = entry
	t.mu.Unlock()

	t.outgoing.onMedia(entry)
	t.incoming.onMedia(entry)
}

// Direction is the negotiated media direction.
func (t *Track) Direction() Direction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entry.Direction()
}

// IsOpen reports whether media can flow.
func (t *Track) IsOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state == ChannelStateOpen
}

// IsClosed reports whether the track is terminally closed.
func (t *Track) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state == ChannelStateClosed
}

// OnOpen sets the handler fired when the DTLS-SRTP transport is up.
func (t *Track) OnOpen(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = f
}

// OnClosed sets the handler fired on track teardown.
func (t *Track) OnClosed(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = f
}

// OnError sets the handler fired on asynchronous failures.
func (t *Track) OnError(f func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = f
}

// OnMessage sets the handler fired for each incoming media message after the
// incoming chain ran.
func (t *Track) OnMessage(f func(*Message)) {
	t.mu.Lock()
	t.onMessage = f
	t.mu.Unlock()

	if f == nil {
		return
	}
	for {
		msg, ok := t.recvQueue.TryPop()
		if !ok {
			return
		}
		f(msg)
	}
}

// OnAvailable sets the handler fired when a message is queued for Receive.
func (t *Track) OnAvailable(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAvailable = f
}

// Receive pops one buffered incoming message, or nil when none is pending.
func (t *Track) Receive() *Message {
	msg, ok := t.recvQueue.TryPop()
	if !ok {
		return nil
	}
	return msg
}

// SetOutgoingMediaHandler roots the outgoing chain.
func (t *Track) SetOutgoingMediaHandler(handler MediaHandler) {
	t.outgoing.setChain(handler)
	if handler != nil {
		handler.OnMedia(t.Description())
	}
}

// AddOutgoingMediaHandler appends to the outgoing chain.
func (t *Track) AddOutgoingMediaHandler(handler MediaHandler) {
	t.outgoing.addToChain(handler)
	handler.OnMedia(t.Description())
}

// SetIncomingMediaHandler roots the incoming chain.
func (t *Track) SetIncomingMediaHandler(handler MediaHandler) {
	t.incoming.setChain(handler)
	if handler != nil {
		handler.OnMedia(t.Description())
	}
}

// AddIncomingMediaHandler appends to the incoming chain.
func (t *Track) AddIncomingMediaHandler(handler MediaHandler) {
	t.incoming.addToChain(handler)
	handler.OnMedia(t.Description())
}

// Send pushes one outgoing media payload through the outgoing chain and onto
// the wire. With a packetizer in the chain the payload is an encoded frame,
// otherwise a ready RTP packet.
func (t *Track) Send(data []byte) error {
	return t.SendMessage(&Message{Data: data, Kind: MessageKindBinary})
}

// SendMessage is Send with caller-controlled metadata, e.g. FrameInfo.
func (t *Track) SendMessage(msg *Message) error {
	t.mu.RLock()
	state := t.state
	pc := t.pc
	t.mu.RUnlock()

	if state != ChannelStateOpen {
		return &ClosedError{Err: ErrTrackClosed}
	}
	if pc == nil {
		return &ClosedError{Err: ErrConnectionClosed}
	}

	msgs := t.outgoing.outgoing([]*Message{msg}, pc.sendMedia)
	for _, out := range msgs {
		if err := pc.sendMedia(out); err != nil {
			return err
		}
	}
	return nil
}

// RequestKeyframe asks the chain to solicit a keyframe from the sender.
func (t *Track) RequestKeyframe() bool {
	pc := t.peer()
	if pc == nil {
		return false
	}
	return t.incoming.requestKeyframe(pc.sendMedia) ||
		t.outgoing.requestKeyframe(pc.sendMedia)
}

// RequestBitrate asks the chain to signal a receive bitrate to the sender.
func (t *Track) RequestBitrate(bitsPerSecond uint) bool {
	pc := t.peer()
	if pc == nil {
		return false
	}
	return t.incoming.requestBitrate(bitsPerSecond, pc.sendMedia) ||
		t.outgoing.requestBitrate(bitsPerSecond, pc.sendMedia)
}

// Close terminates the track locally.
func (t *Track) Close() error {
	t.markClosed()
	return nil
}

func (t *Track) peer() *PeerConnection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pc
}

// handleIncoming runs one received message through the incoming chain and
// delivers the result.
func (t *Track) handleIncoming(msg *Message) {
	pc := t.peer()
	if pc == nil {
		return
	}

	msgs := t.incoming.incoming([]*Message{msg}, pc.sendMedia)
	for _, in := range msgs {
		t.deliver(in)
	}
}

func (t *Track) deliver(msg *Message) {
	t.mu.RLock()
	onMessage := t.onMessage
	onAvailable := t.onAvailable
	t.mu.RUnlock()

	if onMessage != nil {
		onMessage(msg)
		return
	}
	t.recvQueue.Push(msg)
	if onAvailable != nil {
		onAvailable()
	}
}

func (t *Track) markOpen() {
	t.mu.Lock()
	if t.state != ChannelStateOpening {
		t.mu.Unlock()
		return
	}
	t.state = ChannelStateOpen
	f := t.onOpen
	t.mu.Unlock()

	if f != nil {
		f()
	}
}

func (t *Track) markClosed() {
	t.mu.Lock()
	if t.state == ChannelStateClosed {
		t.mu.Unlock()
		return
	}
	t.state = ChannelStateClosed
	f := t.onClosed
	t.mu.Unlock()

	t.recvQueue.Stop()
	if f != nil {
		f()
	}
}

func (t *Track) detach() {
	t.mu.Lock()
	t.pc = nil
	t.mu.Unlock()
	t.recvQueue.Stop()
}

func (t *Track) resetCallbacks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = nil
	t.onClosed = nil
	t.onError = nil
	t.onMessage = nil
	t.onAvailable = nil
}
