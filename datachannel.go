// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync"
	"unicode/utf8"

	"github.com/pion/logging"

	"github.com/paullouisageneau/libdatachannel-sub000/internal/queue"
)

const dataChannelRecvQueueLimit = 16 * 1024 * 1024 // bytes

// DataChannelInit configures a data channel created by the application.
type DataChannelInit struct {
	// Protocol is the application sub-protocol carried in DCEP OPEN.
	Protocol string

	// Unordered allows out-of-order delivery.
	Unordered bool

	// MaxPacketLifeTime and MaxRetransmits select a partial reliability
	// policy; at most one may be set.
	MaxPacketLifeTime *uint32
	MaxRetransmits    *uint32

	// Negotiated skips DCEP, both sides create the channel with the same ID.
	Negotiated bool

	// ID pins the SCTP stream; nil lets the connection allocate one.
	ID *uint16
}

// DataChannel is a bidirectional message channel over one SCTP stream. The
// connection keeps it in its stream map until the channel is closed or the
// connection closes; dropping the user's last reference does not release it.
type DataChannel struct {
	mu sync.RWMutex

	stream      uint16
	label       string
	protocol    string
	reliability *Reliability
	negotiated  bool

	state ChannelState
	// creator channels wait for DCEP ACK, responder channels are open after
	// sending the ACK.
	creator  bool
	openSent bool
	// pinnedID marks a user-supplied stream id, exempt from the parity
	// shift.
	pinnedID bool

	recvQueue *queue.Queue[*Message]

	bufferedAmountLowThreshold uint64

	onOpen              func()
	onClosed            func()
	onError             func(error)
	onMessage           func(*Message)
	onAvailable         func()
	onBufferedAmountLow func()

	pc  *PeerConnection
	log logging.LeveledLogger
}

func newDataChannel(pc *PeerConnection, stream uint16, label, protocol string,
	reliability *Reliability, negotiated, creator bool, loggerFactory logging.LoggerFactory,
) *DataChannel {
	return &DataChannel{
		stream:      stream,
		label:       label,
		protocol:    protocol,
		reliability: reliability.clone(),
		negotiated:  negotiated,
		state:       ChannelStateOpening,
		creator:     creator,
		recvQueue: queue.NewWithAmount[*Message](dataChannelRecvQueueLimit,
			func(m *Message) int { return m.Size() }),
		pc:  pc,
		log: loggerFactory.NewLogger("datachannel"),
	}
}

// Stream is the SCTP stream id. It may shift from odd to even before the
// channel opens if the role resolves to active during negotiation.
func (d *DataChannel) Stream() uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stream
}

// Label is the channel label.
func (d *DataChannel) Label() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.label
}

// Protocol is the application sub-protocol.
func (d *DataChannel) Protocol() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.protocol
}

// Reliability is the channel delivery policy.
func (d *DataChannel) Reliability() *Reliability {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reliability.clone()
}

// IsOpen reports whether the channel is open for sending.
func (d *DataChannel) IsOpen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state == ChannelStateOpen
}

// IsClosed reports whether the channel is terminally closed.
func (d *DataChannel) IsClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state == ChannelStateClosed
}

// State is the channel lifecycle state.
func (d *DataChannel) State() ChannelState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// MaxMessageSize is the negotiated maximum message size.
func (d *DataChannel) MaxMessageSize() int {
	if pc := d.peer(); pc != nil {
		return pc.maxMessageSize()
	}
	return defaultMaxMessageSize
}

// OnOpen sets the handler fired when the channel becomes open.
func (d *DataChannel) OnOpen(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = f
}

// OnClosed sets the handler fired when the channel terminates.
func (d *DataChannel) OnClosed(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClosed = f
}

// OnError sets the handler fired on an asynchronous channel failure.
func (d *DataChannel) OnError(f func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = f
}

// OnMessage sets the handler fired for each received message. Messages
// buffered before the handler was installed are flushed to it in order.
func (d *DataChannel) OnMessage(f func(*Message)) {
	d.mu.Lock()
	d.onMessage = f
	d.mu.Unlock()

	if f == nil {
		return
	}
	for {
		msg, ok := d.recvQueue.TryPop()
		if !ok {
			return
		}
		f(msg)
	}
}

// OnAvailable sets the handler fired when a message is queued for Receive.
func (d *DataChannel) OnAvailable(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAvailable = f
}

// OnBufferedAmountLow sets the handler fired when the buffered amount drops
// below the threshold.
func (d *DataChannel) OnBufferedAmountLow(f func()) {
	d.mu.Lock()
	d.onBufferedAmountLow = f
	stream := d.stream
	threshold := d.bufferedAmountLowThreshold
	d.mu.Unlock()

	if pc := d.peer(); pc != nil {
		pc.setBufferedAmountLowThreshold(stream, threshold, d.fireBufferedAmountLow)
	}
}

// Receive pops one buffered message, or nil when none is pending.
func (d *DataChannel) Receive() *Message {
	msg, ok := d.recvQueue.TryPop()
	if !ok {
		return nil
	}
	return msg
}

// Available is the number of buffered messages.
func (d *DataChannel) Available() int {
	return d.recvQueue.Len()
}

// BufferedAmount is the number of bytes queued on the SCTP stream.
func (d *DataChannel) BufferedAmount() uint64 {
	if pc := d.peer(); pc != nil {
		return pc.bufferedAmount(d.Stream())
	}
	return 0
}

// SetBufferedAmountLowThreshold sets the low-water mark; crossing from at or
// above to below it fires OnBufferedAmountLow exactly once per crossing.
func (d *DataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	d.mu.Lock()
	d.bufferedAmountLowThreshold = threshold
	f := d.onBufferedAmountLow
	stream := d.stream
	d.mu.Unlock()

	if pc := d.peer(); pc != nil && f != nil {
		pc.setBufferedAmountLowThreshold(stream, threshold, d.fireBufferedAmountLow)
	}
}

func (d *DataChannel) fireBufferedAmountLow() {
	d.mu.RLock()
	f := d.onBufferedAmountLow
	d.mu.RUnlock()
	if f != nil {
		f()
	}
}

// Send queues a binary message.
func (d *DataChannel) Send(data []byte) error {
	return d.send(NewBinaryMessage(d.Stream(), data))
}

// SendText queues a UTF-8 text message.
func (d *DataChannel) SendText(text string) error {
	if !utf8.ValidString(text) {
		return &InvalidError{Err: ErrNotUTF8}
	}
	return d.send(NewStringMessage(d.Stream(), []byte(text)))
}

func (d *DataChannel) send(msg *Message) error {
	d.mu.RLock()
	state := d.state
	reliability := d.reliability
	d.mu.RUnlock()

	if state != ChannelStateOpen {
		return &ClosedError{Err: ErrDataChannelClosed}
	}

	pc := d.peer()
	if pc == nil {
		return &ClosedError{Err: ErrConnectionClosed}
	}
	if len(msg.Data) > pc.maxMessageSize() {
		return &TooLargeError{Err: ErrMessageTooLarge}
	}
	msg.Reliability = reliability
	return pc.sendDataMessage(msg)
}

// Close resets the outgoing stream and terminates the channel.
func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.state == ChannelStateClosing || d.state == ChannelStateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = ChannelStateClosing
	stream := d.stream
	d.mu.Unlock()

	if pc := d.peer(); pc != nil {
		_ = pc.closeDataStream(stream)
	}

	d.markClosed()
	return nil
}

func (d *DataChannel) peer() *PeerConnection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pc
}

// detach breaks the back-reference during connection teardown.
func (d *DataChannel) detach() {
	d.mu.Lock()
	d.pc = nil
	d.mu.Unlock()
	d.recvQueue.Stop()
}

func (d *DataChannel) userPinnedID() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pinnedID
}

// setStream reassigns the stream id; only legal before Open was observed.
func (d *DataChannel) setStream(stream uint16) {
	d.mu.Lock()
	d.stream = stream
	d.mu.Unlock()
}

// openOutgoing sends DCEP OPEN for creator channels, or immediately opens
// negotiated ones once SCTP is up.
func (d *DataChannel) openOutgoing() error {
	d.mu.Lock()
	if d.state != ChannelStateOpening {
		d.mu.Unlock()
		return nil
	}
	pc := d.pc
	stream := d.stream
	negotiated := d.negotiated
	if negotiated {
		d.mu.Unlock()
		d.markOpen()
		return nil
	}
	open := &dcepOpen{
		reliability: d.reliability,
		label:       d.label,
		protocol:    d.protocol,
	}
	d.openSent = true
	d.mu.Unlock()

	if pc == nil {
		return &ClosedError{Err: ErrConnectionClosed}
	}
	return pc.sendDataMessage(NewControlMessage(stream, open.marshal()))
}

// handleMessage processes one inbound message for this channel's stream.
func (d *DataChannel) handleMessage(msg *Message) {
	switch msg.Kind {
	case MessageKindControl:
		d.handleControl(msg)
	default:
		d.deliver(msg)
	}
}

func (d *DataChannel) handleControl(msg *Message) {
	if len(msg.Data) == 0 {
		return
	}
	switch msg.Data[0] {
	case dcepMessageOpen:
		open, err := parseDCEPOpen(msg.Data)
		if err != nil {
			d.log.Warnf("bad DCEP OPEN on stream %d: %v", msg.Stream, err)
			d.fireError(err)
			return
		}
		d.mu.Lock()
		d.label = open.label
		d.protocol = open.protocol
		d.reliability = open.reliability
		pc := d.pc
		stream := d.stream
		d.mu.Unlock()

		if pc != nil {
			if err := pc.sendDataMessage(NewControlMessage(stream, marshalDCEPAck())); err != nil {
				d.fireError(err)
				return
			}
		}
		d.markOpen()
	case dcepMessageAck:
		d.mu.RLock()
		creator := d.creator && d.openSent
		d.mu.RUnlock()
		if creator {
			d.markOpen()
		}
	case dcepMessageClose:
		d.markClosed()
	}
}

func (d *DataChannel) deliver(msg *Message) {
	d.mu.RLock()
	onMessage := d.onMessage
	onAvailable := d.onAvailable
	d.mu.RUnlock()

	if onMessage != nil {
		onMessage(msg)
		return
	}
	d.recvQueue.Push(msg)
	if onAvailable != nil {
		onAvailable()
	}
}

func (d *DataChannel) markOpen() {
	d.mu.Lock()
	if d.state != ChannelStateOpening {
		d.mu.Unlock()
		return
	}
	d.state = ChannelStateOpen
	f := d.onOpen
	d.mu.Unlock()

	if f != nil {
		f()
	}
}

func (d *DataChannel) markClosed() {
	d.mu.Lock()
	if d.state == ChannelStateClosed {
		d.mu.Unlock()
		return
	}
	d.state = ChannelStateClosed
	f := d.onClosed
	d.mu.Unlock()

	d.recvQueue.Stop()
	if f != nil {
		f()
	}
}

func (d *DataChannel) fireError(err error) {
	d.mu.RLock()
	f := d.onError
	d.mu.RUnlock()
	if f != nil {
		f(err)
	}
}

// resetCallbacks drops all user handlers. Connection close does not call it.
func (d *DataChannel) resetCallbacks() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = nil
	d.onClosed = nil
	d.onError = nil
	d.onMessage = nil
	d.onAvailable = nil
	d.onBufferedAmountLow = nil
}
