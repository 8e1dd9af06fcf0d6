// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/sctp"
)

// sctpTransport runs the SCTP association over the DTLS record layer and
// maps messages onto streams, reliability policies and PPIDs.
type sctpTransport struct {
	transport

	lock          sync.Mutex
	dtlsTransport *dtlsTransport
	association   *sctp.Association
	streams       map[uint16]*sctp.Stream

	maxMessageSize int

	// onMessage delivers inbound messages upward, including the Control
	// close synthesized on an incoming stream reset.
	onMessage func(*Message)

	// onBufferedAmountLow fires per stream when the SCTP outbound buffer
	// drains below the stream threshold.
	onBufferedAmountLow map[uint16]func()

	bytesSent     uint64
	bytesReceived uint64

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
}

func newSCTPTransport(dtlsTransport *dtlsTransport, maxMessageSize int,
	onStateChange func(TransportState), onMessage func(*Message),
	loggerFactory logging.LoggerFactory,
) *sctpTransport {
	if maxMessageSize == 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &sctpTransport{
		transport:           newTransport(onStateChange),
		dtlsTransport:       dtlsTransport,
		streams:             map[uint16]*sctp.Stream{},
		maxMessageSize:      maxMessageSize,
		onMessage:           onMessage,
		onBufferedAmountLow: map[uint16]func(){},
		loggerFactory:       loggerFactory,
		log:                 loggerFactory.NewLogger("sctp"),
	}
}

// countingConn tallies payload bytes moving through the DTLS record layer.
type countingConn struct {
	net.Conn
	sent, received *uint64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	atomic.AddUint64(c.received, uint64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddUint64(c.sent, uint64(n))
	return n, err
}

// Start establishes the association. Both sides connect, SCTP handles the
// simultaneous open. Blocking; runs on a connect goroutine.
func (t *sctpTransport) Start() error {
	conn := t.dtlsTransport.Conn()
	if conn == nil {
		return &TransportError{Err: ErrTransportNotStarted}
	}

	t.setState(TransportStateConnecting)

	association, err := sctp.Client(sctp.Config{
		NetConn:       &countingConn{Conn: conn, sent: &t.bytesSent, received: &t.bytesReceived},
		LoggerFactory: t.loggerFactory,
	})
	if err != nil {
		t.setState(TransportStateFailed)
		return &TransportError{Err: err}
	}

	t.lock.Lock()
	t.association = association
	t.lock.Unlock()

	go t.acceptLoop(association)

	t.setState(TransportStateConnected)
	return nil
}

// acceptLoop surfaces remotely opened streams.
func (t *sctpTransport) acceptLoop(association *sctp.Association) {
	for {
		stream, err := association.AcceptStream()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Warnf("accept stream: %v", err)
			}
			return
		}

		t.lock.Lock()
		if _, exists := t.streams[stream.StreamIdentifier()]; exists {
			t.lock.Unlock()
			continue
		}
		t.streams[stream.StreamIdentifier()] = stream
		t.lock.Unlock()

		go t.readLoop(stream)
	}
}

func (t *sctpTransport) ensureStream(streamID uint16) (*sctp.Stream, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if stream, ok := t.streams[streamID]; ok {
		return stream, nil
	}
	if t.association == nil {
		return nil, &TransportError{Err: ErrTransportNotStarted}
	}

	stream, err := t.association.OpenStream(streamID, sctp.PayloadTypeWebRTCBinary)
	if err != nil {
		return nil, &ResourceError{Err: err}
	}
	t.streams[streamID] = stream
	go t.readLoop(stream)
	return stream, nil
}

func (t *sctpTransport) readLoop(stream *sctp.Stream) {
	streamID := stream.StreamIdentifier()
	buf := make([]byte, t.maxMessageSize)
	for {
		n, ppid, err := stream.ReadSCTP(buf)
		if err != nil {
			// An incoming reset surfaces as a uniform close signal so the
			// data channel layer sees DCEP CLOSE either way.
			t.removeStream(streamID)
			t.deliver(NewControlMessage(streamID, marshalDCEPClose()))
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		msg := &Message{Stream: streamID}
		switch ppid {
		case sctp.PayloadTypeWebRTCDCEP:
			msg.Kind = MessageKindControl
		case sctp.PayloadTypeWebRTCString:
			msg.Kind = MessageKindString
		case sctp.PayloadTypeWebRTCStringEmpty:
			msg.Kind = MessageKindString
			data = []byte{}
		case sctp.PayloadTypeWebRTCBinaryEmpty:
			msg.Kind = MessageKindBinary
			data = []byte{}
		default:
			msg.Kind = MessageKindBinary
		}
		msg.Data = data
		t.deliver(msg)
	}
}

func (t *sctpTransport) deliver(msg *Message) {
	if t.onMessage != nil {
		t.onMessage(msg)
	}
}

func (t *sctpTransport) removeStream(streamID uint16) {
	t.lock.Lock()
	delete(t.streams, streamID)
	delete(t.onBufferedAmountLow, streamID)
	t.lock.Unlock()
}

// Send maps the message onto its stream with the PPID table and reliability
// policy, padding empty payloads with a single zero byte.
func (t *sctpTransport) Send(msg *Message) error {
	if len(msg.Data) > t.maxMessageSize {
		return &TooLargeError{Err: ErrMessageTooLarge}
	}

	stream, err := t.ensureStream(msg.Stream)
	if err != nil {
		return err
	}

	var ppid sctp.PayloadProtocolIdentifier
	switch msg.Kind {
	case MessageKindControl:
		ppid = sctp.PayloadTypeWebRTCDCEP
	case MessageKindString:
		if len(msg.Data) == 0 {
			ppid = sctp.PayloadTypeWebRTCStringEmpty
		} else {
			ppid = sctp.PayloadTypeWebRTCString
		}
	default:
		if len(msg.Data) == 0 {
			ppid = sctp.PayloadTypeWebRTCBinaryEmpty
		} else {
			ppid = sctp.PayloadTypeWebRTCBinary
		}
	}

	// DCEP is always delivered reliable and in order; data follows the
	// channel's reliability.
	if msg.Kind == MessageKindControl {
		stream.SetReliabilityParams(false, sctp.ReliabilityTypeReliable, 0)
	} else {
		rel := msg.Reliability
		if rel == nil {
			rel = &Reliability{}
		}
		switch {
		case rel.MaxRetransmits != nil:
			stream.SetReliabilityParams(rel.Unordered, sctp.ReliabilityTypeRexmit, *rel.MaxRetransmits)
		case rel.MaxPacketLifeTime != nil:
			stream.SetReliabilityParams(rel.Unordered, sctp.ReliabilityTypeTimed,
				uint32(rel.MaxPacketLifeTime.Milliseconds()))
		default:
			stream.SetReliabilityParams(rel.Unordered, sctp.ReliabilityTypeReliable, 0)
		}
	}

	data := msg.Data
	if len(data) == 0 {
		// SCTP refuses empty sends; the PPID lets the receiver reconstruct.
		data = []byte{0}
	}

	if _, err = stream.WriteSCTP(data, ppid); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// BufferedAmount is the outbound buffered byte count of a stream.
func (t *sctpTransport) BufferedAmount(streamID uint16) uint64 {
	t.lock.Lock()
	stream, ok := t.streams[streamID]
	t.lock.Unlock()
	if !ok {
		return 0
	}
	return stream.BufferedAmount()
}

// SetBufferedAmountLowThreshold wires a per-stream low-water callback.
func (t *sctpTransport) SetBufferedAmountLowThreshold(streamID uint16, threshold uint64, f func()) {
	t.lock.Lock()
	stream, ok := t.streams[streamID]
	if ok {
		t.onBufferedAmountLow[streamID] = f
	}
	t.lock.Unlock()
	if !ok {
		return
	}
	stream.SetBufferedAmountLowThreshold(threshold)
	stream.OnBufferedAmountLow(f)
}

// CloseStream resets the outgoing stream.
func (t *sctpTransport) CloseStream(streamID uint16) error {
	t.lock.Lock()
	stream, ok := t.streams[streamID]
	t.lock.Unlock()
	if !ok {
		return nil
	}
	t.removeStream(streamID)
	if err := stream.Close(); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// BytesSent is the payload byte count handed to DTLS.
func (t *sctpTransport) BytesSent() uint64 {
	return atomic.LoadUint64(&t.bytesSent)
}

// BytesReceived is the payload byte count read from DTLS.
func (t *sctpTransport) BytesReceived() uint64 {
	return atomic.LoadUint64(&t.bytesReceived)
}

// Stop closes the association. Idempotent.
func (t *sctpTransport) Stop() error {
	if !t.markStopped() {
		return nil
	}

	t.lock.Lock()
	association := t.association
	t.association = nil
	t.streams = map[uint16]*sctp.Stream{}
	t.lock.Unlock()

	var err error
	if association != nil {
		err = association.Close()
	}

	t.setState(TransportStateDisconnected)
	if err != nil {
		return &TransportError{Err: err}
	}
	return nil
}
