// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"github.com/pion/srtp/v3"

	"github.com/paullouisageneau/libdatachannel-sub000/internal/mux"
)

// mediaDSCP is AF42, the default marking for outgoing media.
const mediaDSCP = 36

const srtpReplayWindow = 64

// dtlsSRTPTransport is the DTLS transport specialized for media: after the
// handshake it extracts SRTP keying material and protects/unprotects RTP and
// RTCP, demultiplexed from DTLS records by first byte.
type dtlsSRTPTransport struct {
	*dtlsTransport

	srtpLock    sync.Mutex
	inboundCtx  *srtp.Context
	outboundCtx *srtp.Context

	srtpEndpoint  *mux.Endpoint
	srtcpEndpoint *mux.Endpoint

	// onMedia receives unprotected packets; RTCP arrives as Control
	// messages, RTP as Binary.
	onMedia func(*Message)

	lastOutboundSeq sync.Map // ssrc -> uint16

	replayDrops uint64
	authDrops   uint64

	srtpLog logging.LeveledLogger
}

func newDTLSSRTPTransport(iceTransport *iceTransport, certificate *Certificate, isClient bool,
	verifier fingerprintVerifier, mtu int, onStateChange func(TransportState),
	onMedia func(*Message), loggerFactory logging.LoggerFactory,
) *dtlsSRTPTransport {
	t := &dtlsSRTPTransport{
		dtlsTransport: newDTLSTransport(iceTransport, certificate, isClient, verifier, mtu,
			onStateChange, loggerFactory),
		onMedia: onMedia,
		srtpLog: loggerFactory.NewLogger("srtp"),
	}
	t.dtlsTransport.postHandshake = t.extractKeyingMaterial
	return t
}

// Start opens the SRTP/SRTCP endpoints before the handshake so early media
// is buffered, then runs the DTLS handshake.
func (t *dtlsSRTPTransport) Start() error {
	srtpEndpoint := t.iceTransport.NewEndpoint(mux.MatchSRTP)
	srtcpEndpoint := t.iceTransport.NewEndpoint(mux.MatchSRTCP)
	if srtpEndpoint == nil || srtcpEndpoint == nil {
		return &TransportError{Err: ErrTransportNotStarted}
	}

	t.srtpLock.Lock()
	t.srtpEndpoint = srtpEndpoint
	t.srtcpEndpoint = srtcpEndpoint
	t.srtpLock.Unlock()

	if err := t.dtlsTransport.Start(); err != nil {
		return err
	}

	go t.readLoop(srtpEndpoint, false)
	go t.readLoop(srtcpEndpoint, true)
	return nil
}

// extractKeyingMaterial derives the two SRTP contexts from the handshake:
// inbound keyed with the peer's write key and salt, outbound with ours.
func (t *dtlsSRTPTransport) extractKeyingMaterial(state *dtls.State, isClient bool) error {
	config := &srtp.Config{Profile: srtp.ProtectionProfileAes128CmHmacSha1_80}
	if err := config.ExtractSessionKeysFromDTLS(state, isClient); err != nil {
		return &TransportError{Err: err}
	}

	outboundCtx, err := srtp.CreateContext(
		config.Keys.LocalMasterKey, config.Keys.LocalMasterSalt, config.Profile)
	if err != nil {
		return &TransportError{Err: err}
	}
	inboundCtx, err := srtp.CreateContext(
		config.Keys.RemoteMasterKey, config.Keys.RemoteMasterSalt, config.Profile,
		srtp.SRTPReplayProtection(srtpReplayWindow),
		srtp.SRTCPReplayProtection(srtpReplayWindow))
	if err != nil {
		return &TransportError{Err: err}
	}

	t.srtpLock.Lock()
	t.outboundCtx = outboundCtx
	t.inboundCtx = inboundCtx
	t.srtpLock.Unlock()
	return nil
}

func (t *dtlsSRTPTransport) readLoop(endpoint *mux.Endpoint, isRTCP bool) {
	buf := make([]byte, receiveMTU)
	for {
		n, err := endpoint.Read(buf)
		if err != nil {
			if err != io.EOF {
				t.srtpLog.Debugf("media read loop ended: %v", err)
			}
			return
		}

		t.srtpLock.Lock()
		inboundCtx := t.inboundCtx
		t.srtpLock.Unlock()
		if inboundCtx == nil {
			// Media before keying material, drop.
			atomic.AddUint64(&t.authDrops, 1)
			continue
		}

		var decrypted []byte
		if isRTCP {
			decrypted, err = inboundCtx.DecryptRTCP(nil, buf[:n], nil)
		} else {
			decrypted, err = inboundCtx.DecryptRTP(nil, buf[:n], nil)
		}
		if err != nil {
			// Replay and auth failures are counted and dropped silently.
			atomic.AddUint64(&t.replayDrops, 1)
			continue
		}

		msg := &Message{Data: decrypted, Kind: MessageKindBinary}
		if isRTCP {
			msg.Kind = MessageKindControl
		}
		if t.onMedia != nil {
			t.onMedia(msg)
		}
	}
}

// SendMedia protects and sends one RTP packet (Binary) or RTCP compound
// packet (Control).
func (t *dtlsSRTPTransport) SendMedia(msg *Message) error {
	t.srtpLock.Lock()
	outboundCtx := t.outboundCtx
	srtpEndpoint := t.srtpEndpoint
	srtcpEndpoint := t.srtcpEndpoint
	t.srtpLock.Unlock()

	if outboundCtx == nil || srtpEndpoint == nil {
		return &TransportError{Err: ErrTransportNotStarted}
	}
	if msg.DSCP == 0 {
		msg.DSCP = mediaDSCP
	}

	if msg.Kind == MessageKindControl {
		encrypted, err := outboundCtx.EncryptRTCP(nil, msg.Data, nil)
		if err != nil {
			return &TransportError{Err: err}
		}
		if _, err = srtcpEndpoint.Write(encrypted); err != nil {
			return &TransportError{Err: err}
		}
		return nil
	}

	if !t.checkOutboundSequence(msg.Data) {
		atomic.AddUint64(&t.replayDrops, 1)
		return nil
	}

	encrypted, err := outboundCtx.EncryptRTP(nil, msg.Data, nil)
	if err != nil {
		return &TransportError{Err: err}
	}
	if _, err = srtpEndpoint.Write(encrypted); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// checkOutboundSequence rejects a locally replayed RTP sequence number, the
// SRTP context must never protect the same index twice.
func (t *dtlsSRTPTransport) checkOutboundSequence(packet []byte) bool {
	if len(packet) < 12 {
		return false
	}
	ssrc := uint32(packet[8])<<24 | uint32(packet[9])<<16 | uint32(packet[10])<<8 | uint32(packet[11])
	seq := uint16(packet[2])<<8 | uint16(packet[3])

	if last, ok := t.lastOutboundSeq.Load(ssrc); ok && last.(uint16) == seq {
		return false
	}
	t.lastOutboundSeq.Store(ssrc, seq)
	return true
}

// ReplayDrops is the count of inbound packets dropped for replay or
// authentication failure plus outbound local replays.
func (t *dtlsSRTPTransport) ReplayDrops() uint64 {
	return atomic.LoadUint64(&t.replayDrops)
}

// Stop closes the media endpoints then the DTLS layer. Idempotent.
func (t *dtlsSRTPTransport) Stop() error {
	t.srtpLock.Lock()
	srtpEndpoint := t.srtpEndpoint
	srtcpEndpoint := t.srtcpEndpoint
	t.srtpEndpoint = nil
	t.srtcpEndpoint = nil
	t.srtpLock.Unlock()

	if srtpEndpoint != nil {
		_ = srtpEndpoint.Close()
	}
	if srtcpEndpoint != nil {
		_ = srtcpEndpoint.Close()
	}
	return t.dtlsTransport.Stop()
}
