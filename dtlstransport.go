// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"strings"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/logging"

	"github.com/paullouisageneau/libdatachannel-sub000/internal/mux"
)

// handshakeMTU is the IPv6 minimum UDP payload, used while the path MTU is
// unknown.
const handshakeMTU = 1232

const defaultHandshakeTimeout = 30 * time.Second

// fingerprintVerifier decides whether the remote certificate fingerprint is
// acceptable. The peer connection wires it to the remote description.
type fingerprintVerifier func(fingerprint string) bool

// dtlsTransport runs the DTLS handshake and record layer over the ICE
// transport.
type dtlsTransport struct {
	transport

	lock        sync.Mutex
	iceTransport *iceTransport
	certificate *Certificate
	verifier    fingerprintVerifier
	isClient    bool
	mtu         int

	conn     *dtls.Conn
	endpoint *mux.Endpoint

	// postHandshake runs once the handshake completes, before the state
	// callback; DTLS-SRTP extracts its keying material here.
	postHandshake func(state *dtls.State, isClient bool) error

	remoteFingerprint string

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
}

func newDTLSTransport(iceTransport *iceTransport, certificate *Certificate, isClient bool,
	verifier fingerprintVerifier, mtu int, onStateChange func(TransportState),
	loggerFactory logging.LoggerFactory,
) *dtlsTransport {
	return &dtlsTransport{
		transport:    newTransport(onStateChange),
		iceTransport: iceTransport,
		certificate:  certificate,
		verifier:     verifier,
		isClient:     isClient,
		mtu:          mtu,
		loggerFactory: loggerFactory,
		log:           loggerFactory.NewLogger("dtls"),
	}
}

// Start runs the handshake and verifies the remote certificate fingerprint.
// Blocking; runs on a connect goroutine.
func (t *dtlsTransport) Start() error {
	endpoint := t.iceTransport.NewEndpoint(mux.MatchDTLS)
	if endpoint == nil {
		return &TransportError{Err: ErrTransportNotStarted}
	}

	t.lock.Lock()
	t.endpoint = endpoint
	t.lock.Unlock()

	t.setState(TransportStateConnecting)

	config := &dtls.Config{
		Certificates:           []tls.Certificate{t.certificate.tlsCertificate()},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80},
		ClientAuth:             dtls.RequireAnyClientCert,
		InsecureSkipVerify:     true,
		MTU:                    handshakeMTU,
		LoggerFactory:          t.loggerFactory,
	}

	var conn *dtls.Conn
	var err error
	if t.isClient {
		conn, err = dtls.Client(endpoint, endpoint.RemoteAddr(), config)
	} else {
		conn, err = dtls.Server(endpoint, endpoint.RemoteAddr(), config)
	}
	if err != nil {
		t.setState(TransportStateFailed)
		return &TransportError{Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
	defer cancel()
	if err = conn.HandshakeContext(ctx); err != nil {
		t.setState(TransportStateFailed)
		return &TransportError{Err: err}
	}

	state, ok := conn.ConnectionState()
	if !ok {
		t.setState(TransportStateFailed)
		return &TransportError{Err: ErrTransportNotStarted}
	}

	if err = t.verifyRemoteCertificate(&state); err != nil {
		t.setState(TransportStateFailed)
		_ = conn.Close()
		return err
	}

	t.lock.Lock()
	t.conn = conn
	postHandshake := t.postHandshake
	t.lock.Unlock()

	if postHandshake != nil {
		if err = postHandshake(&state, t.isClient); err != nil {
			t.setState(TransportStateFailed)
			return err
		}
	}

	t.setState(TransportStateConnected)
	return nil
}

func (t *dtlsTransport) verifyRemoteCertificate(state *dtls.State) error {
	certs := state.PeerCertificates
	if len(certs) == 0 {
		return &ProtocolError{Err: ErrNoFingerprint}
	}

	remoteCert, err := x509.ParseCertificate(certs[0])
	if err != nil {
		return &ProtocolError{Err: err}
	}

	remoteValue, err := fingerprint.Fingerprint(remoteCert, crypto.SHA256)
	if err != nil {
		return &TransportError{Err: err}
	}

	t.lock.Lock()
	t.remoteFingerprint = strings.ToUpper(remoteValue)
	verifier := t.verifier
	t.lock.Unlock()

	if verifier == nil || !verifier(remoteValue) {
		return &ProtocolError{Err: ErrFingerprintMismatch}
	}
	return nil
}

// RemoteFingerprint is the SHA-256 fingerprint presented by the peer during
// the handshake.
func (t *dtlsTransport) RemoteFingerprint() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.remoteFingerprint
}

// Conn exposes the record-layer connection to the SCTP transport.
func (t *dtlsTransport) Conn() *dtls.Conn {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.conn
}

// Send encrypts data as a single record.
func (t *dtlsTransport) Send(data []byte) error {
	t.lock.Lock()
	conn := t.conn
	mtu := t.mtu
	t.lock.Unlock()

	if conn == nil {
		return &TransportError{Err: ErrTransportNotStarted}
	}
	if mtu > 0 && len(data) > mtu {
		return &TooLargeError{Err: ErrRecordTooLarge}
	}
	if _, err := conn.Write(data); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// Stop closes the record layer and its endpoint. Idempotent.
func (t *dtlsTransport) Stop() error {
	if !t.markStopped() {
		return nil
	}

	t.lock.Lock()
	conn := t.conn
	endpoint := t.endpoint
	t.conn = nil
	t.endpoint = nil
	t.lock.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if endpoint != nil {
		_ = endpoint.Close()
	}

	t.setState(TransportStateDisconnected)
	if err != nil {
		return &TransportError{Err: err}
	}
	return nil
}
