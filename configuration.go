// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"fmt"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
)

// TransportPolicy restricts which candidates ICE may use.
type TransportPolicy int

const (
	// TransportPolicyAll allows every candidate type.
	TransportPolicyAll TransportPolicy = iota

	// TransportPolicyRelay restricts connectivity to TURN relayed candidates.
	TransportPolicyRelay
)

func (t TransportPolicy) String() string {
	switch t {
	case TransportPolicyAll:
		return "all"
	case TransportPolicyRelay:
		return "relay"
	default:
		return ErrUnknownType.Error()
	}
}

// ICEServer describes a STUN or TURN server. The URL uses the standard
// "stun:host:port" / "turn:host:port?transport=udp" syntax; TURN servers
// carry credentials.
type ICEServer struct {
	URL      string
	Username string
	Password string
}

// Configuration parameterizes a PeerConnection. The zero value is usable.
type Configuration struct {
	ICEServers []ICEServer

	// TransportPolicy restricts candidate usage, e.g. relay-only.
	TransportPolicy TransportPolicy

	// CertificateCommonName selects the cached DTLS certificate; defaults to
	// "libdatachannel".
	CertificateCommonName string

	// PortRangeBegin and PortRangeEnd bound local candidate ports; 0 leaves
	// the choice to the system.
	PortRangeBegin uint16
	PortRangeEnd   uint16

	// MTU bounds the size of records sent directly on the DTLS transport;
	// larger ones fail with a TooLargeError. 0 sets no bound. The DTLS
	// record MTU itself stays at the handshake value of 1232 bytes and is
	// not changed after the handshake.
	MTU int

	// MaxMessageSize advertised on the application m-line; 0 uses the
	// default of 65536.
	MaxMessageSize int

	// TrickleTimeout bounds connectivity checks after the first failure.
	// Defaults to 30 s. Behavioral, not normative.
	TrickleTimeout time.Duration

	// DisableAutoNegotiation suppresses the automatic offer on negotiation
	// needed; the application calls SetLocalDescription itself.
	DisableAutoNegotiation bool

	// ResolveMode selects numeric-only or DNS resolution for remote
	// candidates.
	ResolveMode ResolveMode

	// LoggerFactory customizes logging; nil uses the default factory.
	LoggerFactory logging.LoggerFactory
}

const defaultCertificateCommonName = "libdatachannel"

func (c *Configuration) certificateCommonName() string {
	if c.CertificateCommonName == "" {
		return defaultCertificateCommonName
	}
	return c.CertificateCommonName
}

func (c *Configuration) maxMessageSize() int {
	if c.MaxMessageSize == 0 {
		return defaultMaxMessageSize
	}
	return c.MaxMessageSize
}

func (c *Configuration) loggerFactory() logging.LoggerFactory {
	if c.LoggerFactory == nil {
		return defaultLoggerFactory()
	}
	return c.LoggerFactory
}

// iceURLs converts the configured servers into agent URIs.
func (c *Configuration) iceURLs() ([]*stun.URI, error) {
	var urls []*stun.URI
	for _, server := range c.ICEServers {
		uri, err := stun.ParseURI(server.URL)
		if err != nil {
			return nil, &InvalidError{Err: fmt.Errorf("invalid ICE server %q: %w", server.URL, err)}
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			uri.Username = server.Username
			uri.Password = server.Password
		}
		urls = append(urls, uri)
	}
	return urls, nil
}
