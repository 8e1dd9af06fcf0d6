// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"net"
	"strings"

	"github.com/pion/ice/v4"
)

// CandidateType categorizes how a candidate address was discovered.
type CandidateType int

const (
	// CandidateTypeUnknown is a candidate that has not been resolved.
	CandidateTypeUnknown CandidateType = iota

	// CandidateTypeHost is a local interface address.
	CandidateTypeHost

	// CandidateTypeServerReflexive was discovered through a STUN server.
	CandidateTypeServerReflexive

	// CandidateTypePeerReflexive was learned from a connectivity check.
	CandidateTypePeerReflexive

	// CandidateTypeRelayed is allocated on a TURN server.
	CandidateTypeRelayed
)

func (t CandidateType) String() string {
	switch t {
	case CandidateTypeHost:
		return "host"
	case CandidateTypeServerReflexive:
		return "srflx"
	case CandidateTypePeerReflexive:
		return "prflx"
	case CandidateTypeRelayed:
		return "relay"
	default:
		return ErrUnknownType.Error()
	}
}

// CandidateFamily is the address family of a resolved candidate.
type CandidateFamily int

const (
	// CandidateFamilyUnresolved means the address has not been classified.
	CandidateFamilyUnresolved CandidateFamily = iota

	// CandidateFamilyIPv4 is an IPv4 address.
	CandidateFamilyIPv4

	// CandidateFamilyIPv6 is an IPv6 address.
	CandidateFamilyIPv6
)

// ResolveMode selects how Candidate.Resolve treats non-numeric hostnames.
type ResolveMode int

const (
	// ResolveModeSimple only accepts numeric addresses.
	ResolveModeSimple ResolveMode = iota

	// ResolveModeLookup falls back to a DNS lookup.
	ResolveModeLookup
)

// Candidate is one ICE candidate, carried as its SDP attribute text plus the
// resolved transport address. A candidate is immutable after resolution.
type Candidate struct {
	raw string
	mid string

	resolved  bool
	family    CandidateFamily
	typ       CandidateType
	transport string
	address   string
	port      uint16
	priority  uint32
}

// NewCandidate parses an "a=candidate" attribute line or its bare value. The
// mid associates the candidate with a description entry; an empty mid means
// the bundled transport.
func NewCandidate(raw, mid string) (*Candidate, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "a=")
	if raw == "" {
		return nil, &InvalidError{Err: ErrInvalidCandidate}
	}
	if !strings.HasPrefix(raw, "candidate:") {
		raw = "candidate:" + raw
	}

	c := &Candidate{raw: raw, mid: mid}
	if err := c.Resolve(ResolveModeSimple); err != nil && err != errCandidateNeedsLookup {
		return nil, err
	}
	return c, nil
}

var errCandidateNeedsLookup = &InvalidError{Err: ErrCandidateNotResolved}

// Resolve fills in the transport address. ResolveModeSimple accepts numeric
// addresses only, ResolveModeLookup performs a DNS lookup for hostnames.
func (c *Candidate) Resolve(mode ResolveMode) error {
	if c.resolved {
		return nil
	}

	iceCand, err := ice.UnmarshalCandidate(c.raw)
	if err != nil {
		return &InvalidError{Err: ErrInvalidCandidate}
	}

	addr := iceCand.Address()
	ip := net.ParseIP(addr)
	if ip == nil {
		if mode != ResolveModeLookup {
			return errCandidateNeedsLookup
		}
		ips, lookupErr := net.LookupIP(addr)
		if lookupErr != nil || len(ips) == 0 {
			return &InvalidError{Err: ErrCandidateNotResolved}
		}
		ip = ips[0]
		addr = ip.String()
	}

	if ip.To4() != nil {
		c.family = CandidateFamilyIPv4
	} else {
		c.family = CandidateFamilyIPv6
	}

	switch iceCand.Type() {
	case ice.CandidateTypeHost:
		c.typ = CandidateTypeHost
	case ice.CandidateTypeServerReflexive:
		c.typ = CandidateTypeServerReflexive
	case ice.CandidateTypePeerReflexive:
		c.typ = CandidateTypePeerReflexive
	case ice.CandidateTypeRelay:
		c.typ = CandidateTypeRelayed
	default:
		c.typ = CandidateTypeUnknown
	}

	c.transport = iceCand.NetworkType().NetworkShort()
	c.address = addr
	c.port = uint16(iceCand.Port())
	c.priority = iceCand.Priority()
	c.resolved = true
	return nil
}

// IsResolved reports whether the transport address is known.
func (c *Candidate) IsResolved() bool { return c.resolved }

// Mid is the media identifier the candidate belongs to.
func (c *Candidate) Mid() string { return c.mid }

// Type is the resolved candidate type.
func (c *Candidate) Type() CandidateType { return c.typ }

// Family is the resolved address family.
func (c *Candidate) Family() CandidateFamily { return c.family }

// Transport is the transport protocol, e.g. "udp".
func (c *Candidate) Transport() string { return c.transport }

// Address is the resolved address text.
func (c *Candidate) Address() string { return c.address }

// Port is the resolved port.
func (c *Candidate) Port() uint16 { return c.port }

// Priority is the candidate priority.
func (c *Candidate) Priority() uint32 { return c.priority }

// ToSDP returns the candidate attribute value, e.g. "candidate:...".
func (c *Candidate) ToSDP() string { return c.raw }

func (c *Candidate) String() string { return c.raw }

func (c *Candidate) toICE() (ice.Candidate, error) {
	iceCand, err := ice.UnmarshalCandidate(c.raw)
	if err != nil {
		return nil, &InvalidError{Err: ErrInvalidCandidate}
	}
	return iceCand, nil
}

func newCandidateFromICE(iceCand ice.Candidate, mid string) *Candidate {
	c := &Candidate{raw: "candidate:" + iceCand.Marshal(), mid: mid}
	// Agent-produced candidates are always numeric.
	_ = c.Resolve(ResolveModeSimple)
	return c
}
