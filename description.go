// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/paullouisageneau/libdatachannel-sub000/internal/util"
)

// Direction is the media direction of an entry.
type Direction int

const (
	// DirectionUnknown is an entry with no direction attribute.
	DirectionUnknown Direction = iota

	// DirectionSendOnly sends media, never receives.
	DirectionSendOnly

	// DirectionRecvOnly receives media, never sends.
	DirectionRecvOnly

	// DirectionSendRecv sends and receives media.
	DirectionSendRecv

	// DirectionInactive neither sends nor receives.
	DirectionInactive
)

func (d Direction) String() string {
	switch d {
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionInactive:
		return "inactive"
	default:
		return ErrUnknownType.Error()
	}
}

func newDirection(raw string) Direction {
	switch raw {
	case "sendonly":
		return DirectionSendOnly
	case "recvonly":
		return DirectionRecvOnly
	case "sendrecv":
		return DirectionSendRecv
	case "inactive":
		return DirectionInactive
	default:
		return DirectionUnknown
	}
}

// reverse inverts the media direction for reciprocation.
func (d Direction) reverse() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	default:
		return d
	}
}

// EntryKind is the kind of an m-line.
type EntryKind int

const (
	// EntryKindApplication is the SCTP data channel m-line.
	EntryKindApplication EntryKind = iota + 1

	// EntryKindAudio is an audio m-line.
	EntryKindAudio

	// EntryKindVideo is a video m-line.
	EntryKindVideo
)

func (k EntryKind) String() string {
	switch k {
	case EntryKindApplication:
		return "application"
	case EntryKindAudio:
		return "audio"
	case EntryKindVideo:
		return "video"
	default:
		return ErrUnknownType.Error()
	}
}

// RTPMap describes one payload type of a media entry.
type RTPMap struct {
	PayloadType uint8
	Format      string
	ClockRate   int
	EncParams   string
	RTCPFbs     []string
	FmtPs       []string
}

const (
	defaultSCTPPort       = 5000
	defaultMaxMessageSize = 65536
)

// Entry is one m-line of a description: either the single Application entry
// or a Media entry.
type Entry struct {
	kind      EntryKind
	mid       string
	direction Direction

	// application
	sctpPort       uint16
	maxMessageSize int

	// media
	rtpMap  map[uint8]*RTPMap
	ssrcs   []uint32
	cnames  map[uint32]string
	bitrate int
}

// NewApplicationEntry creates the data channel m-line.
func NewApplicationEntry(mid string) *Entry {
	return &Entry{
		kind:           EntryKindApplication,
		mid:            mid,
		sctpPort:       defaultSCTPPort,
		maxMessageSize: defaultMaxMessageSize,
	}
}

// NewMediaEntry creates an audio or video m-line with the given direction.
func NewMediaEntry(kind EntryKind, mid string, direction Direction) *Entry {
	return &Entry{
		kind:      kind,
		mid:       mid,
		direction: direction,
		rtpMap:    map[uint8]*RTPMap{},
		cnames:    map[uint32]string{},
	}
}

// Kind is the entry kind.
func (e *Entry) Kind() EntryKind { return e.kind }

// Mid is the media identifier of the entry.
func (e *Entry) Mid() string { return e.mid }

// Direction is the media direction; DirectionUnknown for application entries.
func (e *Entry) Direction() Direction { return e.direction }

// SetDirection updates the media direction.
func (e *Entry) SetDirection(d Direction) { e.direction = d }

// IsApplication reports whether the entry is the data channel m-line.
func (e *Entry) IsApplication() bool { return e.kind == EntryKindApplication }

// SCTPPort is the negotiated SCTP port of an application entry.
func (e *Entry) SCTPPort() uint16 { return e.sctpPort }

// SetSCTPPort overrides the advertised SCTP port.
func (e *Entry) SetSCTPPort(port uint16) { e.sctpPort = port }

// MaxMessageSize is the advertised maximum message size of an application
// entry; 0 means unlimited.
func (e *Entry) MaxMessageSize() int { return e.maxMessageSize }

// SetMaxMessageSize overrides the advertised maximum message size.
func (e *Entry) SetMaxMessageSize(size int) { e.maxMessageSize = size }

// AddRTPMap registers a payload type.
func (e *Entry) AddRTPMap(m RTPMap) {
	c := m
	e.rtpMap[m.PayloadType] = &c
}

// RTPMaps returns the payload types ordered by payload type number.
func (e *Entry) RTPMaps() []*RTPMap {
	pts := make([]int, 0, len(e.rtpMap))
	for pt := range e.rtpMap {
		pts = append(pts, int(pt))
	}
	sort.Ints(pts)
	out := make([]*RTPMap, 0, len(pts))
	for _, pt := range pts {
		out = append(out, e.rtpMap[uint8(pt)])
	}
	return out
}

// RTPMapForPayloadType looks up a payload type.
func (e *Entry) RTPMapForPayloadType(pt uint8) (*RTPMap, bool) {
	m, ok := e.rtpMap[pt]
	return m, ok
}

// AddVideoCodec registers a video payload type with the usual RTCP feedback
// set.
func (e *Entry) AddVideoCodec(pt uint8, codec string, clockRate int) {
	e.AddRTPMap(RTPMap{
		PayloadType: pt,
		Format:      codec,
		ClockRate:   clockRate,
		RTCPFbs:     []string{"nack", "nack pli", "goog-remb"},
	})
}

// AddOpusCodec registers the Opus payload type.
func (e *Entry) AddOpusCodec(pt uint8) {
	e.AddRTPMap(RTPMap{
		PayloadType: pt,
		Format:      "opus",
		ClockRate:   48000,
		EncParams:   "2",
		FmtPs:       []string{"minptime=10;useinbandfec=1"},
	})
}

// AddSSRC declares a synchronization source with its cname.
func (e *Entry) AddSSRC(ssrc uint32, cname string) {
	if _, ok := e.cnames[ssrc]; !ok {
		e.ssrcs = append(e.ssrcs, ssrc)
	}
	e.cnames[ssrc] = cname
}

// SSRCs returns the declared synchronization sources in order.
func (e *Entry) SSRCs() []uint32 {
	out := make([]uint32, len(e.ssrcs))
	copy(out, e.ssrcs)
	return out
}

// CNameForSSRC returns the cname declared for an SSRC.
func (e *Entry) CNameForSSRC(ssrc uint32) string { return e.cnames[ssrc] }

// SetBitrate sets the advertised bitrate in kbps (b=AS).
func (e *Entry) SetBitrate(kbps int) { e.bitrate = kbps }

// Bitrate is the advertised bitrate in kbps, 0 if unset.
func (e *Entry) Bitrate() int { return e.bitrate }

func (e *Entry) clone() *Entry {
	out := &Entry{
		kind:           e.kind,
		mid:            e.mid,
		direction:      e.direction,
		sctpPort:       e.sctpPort,
		maxMessageSize: e.maxMessageSize,
		bitrate:        e.bitrate,
	}
	if e.rtpMap != nil {
		out.rtpMap = map[uint8]*RTPMap{}
		for pt, m := range e.rtpMap {
			c := *m
			out.rtpMap[pt] = &c
		}
	}
	if e.cnames != nil {
		out.cnames = map[uint32]string{}
		for ssrc, cname := range e.cnames {
			out.cnames[ssrc] = cname
		}
		out.ssrcs = append([]uint32(nil), e.ssrcs...)
	}
	return out
}

// Description is a parsed or generated session description.
type Description struct {
	typ         DescriptionType
	role        Role
	sessionID   string
	iceUfrag    string
	icePwd      string
	fingerprint string
	ended       bool

	entries    []*Entry
	candidates []*Candidate
}

// NewDescription parses SDP text. The type tags how the description is used
// in the offer/answer exchange.
func NewDescription(sdpText string, typ DescriptionType) (*Description, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(sdpText)); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("%w: %v", ErrInvalidDescription, err)}
	}

	d := &Description{typ: typ, role: RoleActPass}
	d.sessionID = strconv.FormatUint(parsed.Origin.SessionID, 10)

	if ufrag, ok := parsed.Attribute("ice-ufrag"); ok {
		d.iceUfrag = ufrag
	}
	if pwd, ok := parsed.Attribute("ice-pwd"); ok {
		d.icePwd = pwd
	}
	if fp, ok := parsed.Attribute("fingerprint"); ok {
		d.setFingerprintAttribute(fp)
	}
	if setup, ok := parsed.Attribute("setup"); ok {
		d.role = newRole(setup)
	}

	for _, media := range parsed.MediaDescriptions {
		entry, err := entryFromMedia(media)
		if err != nil {
			return nil, err
		}
		// Session-level credentials may instead appear in the first m-line,
		// as browsers emit them.
		if d.iceUfrag == "" {
			if ufrag, ok := media.Attribute("ice-ufrag"); ok {
				d.iceUfrag = ufrag
			}
		}
		if d.icePwd == "" {
			if pwd, ok := media.Attribute("ice-pwd"); ok {
				d.icePwd = pwd
			}
		}
		if d.fingerprint == "" {
			if fp, ok := media.Attribute("fingerprint"); ok {
				d.setFingerprintAttribute(fp)
			}
		}
		if setup, ok := media.Attribute("setup"); ok {
			d.role = newRole(setup)
		}

		for _, attr := range media.Attributes {
			switch attr.Key {
			case "candidate":
				cand, candErr := NewCandidate(attr.Value, entry.Mid())
				if candErr == nil {
					d.candidates = append(d.candidates, cand)
				}
			case "end-of-candidates":
				d.ended = true
			}
		}

		if err = d.addEntry(entry); err != nil {
			return nil, err
		}
	}

	if d.typ == DescriptionTypeAnswer && d.role == RoleActPass {
		// An answer must commit to a role.
		d.role = RolePassive
	}

	return d, nil
}

// newLocalDescription builds an empty local description with fresh session
// id and the credentials of the local transports.
func newLocalDescription(typ DescriptionType, role Role, iceUfrag, icePwd, fingerprint string) *Description {
	return &Description{
		typ:         typ,
		role:        role,
		sessionID:   strconv.FormatUint(uint64(util.RandUint32()), 10),
		iceUfrag:    iceUfrag,
		icePwd:      icePwd,
		fingerprint: fingerprint,
	}
}

func (d *Description) setFingerprintAttribute(attr string) {
	fields := strings.Fields(attr)
	if len(fields) == 2 && strings.EqualFold(fields[0], "sha-256") {
		d.fingerprint = strings.ToUpper(fields[1])
	}
}

// Type is the description type.
func (d *Description) Type() DescriptionType { return d.typ }

// SetType retags the description; used when resolving Unspec.
func (d *Description) SetType(typ DescriptionType) { d.typ = typ }

// Role is the DTLS setup role.
func (d *Description) Role() Role { return d.role }

// SetRole updates the DTLS setup role. An answer never carries ActPass.
func (d *Description) SetRole(role Role) {
	if d.typ == DescriptionTypeAnswer && role == RoleActPass {
		role = RolePassive
	}
	d.role = role
}

// SessionID is the SDP origin session id.
func (d *Description) SessionID() string { return d.sessionID }

// ICEUfrag is the ICE username fragment.
func (d *Description) ICEUfrag() string { return d.iceUfrag }

// ICEPwd is the ICE password.
func (d *Description) ICEPwd() string { return d.icePwd }

// Fingerprint is the SHA-256 certificate fingerprint, uppercase colon-hex.
func (d *Description) Fingerprint() string { return d.fingerprint }

// Ended reports whether end-of-candidates was marked.
func (d *Description) Ended() bool { return d.ended }

// EndCandidates marks trickling as finished.
func (d *Description) EndCandidates() { d.ended = true }

// Entries returns the ordered m-lines.
func (d *Description) Entries() []*Entry {
	out := make([]*Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

// EntryForMid finds the entry with the given mid.
func (d *Description) EntryForMid(mid string) (*Entry, bool) {
	for _, e := range d.entries {
		if e.mid == mid {
			return e, true
		}
	}
	return nil, false
}

// Application returns the application entry if present.
func (d *Description) Application() (*Entry, bool) {
	for _, e := range d.entries {
		if e.IsApplication() {
			return e, true
		}
	}
	return nil, false
}

// HasApplication reports whether an application entry is present.
func (d *Description) HasApplication() bool {
	_, ok := d.Application()
	return ok
}

// HasMedia reports whether at least one audio or video entry is present.
func (d *Description) HasMedia() bool {
	for _, e := range d.entries {
		if !e.IsApplication() {
			return true
		}
	}
	return false
}

// AddEntry appends an m-line. Mids are unique and at most one application
// entry is allowed.
func (d *Description) AddEntry(e *Entry) error {
	return d.addEntry(e)
}

func (d *Description) addEntry(e *Entry) error {
	if _, exists := d.EntryForMid(e.mid); exists {
		return &InvalidError{Err: fmt.Errorf("%w: duplicate mid %q", ErrInvalidDescription, e.mid)}
	}
	if e.IsApplication() && d.HasApplication() {
		return &InvalidError{Err: fmt.Errorf("%w: multiple application entries", ErrInvalidDescription)}
	}
	d.entries = append(d.entries, e)
	return nil
}

// AddCandidate attaches a gathered candidate.
func (d *Description) AddCandidate(c *Candidate) {
	d.candidates = append(d.candidates, c)
}

// Candidates returns the attached candidates.
func (d *Description) Candidates() []*Candidate {
	out := make([]*Candidate, len(d.candidates))
	copy(out, d.candidates)
	return out
}

func (d *Description) clone() *Description {
	out := &Description{
		typ:         d.typ,
		role:        d.role,
		sessionID:   d.sessionID,
		iceUfrag:    d.iceUfrag,
		icePwd:      d.icePwd,
		fingerprint: d.fingerprint,
		ended:       d.ended,
	}
	for _, e := range d.entries {
		out.entries = append(out.entries, e.clone())
	}
	out.candidates = append(out.candidates, d.candidates...)
	return out
}

func entryFromMedia(media *sdp.MediaDescription) (*Entry, error) {
	mid, _ := media.Attribute("mid")

	if media.MediaName.Media == "application" {
		e := NewApplicationEntry(mid)
		if port, ok := media.Attribute("sctp-port"); ok {
			if v, err := strconv.ParseUint(port, 10, 16); err == nil {
				e.sctpPort = uint16(v)
			}
		}
		if size, ok := media.Attribute("max-message-size"); ok {
			if v, err := strconv.Atoi(size); err == nil {
				e.maxMessageSize = v
			}
		}
		return e, nil
	}

	kind := EntryKindAudio
	if media.MediaName.Media == "video" {
		kind = EntryKindVideo
	}
	e := NewMediaEntry(kind, mid, DirectionUnknown)

	for _, attr := range media.Attributes {
		switch attr.Key {
		case "sendonly", "recvonly", "sendrecv", "inactive":
			e.direction = newDirection(attr.Key)
		case "rtpmap":
			pt, m, err := parseRTPMapAttribute(attr.Value)
			if err != nil {
				continue
			}
			if existing, ok := e.rtpMap[pt]; ok {
				m.RTCPFbs = existing.RTCPFbs
				m.FmtPs = existing.FmtPs
			}
			e.rtpMap[pt] = m
		case "rtcp-fb":
			pt, rest, ok := splitPayloadAttribute(attr.Value)
			if !ok {
				continue
			}
			m := e.ensureRTPMap(pt)
			m.RTCPFbs = append(m.RTCPFbs, rest)
		case "fmtp":
			pt, rest, ok := splitPayloadAttribute(attr.Value)
			if !ok {
				continue
			}
			m := e.ensureRTPMap(pt)
			m.FmtPs = append(m.FmtPs, rest)
		case "ssrc":
			fields := strings.Fields(attr.Value)
			if len(fields) == 0 {
				continue
			}
			ssrc64, err := strconv.ParseUint(fields[0], 10, 32)
			if err != nil {
				continue
			}
			cname := ""
			if len(fields) > 1 && strings.HasPrefix(fields[1], "cname:") {
				cname = strings.TrimPrefix(fields[1], "cname:")
			}
			e.AddSSRC(uint32(ssrc64), cname)
		}
	}

	if media.Bandwidth != nil {
		for _, bw := range media.Bandwidth {
			if bw.Type == "AS" {
				e.bitrate = int(bw.Bandwidth)
			}
		}
	}

	return e, nil
}

func (e *Entry) ensureRTPMap(pt uint8) *RTPMap {
	if m, ok := e.rtpMap[pt]; ok {
		return m
	}
	m := &RTPMap{PayloadType: pt}
	e.rtpMap[pt] = m
	return m
}

func parseRTPMapAttribute(value string) (uint8, *RTPMap, error) {
	pt, rest, ok := splitPayloadAttribute(value)
	if !ok {
		return 0, nil, &ProtocolError{Err: ErrInvalidDescription}
	}
	parts := strings.Split(rest, "/")
	m := &RTPMap{PayloadType: pt, Format: parts[0]}
	if len(parts) > 1 {
		if rate, err := strconv.Atoi(parts[1]); err == nil {
			m.ClockRate = rate
		}
	}
	if len(parts) > 2 {
		m.EncParams = parts[2]
	}
	return pt, m, nil
}

func splitPayloadAttribute(value string) (uint8, string, bool) {
	ptStr, rest, found := strings.Cut(value, " ")
	if !found {
		rest = ""
	}
	pt64, err := strconv.ParseUint(ptStr, 10, 8)
	if err != nil {
		return 0, "", false
	}
	return uint8(pt64), rest, true
}

// ToSDP serializes the description. All m-lines are bundled on one
// transport.
func (d *Description) ToSDP() string {
	sessionID, _ := strconv.ParseUint(d.sessionID, 10, 64)
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	mids := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		mids = append(mids, e.mid)
	}
	if len(mids) > 0 {
		desc.Attributes = append(desc.Attributes,
			sdp.Attribute{Key: "group", Value: "BUNDLE " + strings.Join(mids, " ")})
	}
	if d.iceUfrag != "" {
		desc.Attributes = append(desc.Attributes, sdp.Attribute{Key: "ice-ufrag", Value: d.iceUfrag})
	}
	if d.icePwd != "" {
		desc.Attributes = append(desc.Attributes, sdp.Attribute{Key: "ice-pwd", Value: d.icePwd})
	}
	if !d.ended {
		desc.Attributes = append(desc.Attributes, sdp.Attribute{Key: "ice-options", Value: "trickle"})
	}
	if d.fingerprint != "" {
		desc.Attributes = append(desc.Attributes,
			sdp.Attribute{Key: "fingerprint", Value: "sha-256 " + d.fingerprint})
	}
	desc.Attributes = append(desc.Attributes, sdp.Attribute{Key: "setup", Value: d.role.String()})

	for i, e := range d.entries {
		media := e.toMedia()
		if i == 0 {
			// Candidates ride on the first m-line, all of them are bundled.
			for _, cand := range d.candidates {
				media.Attributes = append(media.Attributes,
					sdp.Attribute{Key: "candidate", Value: strings.TrimPrefix(cand.ToSDP(), "candidate:")})
			}
			if d.ended {
				media.Attributes = append(media.Attributes, sdp.Attribute{Key: "end-of-candidates"})
			}
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, media)
	}

	raw, err := desc.Marshal()
	if err != nil {
		return ""
	}
	return string(raw)
}

func (e *Entry) toMedia() *sdp.MediaDescription {
	media := &sdp.MediaDescription{
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}
	media.Attributes = append(media.Attributes, sdp.Attribute{Key: "mid", Value: e.mid})

	if e.IsApplication() {
		media.MediaName = sdp.MediaName{
			Media:   "application",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "DTLS", "SCTP"},
			Formats: []string{"webrtc-datachannel"},
		}
		media.Attributes = append(media.Attributes,
			sdp.Attribute{Key: "sctp-port", Value: strconv.Itoa(int(e.sctpPort))})
		if e.maxMessageSize > 0 {
			media.Attributes = append(media.Attributes,
				sdp.Attribute{Key: "max-message-size", Value: strconv.Itoa(e.maxMessageSize)})
		}
		return media
	}

	formats := []string{}
	for _, m := range e.RTPMaps() {
		formats = append(formats, strconv.Itoa(int(m.PayloadType)))
	}
	media.MediaName = sdp.MediaName{
		Media:   e.kind.String(),
		Port:    sdp.RangedPort{Value: 9},
		Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
		Formats: formats,
	}

	if e.direction != DirectionUnknown {
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: e.direction.String()})
	}
	media.Attributes = append(media.Attributes, sdp.Attribute{Key: "rtcp-mux"})

	for _, m := range e.RTPMaps() {
		value := fmt.Sprintf("%d %s/%d", m.PayloadType, m.Format, m.ClockRate)
		if m.EncParams != "" {
			value += "/" + m.EncParams
		}
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: "rtpmap", Value: value})
		for _, fb := range m.RTCPFbs {
			media.Attributes = append(media.Attributes,
				sdp.Attribute{Key: "rtcp-fb", Value: fmt.Sprintf("%d %s", m.PayloadType, fb)})
		}
		for _, fmtp := range m.FmtPs {
			media.Attributes = append(media.Attributes,
				sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d %s", m.PayloadType, fmtp)})
		}
	}

	for _, ssrc := range e.ssrcs {
		value := strconv.FormatUint(uint64(ssrc), 10)
		if cname := e.cnames[ssrc]; cname != "" {
			value += " cname:" + cname
		}
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: "ssrc", Value: value})
	}

	if e.bitrate > 0 {
		media.Bandwidth = append(media.Bandwidth,
			sdp.Bandwidth{Type: "AS", Bandwidth: uint64(e.bitrate)})
	}

	return media
}
