// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	defaultApplicationMid = "data"
	maxStreamID           = 65534
)

// PeerConnection composes the transport stack and exposes the offer/answer
// state machine. It exclusively owns its transports. Data channels and
// tracks are shared with the user and held here by strong references: a
// channel until it is closed or the connection closes, a track until the
// connection closes.
type PeerConnection struct {
	mu sync.RWMutex

	config      Configuration
	certificate *Certificate

	signalingState  SignalingState
	connectionState PeerConnectionState

	negotiationNeeded bool
	isOfferer         bool
	rolesResolved     bool
	role              Role

	localDescription        *Description
	currentLocalDescription *Description
	remoteDescription       *Description

	// localCandidates is the source of truth for gathered candidates; local
	// descriptions carry copies, so a rollback never loses them.
	localCandidates    []*Candidate
	gatheringEnded     bool
	pendingRemoteCandidates []*Candidate

	ice  *iceTransport
	dtls *dtlsSRTPTransport
	sctp *sctpTransport

	connectivityStarted bool
	dtlsStarted         bool
	sctpStarted         bool
	closed              bool

	dataChannelsMu sync.RWMutex
	dataChannels   map[uint16]*DataChannel

	tracksMu   sync.RWMutex
	tracks     map[string]*Track
	trackOrder []string
	ssrcToMid  map[uint32]string

	unroutedMedia uint64

	onLocalDescription     func(*Description)
	onLocalCandidate       func(*Candidate)
	onStateChange          func(PeerConnectionState)
	onICEStateChange       func(ICEState)
	onGatheringStateChange func(GatheringState)
	onSignalingStateChange func(SignalingState)
	onDataChannel          func(*DataChannel)
	onTrack                func(*Track)

	ops *operations

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
}

// NewPeerConnection creates a connection with the given configuration.
func NewPeerConnection(config Configuration) (*PeerConnection, error) {
	certificate, err := MakeCertificate(config.certificateCommonName())
	if err != nil {
		return nil, err
	}

	loggerFactory := config.loggerFactory()
	pc := &PeerConnection{
		config:          config,
		certificate:     certificate,
		signalingState:  SignalingStateStable,
		connectionState: PeerConnectionStateNew,
		role:            RoleActPass,
		dataChannels:    map[uint16]*DataChannel{},
		tracks:          map[string]*Track{},
		ssrcToMid:       map[uint32]string{},
		ops:             newOperations(),
		loggerFactory:   loggerFactory,
		log:             loggerFactory.NewLogger("pc"),
	}
	return pc, nil
}

// OnLocalDescription sets the handler fired when a local description is
// ready for signaling. It is always delivered before the candidates that
// belong to it.
func (pc *PeerConnection) OnLocalDescription(f func(*Description)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onLocalDescription = f
}

// OnLocalCandidate sets the handler fired for each trickled local candidate.
func (pc *PeerConnection) OnLocalCandidate(f func(*Candidate)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onLocalCandidate = f
}

// OnStateChange sets the handler fired on connection state transitions.
func (pc *PeerConnection) OnStateChange(f func(PeerConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onStateChange = f
}

// OnICEStateChange sets the handler fired on ICE transport state changes.
func (pc *PeerConnection) OnICEStateChange(f func(ICEState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onICEStateChange = f
}

// OnGatheringStateChange sets the handler fired on gathering progress.
func (pc *PeerConnection) OnGatheringStateChange(f func(GatheringState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onGatheringStateChange = f
}

// OnSignalingStateChange sets the handler fired on signaling transitions.
func (pc *PeerConnection) OnSignalingStateChange(f func(SignalingState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onSignalingStateChange = f
}

// OnDataChannel sets the handler fired for each remotely opened channel.
func (pc *PeerConnection) OnDataChannel(f func(*DataChannel)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onDataChannel = f
}

// OnTrack sets the handler fired for each incoming track created during
// reciprocation.
func (pc *PeerConnection) OnTrack(f func(*Track)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onTrack = f
}

// SignalingState is the offer/answer exchange state.
func (pc *PeerConnection) SignalingState() SignalingState {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.signalingState
}

// State is the aggregate connection state.
func (pc *PeerConnection) State() PeerConnectionState {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.connectionState
}

// GatheringState is the local candidate gathering progress.
func (pc *PeerConnection) GatheringState() GatheringState {
	pc.mu.RLock()
	ice := pc.ice
	pc.mu.RUnlock()
	if ice == nil {
		return GatheringStateNew
	}
	return ice.GatheringState()
}

// LocalDescription returns the pending or current local description.
func (pc *PeerConnection) LocalDescription() *Description {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.localDescription
}

// CurrentLocalDescription returns the local description of the last stable
// exchange.
func (pc *PeerConnection) CurrentLocalDescription() *Description {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.currentLocalDescription
}

// RemoteDescription returns the applied remote description.
func (pc *PeerConnection) RemoteDescription() *Description {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.remoteDescription
}

// NegotiationNeeded reports whether a local change awaits an offer.
func (pc *PeerConnection) NegotiationNeeded() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.negotiationNeeded
}

// GetSelectedPair returns the candidate pair carrying traffic, or nils
// before ICE is connected.
func (pc *PeerConnection) GetSelectedPair() (*Candidate, *Candidate) {
	pc.mu.RLock()
	ice := pc.ice
	pc.mu.RUnlock()
	if ice == nil {
		return nil, nil
	}
	return ice.GetSelectedPair()
}

// ensureICETransportLocked creates the ICE transport on first use. Caller holds
// pc.mu.
func (pc *PeerConnection) ensureICETransportLocked() error {
	if pc.ice != nil {
		return nil
	}
	ice, err := newICETransport(&pc.config, pc.handleICETransportState, pc.loggerFactory)
	if err != nil {
		return err
	}
	ice.OnICEStateChange(func(state ICEState) {
		pc.mu.RLock()
		hdlr := pc.onICEStateChange
		pc.mu.RUnlock()
		if hdlr != nil {
			pc.ops.Enqueue(func() { hdlr(state) })
		}
	})
	ice.OnGatheringStateChange(func(state GatheringState) {
		if state == GatheringStateComplete {
			pc.mu.Lock()
			pc.gatheringEnded = true
			if pc.localDescription != nil {
				pc.localDescription.EndCandidates()
			}
			pc.mu.Unlock()
		}
		pc.mu.RLock()
		hdlr := pc.onGatheringStateChange
		pc.mu.RUnlock()
		if hdlr != nil {
			pc.ops.Enqueue(func() { hdlr(state) })
		}
	})
	ice.OnCandidate(func(cand *Candidate) {
		pc.mu.Lock()
		pc.localCandidates = append(pc.localCandidates, cand)
		if pc.localDescription != nil {
			pc.localDescription.AddCandidate(cand)
		}
		hdlr := pc.onLocalCandidate
		pc.mu.Unlock()
		if hdlr != nil {
			pc.ops.Enqueue(func() { hdlr(cand) })
		}
	})
	pc.ice = ice
	return nil
}

// SetLocalDescription builds and applies the local description of the given
// type. DescriptionTypeUnspec resolves to an offer in stable state and an
// answer with a remote offer pending.
func (pc *PeerConnection) SetLocalDescription(typ DescriptionType) error {
	pc.mu.Lock()

	if pc.closed {
		pc.mu.Unlock()
		return &ClosedError{Err: ErrConnectionClosed}
	}

	if typ == DescriptionTypeUnspec {
		if pc.signalingState == SignalingStateHaveRemoteOffer {
			typ = DescriptionTypeAnswer
		} else {
			typ = DescriptionTypeOffer
		}
	}

	if typ == DescriptionTypeRollback {
		return pc.rollbackLocked()
	}

	if typ == DescriptionTypeOffer && !pc.negotiationNeeded {
		pc.mu.Unlock()
		return &InvalidError{Err: ErrNegotiationNotNeeded}
	}

	nextState, err := checkNextSignalingState(pc.signalingState, stateChangeOpSetLocal, typ)
	if err != nil {
		pc.mu.Unlock()
		return err
	}

	if err = pc.ensureICETransportLocked(); err != nil {
		pc.mu.Unlock()
		return err
	}

	desc, err := pc.buildLocalDescriptionLocked(typ)
	if err != nil {
		pc.mu.Unlock()
		return err
	}

	if typ == DescriptionTypeOffer {
		pc.negotiationNeeded = false
		pc.isOfferer = true
	} else {
		pc.resolveRolesLocked(desc.Role())
	}

	pc.localDescription = desc
	pc.setSignalingStateLocked(nextState)
	if nextState == SignalingStateStable {
		pc.currentLocalDescription = desc
	}

	onLocalDescription := pc.onLocalDescription
	ice := pc.ice
	gatherMid := defaultApplicationMid
	if entries := desc.Entries(); len(entries) > 0 {
		gatherMid = entries[0].Mid()
	}
	pc.mu.Unlock()

	// The description callback always precedes its candidates; both ride
	// the serialized operations queue.
	if onLocalDescription != nil {
		pc.ops.Enqueue(func() { onLocalDescription(desc) })
	}

	if ice.GatheringState() == GatheringStateNew {
		if err = ice.GatherLocalCandidates(gatherMid); err != nil {
			return err
		}
	}

	pc.maybeStartConnectivity()
	return nil
}

// rollbackLocked restores the previous stable local description. Candidates
// are never mutated by a rollback. Called with pc.mu held; unlocks it.
func (pc *PeerConnection) rollbackLocked() error {
	nextState, err := checkNextSignalingState(pc.signalingState, stateChangeOpSetLocal, DescriptionTypeRollback)
	if err != nil {
		pc.mu.Unlock()
		return err
	}

	restored := pc.currentLocalDescription
	if restored != nil {
		// Keep candidates gathered while the rolled-back offer was pending.
		for _, cand := range pc.localCandidates[len(restored.Candidates()):] {
			restored.AddCandidate(cand)
		}
	}
	pc.localDescription = restored
	pc.isOfferer = false
	pc.negotiationNeeded = true
	pc.setSignalingStateLocked(nextState)
	pc.mu.Unlock()
	return nil
}

// buildLocalDescriptionLocked assembles the entries of a local description.
// Caller holds pc.mu.
func (pc *PeerConnection) buildLocalDescriptionLocked(typ DescriptionType) (*Description, error) {
	ufrag, pwd := pc.ice.LocalCredentials()

	role := RoleActPass
	if pc.rolesResolved {
		role = pc.role
	}
	if typ == DescriptionTypeAnswer && role == RoleActPass {
		role = RolePassive
	}

	desc := newLocalDescription(typ, role, ufrag, pwd, pc.certificate.Fingerprint())

	if typ == DescriptionTypeAnswer || typ == DescriptionTypePranswer {
		if pc.remoteDescription == nil {
			return nil, &InvalidError{Err: ErrNoRemoteDescription}
		}
		// Reciprocation: one local entry per remote m-line, same mids, same
		// order.
		for _, remote := range pc.remoteDescription.Entries() {
			local, err := pc.reciprocateEntryLocked(remote)
			if err != nil {
				return nil, err
			}
			if err = desc.AddEntry(local); err != nil {
				return nil, err
			}
		}
		for _, cand := range pc.localCandidates {
			desc.AddCandidate(cand)
		}
		if pc.gatheringEnded {
			desc.EndCandidates()
		}
		return desc, nil
	}

	// Offer: media entries in creation order, then the application entry
	// when data channels exist.
	pc.tracksMu.RLock()
	for _, mid := range pc.trackOrder {
		if track, ok := pc.tracks[mid]; ok {
			if err := desc.AddEntry(track.Description().clone()); err != nil {
				pc.tracksMu.RUnlock()
				return nil, err
			}
		}
	}
	pc.tracksMu.RUnlock()

	pc.dataChannelsMu.RLock()
	hasChannels := len(pc.dataChannels) > 0
	pc.dataChannelsMu.RUnlock()
	if hasChannels {
		app := NewApplicationEntry(defaultApplicationMid)
		app.SetMaxMessageSize(pc.config.maxMessageSize())
		if err := desc.AddEntry(app); err != nil {
			return nil, err
		}
	}

	for _, cand := range pc.localCandidates {
		desc.AddCandidate(cand)
	}
	if pc.gatheringEnded {
		desc.EndCandidates()
	}
	return desc, nil
}

// reciprocateEntryLocked builds the local mirror of a remote m-line. Caller
// holds pc.mu.
func (pc *PeerConnection) reciprocateEntryLocked(remote *Entry) (*Entry, error) {
	if remote.IsApplication() {
		app := NewApplicationEntry(remote.Mid())
		app.SetMaxMessageSize(pc.config.maxMessageSize())
		return app, nil
	}

	pc.tracksMu.RLock()
	track, exists := pc.tracks[remote.Mid()]
	pc.tracksMu.RUnlock()
	if exists {
		return track.Description().clone(), nil
	}

	local := remote.clone()
	local.SetDirection(remote.Direction().reverse())
	return local, nil
}

// SetRemoteDescription validates and applies a remote description.
func (pc *PeerConnection) SetRemoteDescription(desc *Description) error {
	if err := pc.validateRemoteDescription(desc); err != nil {
		return err
	}

	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return &ClosedError{Err: ErrConnectionClosed}
	}

	nextState, err := checkNextSignalingState(pc.signalingState, stateChangeOpSetRemote, desc.Type())
	if err != nil {
		pc.mu.Unlock()
		return err
	}

	if pc.signalingState == SignalingStateHaveLocalOffer && desc.Type() == DescriptionTypeOffer {
		// Implicit rollback, the remote offer wins over ours.
		pc.localDescription = pc.currentLocalDescription
		pc.isOfferer = false
		pc.negotiationNeeded = true
	}

	if err = pc.ensureICETransportLocked(); err != nil {
		pc.mu.Unlock()
		return err
	}

	pc.remoteDescription = desc
	if desc.Type() == DescriptionTypeAnswer {
		pc.resolveRolesLocked(desc.Role().remoteToLocal())
	}
	pc.rebuildSSRCTableLocked()
	pc.setSignalingStateLocked(nextState)
	if nextState == SignalingStateStable {
		pc.currentLocalDescription = pc.localDescription
	}

	ice := pc.ice
	resolveMode := pc.config.ResolveMode
	pending := pc.pendingRemoteCandidates
	pc.pendingRemoteCandidates = nil
	autoAnswer := desc.Type() == DescriptionTypeOffer && !pc.config.DisableAutoNegotiation
	pc.mu.Unlock()

	if desc.Type() == DescriptionTypeOffer {
		pc.createIncomingTracks(desc)
	}

	for _, cand := range append(pending, desc.Candidates()...) {
		if err := ice.AddRemoteCandidate(cand, resolveMode); err != nil {
			pc.log.Warnf("dropping remote candidate: %v", err)
		}
	}

	if autoAnswer {
		if err := pc.SetLocalDescription(DescriptionTypeAnswer); err != nil {
			return err
		}
	}

	pc.maybeStartConnectivity()

	// A change made while the exchange was in flight still needs its offer.
	pc.mu.RLock()
	renegotiate := nextState == SignalingStateStable && pc.negotiationNeeded &&
		!pc.config.DisableAutoNegotiation
	pc.mu.RUnlock()
	if renegotiate {
		pc.ops.Enqueue(func() {
			pc.mu.RLock()
			needed := pc.negotiationNeeded && pc.signalingState == SignalingStateStable && !pc.closed
			pc.mu.RUnlock()
			if needed {
				if err := pc.SetLocalDescription(DescriptionTypeOffer); err != nil {
					pc.log.Warnf("renegotiation offer failed: %v", err)
				}
			}
		})
	}
	return nil
}

// remoteToLocal inverts the remote setup role into ours.
func (r Role) remoteToLocal() Role {
	switch r {
	case RoleActive:
		return RolePassive
	case RolePassive:
		return RoleActive
	default:
		return RoleActPass
	}
}

func (pc *PeerConnection) validateRemoteDescription(desc *Description) error {
	if desc == nil {
		return &InvalidError{Err: ErrInvalidDescription}
	}
	if desc.ICEUfrag() == "" || desc.ICEPwd() == "" {
		return &InvalidError{Err: fmt.Errorf("%w: missing ICE credentials", ErrInvalidDescription)}
	}
	if desc.Fingerprint() == "" {
		return &InvalidError{Err: ErrNoFingerprint}
	}
	entries := desc.Entries()
	if len(entries) == 0 {
		return &InvalidError{Err: fmt.Errorf("%w: no m-line", ErrInvalidDescription)}
	}
	active := false
	for _, e := range entries {
		if e.IsApplication() || e.Direction() != DirectionInactive {
			active = true
			break
		}
	}
	if !active {
		return &InvalidError{Err: fmt.Errorf("%w: no active m-line", ErrInvalidDescription)}
	}

	pc.mu.RLock()
	ice := pc.ice
	pc.mu.RUnlock()
	if ice != nil {
		ufrag, pwd := ice.LocalCredentials()
		if desc.ICEUfrag() == ufrag && desc.ICEPwd() == pwd {
			return &InvalidError{Err: ErrConnectionToSelf}
		}
	}
	return nil
}

// resolveRolesLocked pins the DTLS role once negotiation answers. Shifting
// to the active role moves unopened auto-allocated channels from odd to even
// stream ids. Caller holds pc.mu.
func (pc *PeerConnection) resolveRolesLocked(role Role) {
	if role == RoleActPass {
		return
	}
	wasResolved := pc.rolesResolved
	pc.rolesResolved = true
	pc.role = role

	if !wasResolved && role == RoleActive {
		pc.shiftStreamIDs()
	}
}

// shiftStreamIDs reassigns odd ids down by one on channels whose Open has
// not been observed. User-pinned ids are left alone.
func (pc *PeerConnection) shiftStreamIDs() {
	pc.dataChannelsMu.Lock()
	defer pc.dataChannelsMu.Unlock()

	shifted := map[uint16]*DataChannel{}
	for stream, channel := range pc.dataChannels {
		if channel.userPinnedID() || channel.IsOpen() || channel.IsClosed() || stream%2 == 0 {
			shifted[stream] = channel
			continue
		}
		channel.setStream(stream - 1)
		shifted[stream-1] = channel
	}
	pc.dataChannels = shifted
}

// AddRemoteCandidate feeds a trickled remote candidate. Candidates arriving
// before the remote description are buffered.
func (pc *PeerConnection) AddRemoteCandidate(cand *Candidate) error {
	if cand == nil {
		return &InvalidError{Err: ErrInvalidCandidate}
	}

	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return &ClosedError{Err: ErrConnectionClosed}
	}
	if pc.ice == nil || pc.remoteDescription == nil {
		pc.pendingRemoteCandidates = append(pc.pendingRemoteCandidates, cand)
		pc.mu.Unlock()
		return nil
	}
	ice := pc.ice
	resolveMode := pc.config.ResolveMode
	pc.mu.Unlock()

	return ice.AddRemoteCandidate(cand, resolveMode)
}

// maybeStartConnectivity launches the ICE handshake once both descriptions
// are in place.
func (pc *PeerConnection) maybeStartConnectivity() {
	pc.mu.Lock()
	if pc.closed || pc.connectivityStarted || pc.localDescription == nil || pc.remoteDescription == nil {
		pc.mu.Unlock()
		return
	}
	pc.connectivityStarted = true
	ice := pc.ice
	controlling := pc.isOfferer
	remoteUfrag := pc.remoteDescription.ICEUfrag()
	remotePwd := pc.remoteDescription.ICEPwd()
	pc.mu.Unlock()

	go func() {
		if err := ice.Start(controlling, remoteUfrag, remotePwd); err != nil {
			pc.log.Warnf("ICE failed: %v", err)
		}
	}()
}

// handleICETransportState reacts to the ICE state machine: DTLS starts on
// Connected, failures cascade.
func (pc *PeerConnection) handleICETransportState(state TransportState) {
	switch state {
	case TransportStateConnected, TransportStateCompleted:
		pc.startDTLS()
	}
	pc.updateConnectionState()
}

// startDTLS creates and starts the DTLS transport once ICE is up.
func (pc *PeerConnection) startDTLS() {
	pc.mu.Lock()
	if pc.closed || pc.dtlsStarted || pc.ice == nil {
		pc.mu.Unlock()
		return
	}
	pc.dtlsStarted = true

	remoteFingerprint := ""
	if pc.remoteDescription != nil {
		remoteFingerprint = pc.remoteDescription.Fingerprint()
	}
	verifier := func(fp string) bool {
		return strings.EqualFold(fp, remoteFingerprint)
	}

	isClient := pc.rolesResolved && pc.role == RoleActive
	dtls := newDTLSSRTPTransport(pc.ice, pc.certificate, isClient, verifier, pc.config.MTU,
		pc.handleDTLSTransportState, pc.forwardMedia, pc.loggerFactory)
	pc.dtls = dtls
	pc.mu.Unlock()

	go func() {
		if err := dtls.Start(); err != nil {
			pc.log.Warnf("DTLS failed: %v", err)
		}
	}()
}

// handleDTLSTransportState opens tracks and starts SCTP once the handshake
// finishes.
func (pc *PeerConnection) handleDTLSTransportState(state TransportState) {
	if state == TransportStateConnected {
		pc.openTracks()
		pc.startSCTP()
	}
	pc.updateConnectionState()
}

// startSCTP creates the SCTP transport when both descriptions negotiated an
// application entry.
func (pc *PeerConnection) startSCTP() {
	pc.mu.Lock()
	if pc.closed || pc.sctpStarted || pc.dtls == nil {
		pc.mu.Unlock()
		return
	}
	if pc.localDescription == nil || !pc.localDescription.HasApplication() ||
		pc.remoteDescription == nil || !pc.remoteDescription.HasApplication() {
		pc.mu.Unlock()
		return
	}
	pc.sctpStarted = true
	sctp := newSCTPTransport(pc.dtls.dtlsTransport, pc.maxMessageSizeLocked(),
		pc.handleSCTPTransportState, pc.forwardMessage, pc.loggerFactory)
	pc.sctp = sctp
	pc.mu.Unlock()

	go func() {
		if err := sctp.Start(); err != nil {
			pc.log.Warnf("SCTP failed: %v", err)
		}
	}()
}

// handleSCTPTransportState opens pending data channels once the association
// is up.
func (pc *PeerConnection) handleSCTPTransportState(state TransportState) {
	if state == TransportStateConnected {
		pc.openPendingDataChannels()
	}
	pc.updateConnectionState()
}

func (pc *PeerConnection) openPendingDataChannels() {
	pc.dataChannelsMu.RLock()
	channels := make([]*DataChannel, 0, len(pc.dataChannels))
	for _, channel := range pc.dataChannels {
		channels = append(channels, channel)
	}
	pc.dataChannelsMu.RUnlock()

	for _, channel := range channels {
		if err := channel.openOutgoing(); err != nil {
			pc.log.Warnf("opening data channel %d: %v", channel.Stream(), err)
		}
	}
}

func (pc *PeerConnection) openTracks() {
	pc.tracksMu.RLock()
	tracks := make([]*Track, 0, len(pc.tracks))
	for _, track := range pc.tracks {
		tracks = append(tracks, track)
	}
	pc.tracksMu.RUnlock()

	for _, track := range tracks {
		track.markOpen()
	}
}

// updateConnectionState recomputes the aggregate state from the transports.
func (pc *PeerConnection) updateConnectionState() {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}

	var states []TransportState
	if pc.ice != nil {
		states = append(states, pc.ice.State())
	}
	if pc.dtls != nil {
		states = append(states, pc.dtls.State())
	}
	if pc.sctp != nil {
		states = append(states, pc.sctp.State())
	}

	next := pc.connectionState
	switch {
	case anyState(states, TransportStateFailed):
		next = PeerConnectionStateFailed
	case anyState(states, TransportStateConnecting):
		next = PeerConnectionStateConnecting
	case len(states) > 0 && allConnected(states):
		next = PeerConnectionStateConnected
	case pc.connectionState == PeerConnectionStateConnected &&
		anyState(states, TransportStateDisconnected):
		next = PeerConnectionStateDisconnected
	}

	if next == pc.connectionState {
		pc.mu.Unlock()
		return
	}
	pc.connectionState = next
	hdlr := pc.onStateChange
	pc.mu.Unlock()

	if hdlr != nil {
		pc.ops.Enqueue(func() { hdlr(next) })
	}
}

func anyState(states []TransportState, target TransportState) bool {
	for _, s := range states {
		if s == target {
			return true
		}
	}
	return false
}

func allConnected(states []TransportState) bool {
	for _, s := range states {
		if s != TransportStateConnected && s != TransportStateCompleted {
			return false
		}
	}
	return true
}

func (pc *PeerConnection) setSignalingStateLocked(state SignalingState) {
	if pc.signalingState == state {
		return
	}
	pc.signalingState = state
	hdlr := pc.onSignalingStateChange
	if hdlr != nil {
		pc.ops.Enqueue(func() { hdlr(state) })
	}
}

// CreateDataChannel creates a channel and flips negotiation-needed. With
// auto-negotiation an offer follows; negotiated channels skip DCEP.
func (pc *PeerConnection) CreateDataChannel(label string, init *DataChannelInit) (*DataChannel, error) {
	if init == nil {
		init = &DataChannelInit{}
	}

	reliability := &Reliability{Unordered: init.Unordered}
	if init.MaxPacketLifeTime != nil && init.MaxRetransmits != nil {
		return nil, &InvalidError{Err: ErrReliabilityBothSet}
	}
	if init.MaxRetransmits != nil {
		n := *init.MaxRetransmits
		reliability.MaxRetransmits = &n
	}
	if init.MaxPacketLifeTime != nil {
		d := millisecondsToDuration(*init.MaxPacketLifeTime)
		reliability.MaxPacketLifeTime = &d
	}

	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil, &ClosedError{Err: ErrConnectionClosed}
	}
	role := RolePassive
	if pc.rolesResolved {
		role = pc.role
	}
	pc.mu.Unlock()

	pc.dataChannelsMu.Lock()
	var stream uint16
	if init.ID != nil {
		stream = *init.ID
		if stream > maxStreamID {
			pc.dataChannelsMu.Unlock()
			return nil, &InvalidError{Err: ErrStreamIDInvalid}
		}
		if _, used := pc.dataChannels[stream]; used {
			pc.dataChannelsMu.Unlock()
			return nil, &InvalidError{Err: ErrStreamsExhausted}
		}
	} else {
		var err error
		stream, err = pc.allocateStreamIDLocked(role)
		if err != nil {
			pc.dataChannelsMu.Unlock()
			return nil, err
		}
	}

	channel := newDataChannel(pc, stream, label, init.Protocol, reliability,
		init.Negotiated, true, pc.loggerFactory)
	channel.pinnedID = init.ID != nil
	pc.dataChannels[stream] = channel
	pc.dataChannelsMu.Unlock()

	pc.mu.Lock()
	pc.negotiationNeeded = true
	autoOffer := !pc.config.DisableAutoNegotiation && pc.signalingState == SignalingStateStable &&
		!pc.sctpStarted
	sctpUp := pc.sctp != nil && pc.sctp.State() == TransportStateConnected
	pc.mu.Unlock()

	if sctpUp {
		if err := channel.openOutgoing(); err != nil {
			return nil, err
		}
	} else if autoOffer {
		if err := pc.SetLocalDescription(DescriptionTypeOffer); err != nil {
			return nil, err
		}
	}

	return channel, nil
}

// allocateStreamIDLocked walks even ids for the active role and odd ids for
// the passive role up to 65534. Caller holds dataChannelsMu.
func (pc *PeerConnection) allocateStreamIDLocked(role Role) (uint16, error) {
	var stream uint16
	if role == RolePassive {
		stream = 1
	}
	for ; stream <= maxStreamID; stream += 2 {
		if _, used := pc.dataChannels[stream]; !used {
			return stream, nil
		}
		if stream > maxStreamID-2 {
			break
		}
	}
	return 0, &ResourceError{Err: ErrStreamsExhausted}
}

// AddTrack declares an outgoing media m-line and returns its track.
func (pc *PeerConnection) AddTrack(entry *Entry) (*Track, error) {
	if entry == nil || entry.IsApplication() {
		return nil, &InvalidError{Err: ErrMediaNotSupported}
	}

	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil, &ClosedError{Err: ErrConnectionClosed}
	}
	pc.mu.Unlock()

	pc.tracksMu.Lock()
	if _, exists := pc.tracks[entry.Mid()]; exists {
		pc.tracksMu.Unlock()
		return nil, &InvalidError{Err: fmt.Errorf("%w: duplicate mid %q", ErrInvalidDescription, entry.Mid())}
	}
	track := newTrack(pc, entry, pc.loggerFactory)
	pc.tracks[entry.Mid()] = track
	pc.trackOrder = append(pc.trackOrder, entry.Mid())
	for _, ssrc := range entry.SSRCs() {
		pc.ssrcToMid[ssrc] = entry.Mid()
	}
	pc.tracksMu.Unlock()

	pc.mu.Lock()
	pc.negotiationNeeded = true
	autoOffer := !pc.config.DisableAutoNegotiation && pc.signalingState == SignalingStateStable
	dtlsUp := pc.dtls != nil && pc.dtls.State() == TransportStateConnected
	pc.mu.Unlock()

	if dtlsUp {
		track.markOpen()
	}
	if autoOffer {
		if err := pc.SetLocalDescription(DescriptionTypeOffer); err != nil {
			return nil, err
		}
	}
	return track, nil
}

// createIncomingTracks builds tracks for remote media entries that have no
// local counterpart, firing OnTrack for each.
func (pc *PeerConnection) createIncomingTracks(desc *Description) {
	for _, remote := range desc.Entries() {
		if remote.IsApplication() {
			continue
		}

		pc.tracksMu.Lock()
		if _, exists := pc.tracks[remote.Mid()]; exists {
			pc.tracksMu.Unlock()
			continue
		}
		local := remote.clone()
		local.SetDirection(remote.Direction().reverse())
		track := newTrack(pc, local, pc.loggerFactory)
		track.SetIncomingMediaHandler(NewRTCPReceivingSession())
		pc.tracks[remote.Mid()] = track
		pc.trackOrder = append(pc.trackOrder, remote.Mid())
		pc.tracksMu.Unlock()

		pc.mu.RLock()
		hdlr := pc.onTrack
		dtlsUp := pc.dtls != nil && pc.dtls.State() == TransportStateConnected
		pc.mu.RUnlock()

		if dtlsUp {
			track.markOpen()
		}
		if hdlr != nil {
			pc.ops.Enqueue(func() { hdlr(track) })
		}
	}
}

// rebuildSSRCTableLocked refreshes the SSRC to mid routing table from the
// remote description. Caller holds pc.mu.
func (pc *PeerConnection) rebuildSSRCTableLocked() {
	if pc.remoteDescription == nil {
		return
	}
	pc.tracksMu.Lock()
	for _, entry := range pc.remoteDescription.Entries() {
		for _, ssrc := range entry.SSRCs() {
			pc.ssrcToMid[ssrc] = entry.Mid()
		}
	}
	pc.tracksMu.Unlock()
}

// forwardMessage routes one SCTP message to its data channel, creating
// remotely initiated channels on DCEP OPEN.
func (pc *PeerConnection) forwardMessage(msg *Message) {
	pc.dataChannelsMu.RLock()
	channel, ok := pc.dataChannels[msg.Stream]
	pc.dataChannelsMu.RUnlock()

	if ok {
		channel.handleMessage(msg)
		return
	}

	if msg.Kind != MessageKindControl || len(msg.Data) == 0 || msg.Data[0] != dcepMessageOpen {
		return
	}
	channel = pc.acceptDataChannel(msg)
	if channel == nil {
		return
	}

	// Parse the OPEN (which also sends the ACK) before the user sees the
	// channel, so label and reliability are populated.
	channel.handleMessage(msg)

	pc.mu.RLock()
	hdlr := pc.onDataChannel
	pc.mu.RUnlock()
	if hdlr != nil {
		pc.ops.Enqueue(func() { hdlr(channel) })
	}
}

// acceptDataChannel creates the channel for a remote DCEP OPEN after
// checking stream parity.
func (pc *PeerConnection) acceptDataChannel(msg *Message) *DataChannel {
	pc.mu.RLock()
	role := pc.role
	rolesResolved := pc.rolesResolved
	sctp := pc.sctp
	pc.mu.RUnlock()

	// The remote uses the opposite parity: even ids for the active side.
	if rolesResolved {
		remoteEven := role == RolePassive
		if remoteEven != (msg.Stream%2 == 0) {
			pc.log.Warnf("DCEP OPEN with wrong stream parity on %d", msg.Stream)
			if sctp != nil {
				_ = sctp.CloseStream(msg.Stream)
			}
			return nil
		}
	}

	channel := newDataChannel(pc, msg.Stream, "", "", &Reliability{}, false, false, pc.loggerFactory)

	pc.dataChannelsMu.Lock()
	pc.dataChannels[msg.Stream] = channel
	pc.dataChannelsMu.Unlock()

	return channel
}

// forwardMedia routes one unprotected media message to a track: by SSRC,
// then payload type; RTCP compound packets fan out to every SSRC they
// mention.
func (pc *PeerConnection) forwardMedia(msg *Message) {
	if msg.Kind == MessageKindControl {
		pc.forwardRTCP(msg)
		return
	}

	header := &rtp.Header{}
	if _, err := header.Unmarshal(msg.Data); err != nil {
		pc.countUnrouted()
		return
	}

	if track := pc.trackForSSRC(header.SSRC); track != nil {
		track.handleIncoming(msg)
		return
	}
	if track := pc.trackForPayloadType(header.PayloadType); track != nil {
		track.handleIncoming(msg)
		return
	}
	pc.countUnrouted()
}

func (pc *PeerConnection) forwardRTCP(msg *Message) {
	packets, err := rtcp.Unmarshal(msg.Data)
	if err != nil {
		pc.countUnrouted()
		return
	}

	delivered := map[*Track]bool{}
	for _, packet := range packets {
		for _, ssrc := range packet.DestinationSSRC() {
			if track := pc.trackForSSRC(ssrc); track != nil && !delivered[track] {
				delivered[track] = true
				track.handleIncoming(msg)
			}
		}
	}
	if len(delivered) == 0 {
		pc.countUnrouted()
	}
}

func (pc *PeerConnection) trackForSSRC(ssrc uint32) *Track {
	pc.tracksMu.RLock()
	defer pc.tracksMu.RUnlock()
	mid, ok := pc.ssrcToMid[ssrc]
	if !ok {
		return nil
	}
	return pc.tracks[mid]
}

func (pc *PeerConnection) trackForPayloadType(pt uint8) *Track {
	pc.tracksMu.RLock()
	defer pc.tracksMu.RUnlock()
	for _, mid := range pc.trackOrder {
		track := pc.tracks[mid]
		if track == nil {
			continue
		}
		if _, ok := track.Description().RTPMapForPayloadType(pt); ok {
			return track
		}
	}
	return nil
}

func (pc *PeerConnection) countUnrouted() {
	pc.mu.Lock()
	pc.unroutedMedia++
	pc.mu.Unlock()
}

// sendDataMessage hands one message to SCTP.
func (pc *PeerConnection) sendDataMessage(msg *Message) error {
	pc.mu.RLock()
	sctp := pc.sctp
	pc.mu.RUnlock()
	if sctp == nil {
		return &TransportError{Err: ErrTransportNotStarted}
	}
	return sctp.Send(msg)
}

// sendMedia protects and sends one media message.
func (pc *PeerConnection) sendMedia(msg *Message) error {
	pc.mu.RLock()
	dtls := pc.dtls
	pc.mu.RUnlock()
	if dtls == nil {
		return &TransportError{Err: ErrTransportNotStarted}
	}
	return dtls.SendMedia(msg)
}

func (pc *PeerConnection) closeDataStream(stream uint16) error {
	pc.dataChannelsMu.Lock()
	delete(pc.dataChannels, stream)
	pc.dataChannelsMu.Unlock()

	pc.mu.RLock()
	sctp := pc.sctp
	pc.mu.RUnlock()
	if sctp == nil {
		return nil
	}
	return sctp.CloseStream(stream)
}

func (pc *PeerConnection) bufferedAmount(stream uint16) uint64 {
	pc.mu.RLock()
	sctp := pc.sctp
	pc.mu.RUnlock()
	if sctp == nil {
		return 0
	}
	return sctp.BufferedAmount(stream)
}

func (pc *PeerConnection) setBufferedAmountLowThreshold(stream uint16, threshold uint64, f func()) {
	pc.mu.RLock()
	sctp := pc.sctp
	pc.mu.RUnlock()
	if sctp == nil {
		return
	}
	sctp.SetBufferedAmountLowThreshold(stream, threshold, f)
}

func (pc *PeerConnection) maxMessageSize() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.maxMessageSizeLocked()
}

// maxMessageSizeLocked is the effective limit: the minimum of ours and the
// remote advertisement. Caller holds pc.mu.
func (pc *PeerConnection) maxMessageSizeLocked() int {
	size := pc.config.maxMessageSize()
	if pc.remoteDescription != nil {
		if app, ok := pc.remoteDescription.Application(); ok && app.MaxMessageSize() > 0 &&
			app.MaxMessageSize() < size {
			size = app.MaxMessageSize()
		}
	}
	return size
}

// Close transitions to Closed immediately, resets callbacks and schedules
// ordered teardown SCTP then DTLS then ICE on a worker. Idempotent and
// always successful.
func (pc *PeerConnection) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	pc.connectionState = PeerConnectionStateClosed

	pc.onLocalDescription = nil
	pc.onLocalCandidate = nil
	pc.onStateChange = nil
	pc.onICEStateChange = nil
	pc.onGatheringStateChange = nil
	pc.onSignalingStateChange = nil
	pc.onDataChannel = nil
	pc.onTrack = nil

	sctp := pc.sctp
	dtls := pc.dtls
	ice := pc.ice
	pc.sctp = nil
	pc.dtls = nil
	pc.ice = nil
	pc.mu.Unlock()

	pc.dataChannelsMu.Lock()
	channels := pc.dataChannels
	pc.dataChannels = map[uint16]*DataChannel{}
	pc.dataChannelsMu.Unlock()
	for _, channel := range channels {
		channel.detach()
	}

	pc.tracksMu.Lock()
	tracks := pc.tracks
	pc.tracks = map[string]*Track{}
	pc.trackOrder = nil
	pc.tracksMu.Unlock()
	for _, track := range tracks {
		track.detach()
	}

	// Teardown runs on a worker in strict SCTP, DTLS, ICE order; Close
	// itself does not block.
	go func() {
		if sctp != nil {
			_ = sctp.Stop()
		}
		if dtls != nil {
			_ = dtls.Stop()
		}
		if ice != nil {
			_ = ice.Stop()
		}
		pc.ops.GracefulClose()
	}()
	return nil
}

func millisecondsToDuration(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
