// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"

	"github.com/paullouisageneau/libdatachannel-sub000/internal/mux"
	"github.com/paullouisageneau/libdatachannel-sub000/internal/util"
)

// receiveMTU is the buffer size used when reading from the selected pair.
const receiveMTU = 8192

// defaultTrickleTimeout bounds how long connectivity checks keep going after
// the first failure. Behavioral, not normative.
const defaultTrickleTimeout = 30 * time.Second

// iceTransport gathers local candidates, runs connectivity checks against
// the remote candidates and carries datagrams for the upper transports.
type iceTransport struct {
	transport

	lock     sync.Mutex
	agent    *ice.Agent
	conn     *ice.Conn
	iceMux   *mux.Mux
	ufrag    string
	pwd      string
	gatheringState GatheringState

	onCandidate            func(*Candidate)
	onGatheringStateChange func(GatheringState)
	onICEStateChange       func(ICEState)

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
}

func newICETransport(config *Configuration, onStateChange func(TransportState), loggerFactory logging.LoggerFactory) (*iceTransport, error) {
	t := &iceTransport{
		transport:      newTransport(onStateChange),
		gatheringState: GatheringStateNew,
		loggerFactory:  loggerFactory,
		log:            loggerFactory.NewLogger("ice"),
	}

	urls, err := config.iceURLs()
	if err != nil {
		return nil, err
	}

	candidateTypes := []ice.CandidateType{
		ice.CandidateTypeHost,
		ice.CandidateTypeServerReflexive,
		ice.CandidateTypeRelay,
	}
	if config.TransportPolicy == TransportPolicyRelay {
		candidateTypes = []ice.CandidateType{ice.CandidateTypeRelay}
	}

	trickleTimeout := config.TrickleTimeout
	if trickleTimeout == 0 {
		trickleTimeout = defaultTrickleTimeout
	}

	agentConfig := &ice.AgentConfig{
		Urls:           urls,
		NetworkTypes:   []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
		CandidateTypes: candidateTypes,
		FailedTimeout:  &trickleTimeout,
		LoggerFactory:  loggerFactory,
	}
	if config.PortRangeBegin != 0 || config.PortRangeEnd != 0 {
		agentConfig.PortMin = config.PortRangeBegin
		agentConfig.PortMax = config.PortRangeEnd
	}

	agent, err := ice.NewAgent(agentConfig)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	t.agent = agent

	if err = agent.OnConnectionStateChange(func(state ice.ConnectionState) {
		iceState := newICEStateFromICE(state)
		t.lock.Lock()
		onICEState := t.onICEStateChange
		t.lock.Unlock()
		if onICEState != nil {
			onICEState(iceState)
		}
		switch iceState {
		case ICEStateConnecting:
			t.setState(TransportStateConnecting)
		case ICEStateConnected:
			t.setState(TransportStateConnected)
		case ICEStateCompleted:
			t.setState(TransportStateCompleted)
		case ICEStateFailed:
			t.setState(TransportStateFailed)
		case ICEStateDisconnected:
			t.setState(TransportStateDisconnected)
		}
	}); err != nil {
		return nil, &TransportError{Err: err}
	}

	ufrag, pwd, err := agent.GetLocalUserCredentials()
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	t.ufrag, t.pwd = ufrag, pwd

	return t, nil
}

// LocalCredentials returns the local ufrag and password for the description.
func (t *iceTransport) LocalCredentials() (string, string) {
	return t.ufrag, t.pwd
}

// GatheringState returns the candidate gathering progress.
func (t *iceTransport) GatheringState() GatheringState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.gatheringState
}

// OnCandidate sets the handler invoked for each gathered local candidate.
func (t *iceTransport) OnCandidate(f func(*Candidate)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.onCandidate = f
}

// OnICEStateChange sets the handler invoked with the raw ICE state.
func (t *iceTransport) OnICEStateChange(f func(ICEState)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.onICEStateChange = f
}

// OnGatheringStateChange sets the handler invoked on gathering progress.
func (t *iceTransport) OnGatheringStateChange(f func(GatheringState)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.onGatheringStateChange = f
}

func (t *iceTransport) setGatheringState(state GatheringState) {
	t.lock.Lock()
	if t.gatheringState == state {
		t.lock.Unlock()
		return
	}
	t.gatheringState = state
	hdlr := t.onGatheringStateChange
	t.lock.Unlock()

	if hdlr != nil {
		hdlr(state)
	}
}

// GatherLocalCandidates starts gathering. Candidates trickle through
// OnCandidate; a nil candidate from the agent marks completion.
func (t *iceTransport) GatherLocalCandidates(mid string) error {
	if err := t.agent.OnCandidate(func(iceCand ice.Candidate) {
		if iceCand == nil {
			t.setGatheringState(GatheringStateComplete)
			return
		}
		t.lock.Lock()
		hdlr := t.onCandidate
		t.lock.Unlock()
		if hdlr != nil {
			hdlr(newCandidateFromICE(iceCand, mid))
		}
	}); err != nil {
		return &TransportError{Err: err}
	}

	t.setGatheringState(GatheringStateInProgress)
	if err := t.agent.GatherCandidates(); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// AddRemoteCandidate feeds one remote candidate to the agent. Unresolved
// candidates are resolved first, with a DNS lookup only when requested.
func (t *iceTransport) AddRemoteCandidate(cand *Candidate, mode ResolveMode) error {
	if !cand.IsResolved() {
		if err := cand.Resolve(mode); err != nil {
			return err
		}
	}
	iceCand, err := cand.toICE()
	if err != nil {
		return err
	}
	if err = t.agent.AddRemoteCandidate(iceCand); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// Start runs connectivity establishment. The controlling side dials, the
// controlled side accepts. Blocking; runs on a connect goroutine.
func (t *iceTransport) Start(controlling bool, remoteUfrag, remotePwd string) error {
	t.setState(TransportStateConnecting)

	var conn *ice.Conn
	var err error
	if controlling {
		conn, err = t.agent.Dial(context.Background(), remoteUfrag, remotePwd)
	} else {
		conn, err = t.agent.Accept(context.Background(), remoteUfrag, remotePwd)
	}
	if err != nil {
		t.setState(TransportStateFailed)
		return &TransportError{Err: err}
	}

	t.lock.Lock()
	t.conn = conn
	t.iceMux = mux.NewMux(mux.Config{
		Conn:          conn,
		BufferSize:    receiveMTU,
		LoggerFactory: t.loggerFactory,
	})
	t.lock.Unlock()

	return nil
}

// NewEndpoint registers a packet classifier on the muxed selected pair.
func (t *iceTransport) NewEndpoint(f mux.MatchFunc) *mux.Endpoint {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.iceMux == nil {
		return nil
	}
	return t.iceMux.NewEndpoint(f)
}

// GetSelectedPair returns the resolved local and remote candidate currently
// carrying traffic, or nil before Connected.
func (t *iceTransport) GetSelectedPair() (*Candidate, *Candidate) {
	pair, err := t.agent.GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return nil, nil
	}
	return newCandidateFromICE(pair.Local, ""), newCandidateFromICE(pair.Remote, "")
}

// BytesSent is the number of payload bytes sent on the selected pair.
func (t *iceTransport) BytesSent() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.conn == nil {
		return 0
	}
	return uint64(t.conn.BytesSent())
}

// BytesReceived is the number of payload bytes received on the selected pair.
func (t *iceTransport) BytesReceived() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.conn == nil {
		return 0
	}
	return uint64(t.conn.BytesReceived())
}

// Stop tears down the mux and the agent. Idempotent.
func (t *iceTransport) Stop() error {
	if !t.markStopped() {
		return nil
	}

	t.lock.Lock()
	iceMux := t.iceMux
	t.iceMux = nil
	t.lock.Unlock()

	var errs []error
	if iceMux != nil {
		// Closing the mux closes the underlying ice.Conn and drains the read
		// loop.
		if err := iceMux.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.agent.Close(); err != nil {
		errs = append(errs, err)
	}

	t.setState(TransportStateDisconnected)
	if err := util.FlattenErrs(errs); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}
