// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 30 * time.Second

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func closePairNow(t testing.TB, pc1, pc2 *PeerConnection) {
	t.Helper()
	assert.NoError(t, pc1.Close())
	assert.NoError(t, pc2.Close())
}

func newPair(t *testing.T, config Configuration) (*PeerConnection, *PeerConnection) {
	t.Helper()
	pc1, err := NewPeerConnection(config)
	require.NoError(t, err)
	pc2, err := NewPeerConnection(config)
	require.NoError(t, err)
	return pc1, pc2
}

// wirePair ferries descriptions and candidates between two in-process
// connections through their callbacks, reparsing the SDP on the way as a
// real signaling channel would.
func wirePair(t *testing.T, pc1, pc2 *PeerConnection) {
	t.Helper()
	wireOneWay(t, pc1, pc2, false)
	wireOneWay(t, pc2, pc1, false)
}

// wirePairManual additionally answers received offers, for connections
// running with auto-negotiation disabled.
func wirePairManual(t *testing.T, pc1, pc2 *PeerConnection) {
	t.Helper()
	wireOneWay(t, pc1, pc2, true)
	wireOneWay(t, pc2, pc1, true)
}

func wireOneWay(t *testing.T, from, to *PeerConnection, manualAnswer bool) {
	t.Helper()
	from.OnLocalDescription(func(desc *Description) {
		reparsed, err := NewDescription(desc.ToSDP(), desc.Type())
		assert.NoError(t, err)
		assert.NoError(t, to.SetRemoteDescription(reparsed))
		if manualAnswer && reparsed.Type() == DescriptionTypeOffer {
			assert.NoError(t, to.SetLocalDescription(DescriptionTypeAnswer))
		}
	})
	from.OnLocalCandidate(func(cand *Candidate) {
		remote, err := NewCandidate(cand.ToSDP(), cand.Mid())
		assert.NoError(t, err)
		assert.NoError(t, to.AddRemoteCandidate(remote))
	})
}

func onceClosed(ch chan struct{}) func() {
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func TestPeerConnectionDataChannelRoundTrip(t *testing.T) {
	pc1, pc2 := newPair(t, Configuration{})
	wirePair(t, pc1, pc2)

	pc1Connected := make(chan struct{})
	pc2Connected := make(chan struct{})
	pc1.OnStateChange(func(state PeerConnectionState) {
		if state == PeerConnectionStateConnected {
			onceClosed(pc1Connected)()
		}
	})
	pc2.OnStateChange(func(state PeerConnectionState) {
		if state == PeerConnectionStateConnected {
			onceClosed(pc2Connected)()
		}
	})

	received2 := make(chan string, 1)
	channel2Ready := make(chan struct{})
	var channel2 *DataChannel
	pc2.OnDataChannel(func(channel *DataChannel) {
		assert.Equal(t, "test", channel.Label())
		channel2 = channel
		channel.OnMessage(func(msg *Message) {
			received2 <- string(msg.Data)
		})
		close(channel2Ready)
	})

	channel1, err := pc1.CreateDataChannel("test", nil)
	require.NoError(t, err)

	channel1Open := make(chan struct{})
	channel1.OnOpen(onceClosed(channel1Open))

	received1 := make(chan string, 1)
	channel1.OnMessage(func(msg *Message) {
		received1 <- string(msg.Data)
	})

	waitFor(t, pc1Connected, "first connection")
	waitFor(t, pc2Connected, "second connection")
	waitFor(t, channel1Open, "channel open")
	waitFor(t, channel2Ready, "remote channel")

	assert.True(t, channel1.IsOpen())
	assert.True(t, channel2.IsOpen())

	// Stream parity: we offered, the answer resolved us active, ids are
	// even.
	assert.Equal(t, uint16(0), channel1.Stream()%2)
	assert.Equal(t, channel1.Stream(), channel2.Stream())

	assert.NoError(t, channel1.SendText("Hello from 1"))
	select {
	case msg := <-received2:
		assert.Equal(t, "Hello from 1", msg)
	case <-time.After(testTimeout):
		t.Fatal("no message on second peer")
	}

	assert.NoError(t, channel2.SendText("Hello from 2"))
	select {
	case msg := <-received1:
		assert.Equal(t, "Hello from 2", msg)
	case <-time.After(testTimeout):
		t.Fatal("no message on first peer")
	}

	closePairNow(t, pc1, pc2)
	assert.Equal(t, PeerConnectionStateClosed, pc1.State())
}

func TestPeerConnectionNegotiatedDataChannel(t *testing.T) {
	config := Configuration{DisableAutoNegotiation: true}
	pc1, pc2 := newPair(t, config)
	wirePairManual(t, pc1, pc2)

	id := uint16(1)
	channel1, err := pc1.CreateDataChannel("negotiated", &DataChannelInit{Negotiated: true, ID: &id})
	require.NoError(t, err)
	channel2, err := pc2.CreateDataChannel("negotiated", &DataChannelInit{Negotiated: true, ID: &id})
	require.NoError(t, err)

	open1 := make(chan struct{})
	open2 := make(chan struct{})
	channel1.OnOpen(onceClosed(open1))
	channel2.OnOpen(onceClosed(open2))

	received := make(chan string, 1)
	channel2.OnMessage(func(msg *Message) {
		received <- string(msg.Data)
	})

	// Manual offer/answer; auto-negotiation is off.
	require.NoError(t, pc1.SetLocalDescription(DescriptionTypeOffer))

	waitFor(t, open1, "first negotiated channel")
	waitFor(t, open2, "second negotiated channel")

	assert.NoError(t, channel1.SendText("Hello from negotiated channel"))
	select {
	case msg := <-received:
		assert.Equal(t, "Hello from negotiated channel", msg)
	case <-time.After(testTimeout):
		t.Fatal("no message on negotiated channel")
	}

	closePairNow(t, pc1, pc2)
}

func TestPeerConnectionReliabilityVariants(t *testing.T) {
	pc1, pc2 := newPair(t, Configuration{})
	wirePair(t, pc1, pc2)

	lifetime := uint32(222)
	retransmits := uint32(2)
	inits := map[string]*DataChannelInit{
		"reliable_ordered":             {},
		"reliable_unordered":           {Unordered: true},
		"unreliable_maxpacketlifetime": {Unordered: true, MaxPacketLifeTime: &lifetime},
		"unreliable_maxretransmits":    {Unordered: true, MaxRetransmits: &retransmits},
	}

	var observedMu sync.Mutex
	observed := map[string]*Reliability{}
	allObserved := make(chan struct{})
	pc2.OnDataChannel(func(channel *DataChannel) {
		observedMu.Lock()
		defer observedMu.Unlock()
		label := channel.Label()
		_, duplicate := observed[label]
		assert.False(t, duplicate, "label %q observed twice", label)
		observed[label] = channel.Reliability()
		if len(observed) == len(inits) {
			close(allObserved)
		}
	})

	for label, init := range inits {
		_, err := pc1.CreateDataChannel(label, init)
		require.NoError(t, err)
	}

	waitFor(t, allObserved, "all reliability channels")

	observedMu.Lock()
	defer observedMu.Unlock()

	rel := observed["reliable_ordered"]
	assert.False(t, rel.Unordered)
	assert.Nil(t, rel.MaxPacketLifeTime)
	assert.Nil(t, rel.MaxRetransmits)

	rel = observed["reliable_unordered"]
	assert.True(t, rel.Unordered)
	assert.Nil(t, rel.MaxPacketLifeTime)
	assert.Nil(t, rel.MaxRetransmits)

	rel = observed["unreliable_maxpacketlifetime"]
	assert.True(t, rel.Unordered)
	require.NotNil(t, rel.MaxPacketLifeTime)
	assert.Equal(t, 222*time.Millisecond, *rel.MaxPacketLifeTime)
	assert.Nil(t, rel.MaxRetransmits)

	rel = observed["unreliable_maxretransmits"]
	assert.True(t, rel.Unordered)
	assert.Nil(t, rel.MaxPacketLifeTime)
	require.NotNil(t, rel.MaxRetransmits)
	assert.Equal(t, uint32(2), *rel.MaxRetransmits)

	closePairNow(t, pc1, pc2)
}

func TestPeerConnectionEmptyMessageRoundTrip(t *testing.T) {
	pc1, pc2 := newPair(t, Configuration{})
	wirePair(t, pc1, pc2)

	type observed struct {
		kind MessageKind
		size int
	}
	received := make(chan observed, 2)
	pc2.OnDataChannel(func(channel *DataChannel) {
		channel.OnMessage(func(msg *Message) {
			received <- observed{kind: msg.Kind, size: len(msg.Data)}
		})
	})

	channel, err := pc1.CreateDataChannel("empty", nil)
	require.NoError(t, err)
	open := make(chan struct{})
	channel.OnOpen(onceClosed(open))
	waitFor(t, open, "channel open")

	assert.NoError(t, channel.SendText(""))
	assert.NoError(t, channel.Send(nil))

	for _, want := range []observed{
		{kind: MessageKindString, size: 0},
		{kind: MessageKindBinary, size: 0},
	} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(testTimeout):
			t.Fatal("empty message did not arrive")
		}
	}

	closePairNow(t, pc1, pc2)
}

func TestPeerConnectionTrackRenegotiation(t *testing.T) {
	pc1, pc2 := newPair(t, Configuration{})
	wirePair(t, pc1, pc2)

	trackMids := make(chan string, 2)
	pc2.OnTrack(func(track *Track) {
		trackMids <- track.Mid()
	})

	video := NewMediaEntry(EntryKindVideo, "test", DirectionSendOnly)
	video.AddVideoCodec(96, "H264", 90000)
	video.AddSSRC(1001, "video-stream")
	_, err := pc1.AddTrack(video)
	require.NoError(t, err)

	select {
	case mid := <-trackMids:
		assert.Equal(t, "test", mid)
	case <-time.After(testTimeout):
		t.Fatal("no track from first negotiation")
	}

	added := NewMediaEntry(EntryKindVideo, "added", DirectionSendOnly)
	added.AddVideoCodec(96, "H264", 90000)
	added.AddSSRC(1002, "video-stream-2")
	_, err = pc1.AddTrack(added)
	require.NoError(t, err)

	select {
	case mid := <-trackMids:
		assert.Equal(t, "added", mid)
	case <-time.After(testTimeout):
		t.Fatal("no track from renegotiation")
	}

	closePairNow(t, pc1, pc2)
}

func TestPeerConnectionRollback(t *testing.T) {
	config := Configuration{DisableAutoNegotiation: true}
	pc1, pc2 := newPair(t, config)
	wirePairManual(t, pc1, pc2)

	channel, err := pc1.CreateDataChannel("test", nil)
	require.NoError(t, err)
	open := make(chan struct{})
	channel.OnOpen(onceClosed(open))

	require.NoError(t, pc1.SetLocalDescription(DescriptionTypeOffer))
	waitFor(t, open, "channel open")

	stable := pc1.CurrentLocalDescription()
	require.NotNil(t, stable)
	assert.Equal(t, SignalingStateStable, pc1.SignalingState())

	// Renegotiation offer, then roll it back.
	_, err = pc1.AddTrack(func() *Entry {
		video := NewMediaEntry(EntryKindVideo, "rolled-back", DirectionSendOnly)
		video.AddVideoCodec(96, "H264", 90000)
		return video
	}())
	require.NoError(t, err)

	// Detach signaling so the pending offer never reaches the peer.
	pc1.OnLocalDescription(nil)
	require.NoError(t, pc1.SetLocalDescription(DescriptionTypeOffer))
	assert.Equal(t, SignalingStateHaveLocalOffer, pc1.SignalingState())
	pendingCandidates := len(pc1.LocalDescription().Candidates())

	require.NoError(t, pc1.SetLocalDescription(DescriptionTypeRollback))
	assert.Equal(t, SignalingStateStable, pc1.SignalingState())
	assert.Same(t, stable, pc1.LocalDescription())
	assert.GreaterOrEqual(t, len(pc1.LocalDescription().Candidates()), pendingCandidates)

	closePairNow(t, pc1, pc2)
}

func TestPeerConnectionStreamParityBeforeAnswer(t *testing.T) {
	config := Configuration{DisableAutoNegotiation: true}
	pc, err := NewPeerConnection(config)
	require.NoError(t, err)

	// Before the answer the offerer assumes the passive role: odd ids.
	first, err := pc.CreateDataChannel("first", nil)
	require.NoError(t, err)
	second, err := pc.CreateDataChannel("second", nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), first.Stream())
	assert.Equal(t, uint16(3), second.Stream())

	assert.NoError(t, pc.Close())
}

func TestPeerConnectionStreamIDShiftOnActiveRole(t *testing.T) {
	pc, err := NewPeerConnection(Configuration{DisableAutoNegotiation: true})
	require.NoError(t, err)
	defer func() { assert.NoError(t, pc.Close()) }()

	first, err := pc.CreateDataChannel("first", nil)
	require.NoError(t, err)
	second, err := pc.CreateDataChannel("second", nil)
	require.NoError(t, err)
	pinnedID := uint16(5)
	pinned, err := pc.CreateDataChannel("pinned", &DataChannelInit{ID: &pinnedID})
	require.NoError(t, err)

	assert.Equal(t, uint16(1), first.Stream())
	assert.Equal(t, uint16(3), second.Stream())

	// The answer resolves us active: unopened auto-allocated ids shift from
	// odd to even, pinned ids stay.
	pc.mu.Lock()
	pc.resolveRolesLocked(RoleActive)
	pc.mu.Unlock()

	assert.Equal(t, uint16(0), first.Stream())
	assert.Equal(t, uint16(2), second.Stream())
	assert.Equal(t, uint16(5), pinned.Stream())

	// The channel map follows the new ids.
	pc.dataChannelsMu.RLock()
	assert.Same(t, first, pc.dataChannels[0])
	assert.Same(t, second, pc.dataChannels[2])
	assert.Same(t, pinned, pc.dataChannels[5])
	pc.dataChannelsMu.RUnlock()
}

func TestPeerConnectionStreamIDBounds(t *testing.T) {
	pc, err := NewPeerConnection(Configuration{DisableAutoNegotiation: true})
	require.NoError(t, err)
	defer func() { assert.NoError(t, pc.Close()) }()

	invalid := uint16(65535)
	_, err = pc.CreateDataChannel("invalid", &DataChannelInit{ID: &invalid})
	assert.Error(t, err)

	pinned := uint16(65534)
	channel, err := pc.CreateDataChannel("pinned", &DataChannelInit{ID: &pinned})
	assert.NoError(t, err)
	assert.Equal(t, uint16(65534), channel.Stream())
}

func TestPeerConnectionReliabilityBothSetRejected(t *testing.T) {
	pc, err := NewPeerConnection(Configuration{DisableAutoNegotiation: true})
	require.NoError(t, err)
	defer func() { assert.NoError(t, pc.Close()) }()

	lifetime := uint32(100)
	retransmits := uint32(1)
	_, err = pc.CreateDataChannel("both", &DataChannelInit{
		MaxPacketLifeTime: &lifetime,
		MaxRetransmits:    &retransmits,
	})
	assert.Error(t, err)
}

func TestPeerConnectionRemoteDescriptionValidation(t *testing.T) {
	pc, err := NewPeerConnection(Configuration{})
	require.NoError(t, err)
	defer func() { assert.NoError(t, pc.Close()) }()

	// Missing credentials.
	desc, err := NewDescription("v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"+
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\na=mid:data\r\n",
		DescriptionTypeOffer)
	require.NoError(t, err)
	assert.Error(t, pc.SetRemoteDescription(desc))

	// No m-line at all fails at the parse or validation layer.
	empty := newLocalDescription(DescriptionTypeOffer, RoleActPass, "u", "pwdpwdpwdpwdpwdpwdpwd", "FP")
	assert.Error(t, pc.SetRemoteDescription(empty))
}

func TestPeerConnectionOfferRequiresNegotiationNeeded(t *testing.T) {
	pc, err := NewPeerConnection(Configuration{DisableAutoNegotiation: true})
	require.NoError(t, err)
	defer func() { assert.NoError(t, pc.Close()) }()

	assert.Error(t, pc.SetLocalDescription(DescriptionTypeOffer))

	_, err = pc.CreateDataChannel("test", nil)
	require.NoError(t, err)
	assert.True(t, pc.NegotiationNeeded())
	assert.NoError(t, pc.SetLocalDescription(DescriptionTypeOffer))

	// The offer consumed the flag.
	assert.False(t, pc.NegotiationNeeded())
}

func TestPeerConnectionCloseIsIdempotent(t *testing.T) {
	pc, err := NewPeerConnection(Configuration{})
	require.NoError(t, err)

	assert.NoError(t, pc.Close())
	assert.NoError(t, pc.Close())
	assert.Equal(t, PeerConnectionStateClosed, pc.State())

	_, err = pc.CreateDataChannel("after-close", nil)
	assert.Error(t, err)
	assert.Error(t, pc.SetLocalDescription(DescriptionTypeOffer))
}
