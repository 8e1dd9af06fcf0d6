// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pion/turn/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	turnRealm    = "libdatachannel.test"
	turnUser     = "user"
	turnPassword = "password"
)

func newTURNServer(t *testing.T) (*turn.Server, string) {
	t.Helper()

	udpListener, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: turnRealm,
		AuthHandler: func(username, realm string, _ net.Addr) ([]byte, bool) {
			if username != turnUser {
				return nil, false
			}
			return turn.GenerateAuthKey(username, realm, turnPassword), true
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: net.ParseIP("127.0.0.1"),
					Address:      "127.0.0.1",
				},
			},
		},
	})
	require.NoError(t, err)

	return server, fmt.Sprintf("turn:%s?transport=udp", udpListener.LocalAddr())
}

// Relay-only connections must select relayed candidates on both ends.
func TestPeerConnectionRelayOnly(t *testing.T) {
	if testing.Short() {
		t.Skip("relay test needs a local TURN allocation")
	}

	server, url := newTURNServer(t)
	defer func() { assert.NoError(t, server.Close()) }()

	config := Configuration{
		ICEServers: []ICEServer{
			{URL: url, Username: turnUser, Password: turnPassword},
		},
		TransportPolicy: TransportPolicyRelay,
	}

	pc1, pc2 := newPair(t, config)
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

	open := make(chan struct{})
	channel, err := pc1.CreateDataChannel("relay", nil)
	require.NoError(t, err)
	channel.OnOpen(onceClosed(open))

	waitFor(t, pc1Connected, "relayed connection")
	waitFor(t, pc2Connected, "relayed connection")
	waitFor(t, open, "relayed channel")

	for _, pc := range []*PeerConnection{pc1, pc2} {
		local, remote := pc.GetSelectedPair()
		require.NotNil(t, local)
		require.NotNil(t, remote)
		assert.Equal(t, CandidateTypeRelayed, local.Type())
		assert.Equal(t, CandidateTypeRelayed, remote.Type())
	}

	closePairNow(t, pc1, pc2)

	// Give the allocations a moment to release before the server closes.
	time.Sleep(100 * time.Millisecond)
}
