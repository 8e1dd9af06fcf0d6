// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalingStateTransitions(t *testing.T) {
	for _, tc := range []struct {
		name     string
		cur      SignalingState
		op       stateChangeOp
		descType DescriptionType
		next     SignalingState
		ok       bool
	}{
		{"stable-local-offer", SignalingStateStable, stateChangeOpSetLocal, DescriptionTypeOffer, SignalingStateHaveLocalOffer, true},
		{"stable-remote-offer", SignalingStateStable, stateChangeOpSetRemote, DescriptionTypeOffer, SignalingStateHaveRemoteOffer, true},
		{"remote-offer-local-answer", SignalingStateHaveRemoteOffer, stateChangeOpSetLocal, DescriptionTypeAnswer, SignalingStateStable, true},
		{"remote-offer-local-pranswer", SignalingStateHaveRemoteOffer, stateChangeOpSetLocal, DescriptionTypePranswer, SignalingStateHaveLocalPranswer, true},
		{"local-offer-remote-answer", SignalingStateHaveLocalOffer, stateChangeOpSetRemote, DescriptionTypeAnswer, SignalingStateStable, true},
		{"local-offer-remote-pranswer", SignalingStateHaveLocalOffer, stateChangeOpSetRemote, DescriptionTypePranswer, SignalingStateHaveRemotePranswer, true},
		{"implicit-rollback", SignalingStateHaveLocalOffer, stateChangeOpSetRemote, DescriptionTypeOffer, SignalingStateHaveRemoteOffer, true},
		{"rollback-local-offer", SignalingStateHaveLocalOffer, stateChangeOpSetLocal, DescriptionTypeRollback, SignalingStateStable, true},
		{"rollback-local-pranswer", SignalingStateHaveLocalPranswer, stateChangeOpSetLocal, DescriptionTypeRollback, SignalingStateStable, true},
		{"local-pranswer-answer", SignalingStateHaveLocalPranswer, stateChangeOpSetLocal, DescriptionTypeAnswer, SignalingStateStable, true},
		{"remote-pranswer-answer", SignalingStateHaveRemotePranswer, stateChangeOpSetRemote, DescriptionTypeAnswer, SignalingStateStable, true},

		{"rollback-from-stable", SignalingStateStable, stateChangeOpSetLocal, DescriptionTypeRollback, SignalingStateStable, false},
		{"stable-local-answer", SignalingStateStable, stateChangeOpSetLocal, DescriptionTypeAnswer, SignalingStateStable, false},
		{"stable-remote-answer", SignalingStateStable, stateChangeOpSetRemote, DescriptionTypeAnswer, SignalingStateStable, false},
		{"local-offer-local-answer", SignalingStateHaveLocalOffer, stateChangeOpSetLocal, DescriptionTypeAnswer, SignalingStateHaveLocalOffer, false},
		{"remote-offer-remote-answer", SignalingStateHaveRemoteOffer, stateChangeOpSetRemote, DescriptionTypeAnswer, SignalingStateHaveRemoteOffer, false},
		{"remote-rollback", SignalingStateHaveRemoteOffer, stateChangeOpSetRemote, DescriptionTypeRollback, SignalingStateHaveRemoteOffer, false},
	} {
		next, err := checkNextSignalingState(tc.cur, tc.op, tc.descType)
		if tc.ok {
			assert.NoError(t, err, tc.name)
			assert.Equal(t, tc.next, next, tc.name)
		} else {
			assert.Error(t, err, tc.name)
			// An illegal transition leaves the state untouched.
			assert.Equal(t, tc.cur, next, tc.name)
		}
	}
}

func TestSignalingStateString(t *testing.T) {
	assert.Equal(t, "stable", SignalingStateStable.String())
	assert.Equal(t, "have-local-offer", SignalingStateHaveLocalOffer.String())
	assert.Equal(t, "have-remote-offer", SignalingStateHaveRemoteOffer.String())
	assert.Equal(t, "have-local-pranswer", SignalingStateHaveLocalPranswer.String())
	assert.Equal(t, "have-remote-pranswer", SignalingStateHaveRemotePranswer.String())
}
