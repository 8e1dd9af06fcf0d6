// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import "fmt"

type stateChangeOp int

const (
	stateChangeOpSetLocal stateChangeOp = iota + 1
	stateChangeOpSetRemote
)

func (op stateChangeOp) String() string {
	switch op {
	case stateChangeOpSetLocal:
		return "SetLocal"
	case stateChangeOpSetRemote:
		return "SetRemote"
	default:
		return "Unknown State Change Operation"
	}
}

// SignalingState indicates the state of the offer/answer exchange.
type SignalingState int

const (
	// SignalingStateStable indicates no offer/answer exchange is in progress.
	SignalingStateStable SignalingState = iota + 1

	// SignalingStateHaveLocalOffer indicates a local offer has been applied.
	SignalingStateHaveLocalOffer

	// SignalingStateHaveRemoteOffer indicates a remote offer has been applied.
	SignalingStateHaveRemoteOffer

	// SignalingStateHaveLocalPranswer indicates a local provisional answer has
	// been applied on top of a remote offer.
	SignalingStateHaveLocalPranswer

	// SignalingStateHaveRemotePranswer indicates a remote provisional answer
	// has been applied on top of a local offer.
	SignalingStateHaveRemotePranswer
)

const (
	signalingStateStableStr             = "stable"
	signalingStateHaveLocalOfferStr     = "have-local-offer"
	signalingStateHaveRemoteOfferStr    = "have-remote-offer"
	signalingStateHaveLocalPranswerStr  = "have-local-pranswer"
	signalingStateHaveRemotePranswerStr = "have-remote-pranswer"
)

func (t SignalingState) String() string {
	switch t {
	case SignalingStateStable:
		return signalingStateStableStr
	case SignalingStateHaveLocalOffer:
		return signalingStateHaveLocalOfferStr
	case SignalingStateHaveRemoteOffer:
		return signalingStateHaveRemoteOfferStr
	case SignalingStateHaveLocalPranswer:
		return signalingStateHaveLocalPranswerStr
	case SignalingStateHaveRemotePranswer:
		return signalingStateHaveRemotePranswerStr
	default:
		return ErrUnknownType.Error()
	}
}

// checkNextSignalingState validates a proposed transition against the
// offer/answer table. An invalid transition returns the current state
// unchanged together with an InvalidError.
func checkNextSignalingState(cur SignalingState, op stateChangeOp, descType DescriptionType) (SignalingState, error) {
	if descType == DescriptionTypeRollback {
		if cur == SignalingStateStable {
			return cur, &InvalidError{Err: ErrRollbackFromStable}
		}
		if op == stateChangeOpSetLocal {
			return SignalingStateStable, nil
		}
		return cur, invalidTransition(cur, op, descType)
	}

	switch cur {
	case SignalingStateStable:
		if descType == DescriptionTypeOffer {
			if op == stateChangeOpSetLocal {
				return SignalingStateHaveLocalOffer, nil
			}
			return SignalingStateHaveRemoteOffer, nil
		}
	case SignalingStateHaveLocalOffer:
		if op == stateChangeOpSetRemote {
			switch descType {
			case DescriptionTypeAnswer:
				return SignalingStateStable, nil
			case DescriptionTypePranswer:
				return SignalingStateHaveRemotePranswer, nil
			case DescriptionTypeOffer:
				// Implicit rollback, the remote offer wins.
				return SignalingStateHaveRemoteOffer, nil
			}
		}
	case SignalingStateHaveRemoteOffer:
		if op == stateChangeOpSetLocal {
			switch descType {
			case DescriptionTypeAnswer:
				return SignalingStateStable, nil
			case DescriptionTypePranswer:
				return SignalingStateHaveLocalPranswer, nil
			}
		}
	case SignalingStateHaveLocalPranswer:
		if op == stateChangeOpSetLocal && descType == DescriptionTypeAnswer {
			return SignalingStateStable, nil
		}
	case SignalingStateHaveRemotePranswer:
		if op == stateChangeOpSetRemote && descType == DescriptionTypeAnswer {
			return SignalingStateStable, nil
		}
	}

	return cur, invalidTransition(cur, op, descType)
}

func invalidTransition(cur SignalingState, op stateChangeOp, descType DescriptionType) error {
	return &InvalidError{
		Err: fmt.Errorf("%w: %s->%s(%s)", ErrInvalidStateTransition, cur, op, descType),
	}
}
