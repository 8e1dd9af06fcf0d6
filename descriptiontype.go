// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

// DescriptionType is the type of a session description.
type DescriptionType int

const (
	// DescriptionTypeUnspec lets SetLocalDescription pick offer or answer
	// from the current signaling state.
	DescriptionTypeUnspec DescriptionType = iota

	// DescriptionTypeOffer starts an offer/answer exchange.
	DescriptionTypeOffer

	// DescriptionTypeAnswer completes an offer/answer exchange.
	DescriptionTypeAnswer

	// DescriptionTypePranswer is a provisional answer.
	DescriptionTypePranswer

	// DescriptionTypeRollback discards a provisionally applied description.
	DescriptionTypeRollback
)

func (t DescriptionType) String() string {
	switch t {
	case DescriptionTypeUnspec:
		return "unspec"
	case DescriptionTypeOffer:
		return "offer"
	case DescriptionTypeAnswer:
		return "answer"
	case DescriptionTypePranswer:
		return "pranswer"
	case DescriptionTypeRollback:
		return "rollback"
	default:
		return ErrUnknownType.Error()
	}
}

// NewDescriptionType parses the SDP type strings used in signaling.
func NewDescriptionType(raw string) DescriptionType {
	switch raw {
	case "offer":
		return DescriptionTypeOffer
	case "answer":
		return DescriptionTypeAnswer
	case "pranswer":
		return DescriptionTypePranswer
	case "rollback":
		return DescriptionTypeRollback
	default:
		return DescriptionTypeUnspec
	}
}
