// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mux

// MatchFunc allows custom logic for mapping packets to an Endpoint
type MatchFunc func([]byte) bool

// MatchAll always returns true
func MatchAll([]byte) bool {
	return true
}

// MatchNone always returns false
func MatchNone([]byte) bool {
	return false
}

// MatchRange is a MatchFunc that accepts packets with the first byte in
// [lower..upper]
func MatchRange(lower, upper byte) MatchFunc {
	return func(buf []byte) bool {
		if len(buf) < 1 {
			return false
		}
		b := buf[0]
		return b >= lower && b <= upper
	}
}

// MatchFuncs as described in RFC7983
// https://tools.ietf.org/html/rfc7983
//
//	            +----------------+
//	            |        [0..3] -+--> forward to STUN
//	            |                |
//	            |      [16..19] -+--> forward to ZRTP
//	            |                |
//	packet -->  |      [20..63] -+--> forward to DTLS
//	            |                |
//	            |      [64..79] -+--> forward to TURN Channel
//	            |                |
//	            |    [128..191] -+--> forward to RTP/RTCP
//	            +----------------+

// MatchSTUN is a MatchFunc that accepts packets with the first byte in [0..3]
// as defined in RFC7983
var MatchSTUN = MatchRange(0, 3)

// MatchZRTP is a MatchFunc that accepts packets with the first byte in [16..19]
// as defined in RFC7983
var MatchZRTP = MatchRange(16, 19)

// MatchDTLS is a MatchFunc that accepts packets with the first byte in [20..63]
// as defined in RFC7983
var MatchDTLS = MatchRange(20, 63)

// MatchTURN is a MatchFunc that accepts packets with the first byte in [64..79]
// as defined in RFC7983
var MatchTURN = MatchRange(64, 79)

// MatchSRTPOrSRTCP is a MatchFunc that accepts packets with the first byte in
// [128..191] as defined in RFC7983
var MatchSRTPOrSRTCP = MatchRange(128, 191)

func isRTCP(buf []byte) bool {
	// Not long enough to determine RTP/RTCP
	if len(buf) < 4 {
		return false
	}

	payloadType := buf[1] & 0x7F
	return payloadType >= 64 && payloadType <= 95
}

// MatchSRTP is a MatchFunc that only matches SRTP and not SRTCP
func MatchSRTP(buf []byte) bool {
	return MatchSRTPOrSRTCP(buf) && !isRTCP(buf)
}

// MatchSRTCP is a MatchFunc that only matches SRTCP and not SRTP
func MatchSRTCP(buf []byte) bool {
	return MatchSRTPOrSRTCP(buf) && isRTCP(buf)
}
