// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageConstructors(t *testing.T) {
	msg := NewBinaryMessage(3, []byte{1, 2})
	assert.Equal(t, MessageKindBinary, msg.Kind)
	assert.Equal(t, uint16(3), msg.Stream)
	assert.Equal(t, 2, msg.Size())

	msg = NewStringMessage(0, []byte("hi"))
	assert.Equal(t, MessageKindString, msg.Kind)

	msg = NewControlMessage(7, []byte{0x03})
	assert.Equal(t, MessageKindControl, msg.Kind)
}

func TestMessageSizeNil(t *testing.T) {
	var msg *Message
	assert.Equal(t, 0, msg.Size())
	assert.Equal(t, 0, (&Message{}).Size())
}

func TestMessageKindString(t *testing.T) {
	assert.Equal(t, "binary", MessageKindBinary.String())
	assert.Equal(t, "string", MessageKindString.String())
	assert.Equal(t, "control", MessageKindControl.String())
}
