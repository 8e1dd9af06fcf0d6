// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	NopMediaHandler

	name           string
	order          *[]string
	handleKeyframe bool
}

func (h *recordingHandler) Incoming(msgs []*Message, _ SendFunc) []*Message {
	*h.order = append(*h.order, h.name)
	return msgs
}

func (h *recordingHandler) Outgoing(msgs []*Message, _ SendFunc) []*Message {
	*h.order = append(*h.order, h.name)
	return msgs
}

func (h *recordingHandler) RequestKeyframe(_ SendFunc) bool {
	*h.order = append(*h.order, h.name+"-keyframe")
	return h.handleKeyframe
}

func TestHandlerChainOrder(t *testing.T) {
	var order []string
	chain := &handlerChain{}
	chain.addToChain(&recordingHandler{name: "first", order: &order})
	chain.addToChain(&recordingHandler{name: "second", order: &order})
	chain.addToChain(&recordingHandler{name: "third", order: &order})

	msgs := chain.outgoing([]*Message{NewBinaryMessage(0, []byte{1})}, nil)
	assert.Len(t, msgs, 1)
	assert.Equal(t, []string{"first", "second", "third"}, order)

	order = nil
	chain.incoming([]*Message{NewBinaryMessage(0, []byte{1})}, nil)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestHandlerChainStopsOnEmpty(t *testing.T) {
	var order []string
	chain := &handlerChain{}
	chain.addToChain(&dropAllHandler{})
	chain.addToChain(&recordingHandler{name: "unreached", order: &order})

	out := chain.incoming([]*Message{NewBinaryMessage(0, []byte{1})}, nil)
	assert.Empty(t, out)
	assert.Empty(t, order)
}

type dropAllHandler struct{ NopMediaHandler }

func (dropAllHandler) Incoming([]*Message, SendFunc) []*Message { return nil }

func TestHandlerChainRequestKeyframeWalks(t *testing.T) {
	var order []string
	chain := &handlerChain{}
	chain.addToChain(&recordingHandler{name: "first", order: &order})
	chain.addToChain(&recordingHandler{name: "second", order: &order, handleKeyframe: true})
	chain.addToChain(&recordingHandler{name: "third", order: &order})

	assert.True(t, chain.requestKeyframe(nil))
	// The walk ends at the first handler that reports true.
	assert.Equal(t, []string{"first-keyframe", "second-keyframe"}, order)
}

type splitHandler struct{ NopMediaHandler }

func (splitHandler) Outgoing(msgs []*Message, _ SendFunc) []*Message {
	var out []*Message
	for _, msg := range msgs {
		for _, b := range msg.Data {
			out = append(out, NewBinaryMessage(msg.Stream, []byte{b}))
		}
	}
	return out
}

func TestHandlerChainSplit(t *testing.T) {
	chain := &handlerChain{}
	chain.addToChain(&splitHandler{})

	out := chain.outgoing([]*Message{NewBinaryMessage(0, []byte{1, 2, 3})}, nil)
	assert.Len(t, out, 3)
	assert.Equal(t, []byte{2}, out[1].Data)
}
