// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"errors"
	"fmt"
)

var (
	ErrShortFrame             = errors.New("binary frame too short")
	ErrUnexpectedContinuation = errors.New("continuation frame without a first frame")
	ErrUnexpectedFirst        = errors.New("first frame while a message is in progress")
	ErrTypeMismatch           = errors.New("continuation frame of a different message type")
)

// Message is a fully reassembled binary message
type Message struct {
	Type    MessageType
	Payload []byte
}

// maxFrameSize returns the payload limit for one frame of type t
func maxFrameSize(t MessageType) int {
	if t == MsgPutByteCode {
		return MaxByteCodeFrameSize
	}
	return MaxFrameSize
}

// Segment splits a binary message into wire frames. A message that fits in
// one frame is flagged first|last; otherwise the frames are flagged first,
// middle..., last. An empty payload still yields one frame.
func Segment(t MessageType, data []byte) [][]byte {
	limit := maxFrameSize(t)

	var frames [][]byte
	for offset := 0; offset == 0 || offset < len(data); offset += limit {
		end := min(offset+limit, len(data))

		var flags byte
		if offset == 0 {
			flags |= FlagFirst
		}
		if end == len(data) {
			flags |= FlagLast
		}
		if flags == 0 {
			flags = FlagMiddle
		}

		frame := make([]byte, 0, FrameHeaderSize+end-offset)
		frame = append(frame, byte(t), flags)
		frame = append(frame, data[offset:end]...)
		frames = append(frames, frame)
	}
	return frames
}

// Reassembler collects continuation frames into Messages
type Reassembler struct {
	msgType    MessageType
	buffer     []byte
	inProgress bool
}

// NewReassembler creates an idle reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Reset abandons any message in progress
func (r *Reassembler) Reset() {
	r.inProgress = false
	r.buffer = nil
	r.msgType = 0
}

// InProgress reports whether a message has been started but not finished
func (r *Reassembler) InProgress() bool {
	return r.inProgress
}

// Feed processes one binary frame.
// Returns a completed message, or nil if the message is incomplete.
// A non-nil error reports a protocol fault; the message in progress was
// abandoned. A first frame that interrupts another message is still used
// to start a new one, so a message may be returned together with an error.
func (r *Reassembler) Feed(frame []byte) (*Message, error) {
	if len(frame) < 1 {
		return nil, ErrShortFrame
	}
	t := MessageType(frame[0])

	// Preview frames are standalone and leave reassembly untouched
	if t == MsgPreviewFrame {
		if len(frame) < PreviewHeaderSize {
			return nil, fmt.Errorf("%w: preview frame of %d bytes", ErrShortFrame, len(frame))
		}
		return &Message{Type: t, Payload: frame[PreviewHeaderSize:]}, nil
	}

	if len(frame) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	flags := frame[1]
	payload := frame[FrameHeaderSize:]

	var fault error
	switch {
	case flags&FlagFirst != 0:
		if r.inProgress {
			fault = fmt.Errorf("%w: %s interrupted by %s", ErrUnexpectedFirst, r.msgType, t)
		}
		r.msgType = t
		r.buffer = append(make([]byte, 0, len(payload)), payload...)
		r.inProgress = true

	case !r.inProgress:
		return nil, fmt.Errorf("%w: %s flags=0x%02X", ErrUnexpectedContinuation, t, flags)

	case t != r.msgType:
		expected := r.msgType
		r.Reset()
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrTypeMismatch, expected, t)

	default:
		r.buffer = append(r.buffer, payload...)
	}

	if flags&FlagLast == 0 {
		return nil, fault
	}

	msg := &Message{Type: r.msgType, Payload: r.buffer}
	r.Reset()
	return msg, fault
}
