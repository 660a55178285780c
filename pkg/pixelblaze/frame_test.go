// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// ============================================================
// Test Helpers
// ============================================================

func sequentialBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func frame(t MessageType, flags byte, payload ...byte) []byte {
	return append([]byte{byte(t), flags}, payload...)
}

// ============================================================
// Segmentation Tests
// ============================================================

func TestSegment_ByteCodeSplit(t *testing.T) {
	data := sequentialBytes(2000)
	frames := Segment(MsgPutByteCode, data)

	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0][0] != byte(MsgPutByteCode) || frames[0][1] != FlagFirst {
		t.Errorf("frame 0 header = % X, expected type 3 flags first", frames[0][:2])
	}
	if frames[1][1] != FlagLast {
		t.Errorf("frame 1 flags = %d, expected last", frames[1][1])
	}
	if !bytes.Equal(frames[0][2:], data[:1280]) {
		t.Error("frame 0 payload should be bytes[0:1280]")
	}
	if !bytes.Equal(frames[1][2:], data[1280:]) {
		t.Error("frame 1 payload should be bytes[1280:2000]")
	}

	var joined []byte
	for _, f := range frames {
		joined = append(joined, f[FrameHeaderSize:]...)
	}
	if !bytes.Equal(joined, data) {
		t.Error("payloads do not reassemble to the original blob")
	}
}

func TestSegment_Flags(t *testing.T) {
	tests := []struct {
		name     string
		msgType  MessageType
		size     int
		expected []byte
	}{
		{"empty", MsgPreviewImage, 0, []byte{FlagFirst | FlagLast}},
		{"single", MsgPreviewImage, 100, []byte{FlagFirst | FlagLast}},
		{"exactly one bytecode frame", MsgPutByteCode, 1280, []byte{FlagFirst | FlagLast}},
		{"one byte over", MsgPutByteCode, 1281, []byte{FlagFirst, FlagLast}},
		{"three frames", MsgPutSourceCode, 2*MaxFrameSize + 10, []byte{FlagFirst, FlagMiddle, FlagLast}},
		{"four frames", MsgPutByteCode, 4 * 1280, []byte{FlagFirst, FlagMiddle, FlagMiddle, FlagLast}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := Segment(tt.msgType, sequentialBytes(tt.size))
			if len(frames) != len(tt.expected) {
				t.Fatalf("expected %d frames, got %d", len(tt.expected), len(frames))
			}
			for i, f := range frames {
				if f[1] != tt.expected[i] {
					t.Errorf("frame %d flags = %d, expected %d", i, f[1], tt.expected[i])
				}
				if len(f)-FrameHeaderSize > maxFrameSize(tt.msgType) {
					t.Errorf("frame %d payload of %d bytes exceeds limit", i, len(f)-FrameHeaderSize)
				}
			}
		})
	}
}

// ============================================================
// Reassembly Tests
// ============================================================

func TestReassembler_RoundTrip(t *testing.T) {
	data := sequentialBytes(3 * MaxFrameSize)
	r := NewReassembler()

	var msg *Message
	for i, f := range Segment(MsgGetProgramList, data) {
		got, err := r.Feed(f)
		if err != nil {
			t.Fatalf("frame %d: unexpected error %v", i, err)
		}
		msg = got
	}
	if msg == nil {
		t.Fatal("expected a completed message")
	}
	if msg.Type != MsgGetProgramList || !bytes.Equal(msg.Payload, data) {
		t.Error("reassembled message does not match")
	}
	if r.InProgress() {
		t.Error("reassembler should be idle after the last frame")
	}
}

func TestReassembler_RejectsContinuationWithoutFirst(t *testing.T) {
	r := NewReassembler()

	for _, flags := range []byte{FlagMiddle, FlagLast} {
		msg, err := r.Feed(frame(MsgGetSourceCode, flags, 1, 2, 3))
		if !errors.Is(err, ErrUnexpectedContinuation) {
			t.Errorf("flags %d: expected ErrUnexpectedContinuation, got %v", flags, err)
		}
		if msg != nil {
			t.Errorf("flags %d: stray continuation produced a message", flags)
		}
	}

	// A proper message afterwards is unaffected
	msg, err := r.Feed(frame(MsgGetSourceCode, FlagFirst|FlagLast, 9))
	if err != nil || msg == nil || !bytes.Equal(msg.Payload, []byte{9}) {
		t.Errorf("expected clean message after fault, got %v, %v", msg, err)
	}
}

func TestReassembler_FirstWhileInProgress(t *testing.T) {
	r := NewReassembler()
	if _, err := r.Feed(frame(MsgGetSourceCode, FlagFirst, 1, 1)); err != nil {
		t.Fatalf("first frame: %v", err)
	}

	msg, err := r.Feed(frame(MsgGetSourceCode, FlagFirst, 2, 2))
	if !errors.Is(err, ErrUnexpectedFirst) {
		t.Errorf("expected ErrUnexpectedFirst, got %v", err)
	}
	if msg != nil {
		t.Error("interrupted message must not be returned")
	}

	msg, err = r.Feed(frame(MsgGetSourceCode, FlagLast, 3))
	if err != nil {
		t.Fatalf("last frame: %v", err)
	}
	if !bytes.Equal(msg.Payload, []byte{2, 2, 3}) {
		t.Errorf("payload = % X, expected the restarted message only", msg.Payload)
	}
}

func TestReassembler_TypeMismatch(t *testing.T) {
	r := NewReassembler()
	r.Feed(frame(MsgGetSourceCode, FlagFirst, 1))

	msg, err := r.Feed(frame(MsgGetProgramList, FlagLast, 2))
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
	if msg != nil || r.InProgress() {
		t.Error("mismatched continuation should abandon the message")
	}
}

func TestReassembler_PreviewFrame(t *testing.T) {
	r := NewReassembler()
	r.Feed(frame(MsgGetSourceCode, FlagFirst, 1))

	preview := make([]byte, PreviewHeaderSize)
	preview[0] = byte(MsgPreviewFrame)
	preview = append(preview, 0xFF, 0x00, 0x80)

	msg, err := r.Feed(preview)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if msg.Type != MsgPreviewFrame || !bytes.Equal(msg.Payload, []byte{0xFF, 0x00, 0x80}) {
		t.Errorf("unexpected preview message %+v", msg)
	}
	if !r.InProgress() {
		t.Error("preview frame should not disturb the message in progress")
	}
}

func TestReassembler_ShortFrames(t *testing.T) {
	r := NewReassembler()
	for _, f := range [][]byte{{}, {byte(MsgGetSourceCode)}, {byte(MsgPreviewFrame), 0}} {
		if _, err := r.Feed(f); !errors.Is(err, ErrShortFrame) {
			t.Errorf("Feed(% X) error = %v, expected ErrShortFrame", f, err)
		}
	}
}

// ============================================================
// Expander Tests
// ============================================================

func expanderRow(address, channel, ledType, elements, order byte, count, start uint16, speed uint32) []byte {
	row := make([]byte, expanderRowSize)
	row[0] = address<<3 | channel
	row[1] = ledType
	row[2] = elements
	row[3] = order
	binary.LittleEndian.PutUint16(row[4:], count)
	binary.LittleEndian.PutUint16(row[6:], start)
	binary.LittleEndian.PutUint32(row[8:], speed)
	return row
}

func TestDecodeExpanderConfig(t *testing.T) {
	data := []byte{expanderVersion}
	data = append(data, expanderRow(2, 0, 1, 3, 0x21, 150, 0, 800000)...)
	data = append(data, expanderRow(2, 1, 3, 4, 0xE4, 64, 150, 2000000)...)
	for ch := byte(2); ch < 8; ch++ {
		data = append(data, expanderRow(2, ch, 0, 0, 0, 0, 0, 0)...)
	}

	config, err := DecodeExpanderConfig(data)
	if err != nil {
		t.Fatalf("DecodeExpanderConfig failed: %v", err)
	}
	if len(config.Boards) != 1 {
		t.Fatalf("expected 1 board, got %d", len(config.Boards))
	}

	board := config.Boards[0]
	if board.Address != 2 || len(board.Channels) != 8 {
		t.Fatalf("board = address %d with %d channels", board.Address, len(board.Channels))
	}

	first := board.Channels[0]
	expected := ExpanderChannel{Channel: 0, LEDType: 1, NumElements: 3, ColorOrder: "GRB", PixelCount: 150, StartIndex: 0, DataSpeed: 800000}
	if first != expected {
		t.Errorf("channel 0 = %+v, expected %+v", first, expected)
	}

	second := board.Channels[1]
	if second.ColorOrder != "RGBW" || second.StartIndex != 150 || second.PixelCount != 64 {
		t.Errorf("channel 1 = %+v", second)
	}

	unused := board.Channels[5]
	if unused != (ExpanderChannel{Channel: 5, LEDType: 0}) {
		t.Errorf("unused channel should only carry channel and type, got %+v", unused)
	}
}

func TestDecodeExpanderConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"wrong version", append([]byte{4}, make([]byte, expanderCardSize)...)},
		{"partial board", append([]byte{expanderVersion}, make([]byte, 50)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeExpanderConfig(tt.data); !errors.Is(err, ErrExpanderFormat) {
				t.Errorf("expected ErrExpanderFormat, got %v", err)
			}
		})
	}
}

// ============================================================
// Message Helper Tests
// ============================================================

func TestCommandName(t *testing.T) {
	tests := []struct {
		cmd      Command
		expected string
	}{
		{Command{"ping": true}, "ping"},
		{Command{"save": true, "brightness": 0.5}, "brightness"},
		{Command{}, "empty"},
	}
	for _, tt := range tests {
		if got := tt.cmd.Name(); got != tt.expected {
			t.Errorf("Name(%v) = %q, expected %q", tt.cmd, got, tt.expected)
		}
	}
}

func TestCommandMarshal_Compact(t *testing.T) {
	data, err := Command{"getConfig": true}.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"getConfig":true}` {
		t.Errorf("Marshal = %s", data)
	}
}

func TestHasKey(t *testing.T) {
	if !hasKey([]byte(`{"ack":1}`), "ack") {
		t.Error("expected ack key")
	}
	if hasKey([]byte(`{"acknowledged":1}`), "ack") {
		t.Error("key prefix must not match a longer key")
	}
	if hasKey([]byte(`{"fps":1,"ack":1}`), "ack") {
		t.Error("only the first key counts")
	}
}

func TestExpectWant(t *testing.T) {
	tests := []struct {
		expect Expect
		kind   wantKind
	}{
		{NoReply, wantNothing},
		{ExpectKey("ack"), wantText},
		{ExpectKey("activeProgram"), wantConfig},
		{ExpectBinary(MsgPreviewImage), wantBinary},
	}
	for _, tt := range tests {
		if got := tt.expect.want().kind; got != tt.kind {
			t.Errorf("%s: want kind %d, expected %d", tt.expect, got, tt.kind)
		}
	}
}
