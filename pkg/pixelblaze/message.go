// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

// Command is a JSON command document
type Command map[string]any

// Name returns the command's label for logs and metrics: its
// alphabetically first key
func (c Command) Name() string {
	if len(c) == 0 {
		return "empty"
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}

// Marshal encodes the command as compact JSON
func (c Command) Marshal() ([]byte, error) {
	data, err := json.Marshal(map[string]any(c))
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", c.Name(), err)
	}
	return data, nil
}

// Expect describes the reply a request waits for
type Expect struct {
	key    string
	binary MessageType
}

// NoReply returns as soon as the request is written
var NoReply = Expect{}

// ExpectKey waits for a JSON reply whose first key is key
func ExpectKey(key string) Expect {
	return Expect{key: key}
}

// ExpectBinary waits for a complete binary message of type t
func ExpectBinary(t MessageType) Expect {
	return Expect{binary: t}
}

func (e Expect) String() string {
	switch {
	case e.binary != 0:
		return e.binary.String()
	case e.key != "":
		return e.key
	default:
		return "none"
	}
}

// want selects which inbound message receive hands back
func (e Expect) want() want {
	switch {
	case e.binary != 0:
		return want{kind: wantBinary, binary: e.binary}
	case e.key == "activeProgram":
		// sequencer state is pushed, not sent as an ordinary reply
		return want{kind: wantConfig}
	case e.key != "":
		return want{kind: wantText}
	default:
		return want{}
	}
}

type wantKind int

const (
	wantNothing wantKind = iota
	wantText
	wantConfig // sequencer state or expander configuration
	wantStats
	wantBinary
)

type want struct {
	kind   wantKind
	binary MessageType
}

func (w want) matchesBinary(t MessageType) bool {
	return w.kind == wantBinary && w.binary == t
}

// hasKey reports whether a JSON text message starts with the given key
func hasKey(data []byte, key string) bool {
	prefix := make([]byte, 0, len(key)+4)
	prefix = append(prefix, `{"`...)
	prefix = append(prefix, key...)
	prefix = append(prefix, `":`...)
	return bytes.HasPrefix(data, prefix)
}

// outcome is the metric label for a request result
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoResponse):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func (s *Session) spanAttributes(command string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pixelblaze.device", s.address),
		attribute.String("pixelblaze.command", command),
		attribute.String("pixelblaze.session", s.id),
	}
}
