// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math/big"
	"time"

	"github.com/Thermoquad/pixelstat/pkg/lzstring"
	"github.com/Thermoquad/pixelstat/pkg/pbp"
)

// Pattern ids
const (
	idAlphabet = "23456789ABCDEFGHJKLMNPQRSTWXYZabcdefghijkmnopqrstuvwxyz"
	IDLength   = 17
)

// rendererSettle is how long the renderer needs after new bytecode or an
// unpause before it accepts further commands
const rendererSettle = 250 * time.Millisecond

const unknownPatternName = "Unknown Pattern"

// MakeID generates a random pattern id
func MakeID() string {
	id := make([]byte, IDLength)
	limit := big.NewInt(int64(len(idAlphabet)))
	for i := range id {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		id[i] = idAlphabet[n.Int64()]
	}
	return string(id)
}

// PreviewImage downloads the JPEG preview of a pattern
func (s *Session) PreviewImage(ctx context.Context, id string) ([]byte, error) {
	return s.SendJSON(ctx, Command{"getPreviewImg": id}, ExpectBinary(MsgPreviewImage))
}

// PatternSourceCode downloads the sources document of a pattern,
// e.g. {"main":"..."}
func (s *Session) PatternSourceCode(ctx context.Context, id string) (string, error) {
	code, err := s.SendJSON(ctx, Command{"getSources": id}, ExpectBinary(MsgGetSourceCode))
	if err != nil {
		return "", err
	}
	src, err := lzstring.Decompress(code)
	if err != nil {
		return "", fmt.Errorf("decompress sources of %s: %w", id, err)
	}
	return src, nil
}

// PatternAsExport downloads a pattern as a portable export
func (s *Session) PatternAsExport(ctx context.Context, id string) (*pbp.Export, error) {
	patterns, err := s.PatternList(ctx, true)
	if err != nil {
		return nil, err
	}
	name, ok := patterns[id]
	if !ok {
		name = unknownPatternName
	}

	src, err := s.PatternSourceCode(ctx, id)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(src)) {
		return nil, fmt.Errorf("sources of %s are not valid JSON", id)
	}
	preview, err := s.PreviewImage(ctx, id)
	if err != nil {
		return nil, err
	}

	return &pbp.Export{
		Name:    name,
		ID:      id,
		Sources: json.RawMessage(src),
		Preview: base64.StdEncoding.EncodeToString(preview),
	}, nil
}

// SendPatternToRenderer runs compiled bytecode without saving it, the way
// the web editor does: pause and announce the code, upload it, apply the
// controls, then unpause.
func (s *Session) SendPatternToRenderer(ctx context.Context, bytecode []byte, controls map[string]any) error {
	if controls == nil {
		controls = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	setCode := Command{
		"pause": true,
		"setCode": map[string]any{
			"size": len(bytecode),
			"crc":  crc32.ChecksumIEEE(bytecode),
			"name": "",
			"id":   MakeID(),
		},
	}
	if _, err := s.sendJSON(ctx, setCode, ExpectKey("ack"), s.cfg.timeout); err != nil {
		return fmt.Errorf("announce bytecode: %w", err)
	}
	if _, err := s.sendBinary(ctx, MsgPutByteCode, bytecode, ExpectKey("ack"), s.cfg.timeout); err != nil {
		return fmt.Errorf("upload bytecode: %w", err)
	}
	if err := sleep(ctx, rendererSettle); err != nil {
		return err
	}
	if _, err := s.sendJSON(ctx, Command{"setControls": controls}, NoReply, s.cfg.timeout); err != nil {
		return fmt.Errorf("set controls: %w", err)
	}
	if _, err := s.sendJSON(ctx, Command{"pause": false}, ExpectKey("ack"), s.cfg.timeout); err != nil {
		return fmt.Errorf("unpause: %w", err)
	}
	return sleep(ctx, rendererSettle)
}

// SavePattern stores a new pattern: preview image, compressed sources and
// bytecode, each acknowledged by the device. sourceJSON is the sources
// document, e.g. {"main":"..."}.
func (s *Session) SavePattern(ctx context.Context, preview []byte, sourceJSON string, bytecode []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uploads := []struct {
		t    MessageType
		data []byte
	}{
		{MsgPreviewImage, preview},
		{MsgPutSourceCode, lzstring.Compress(sourceJSON)},
		{MsgPutByteCode, bytecode},
	}
	for _, u := range uploads {
		if _, err := s.sendBinary(ctx, u.t, u.data, ExpectKey("ack"), s.cfg.timeout); err != nil {
			return fmt.Errorf("save pattern %s: %w", u.t, err)
		}
	}
	// force the next PatternList to fetch
	s.cache.setPatterns(nil, time.Time{})
	return nil
}

// UploadPattern saves a pattern container on the device
func (s *Session) UploadPattern(ctx context.Context, p *pbp.Pattern) error {
	preview, err := p.Preview()
	if err != nil {
		return err
	}
	src, err := p.SourceCode()
	if err != nil {
		return err
	}
	bytecode, err := p.Bytecode()
	if err != nil {
		return err
	}
	return s.SavePattern(ctx, preview, src, bytecode)
}
