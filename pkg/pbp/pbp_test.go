// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pbp

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Thermoquad/pixelstat/pkg/lzstring"
)

// ============================================================
// Test Helpers
// ============================================================

var (
	testPreview  = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	testBytecode = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	testSources  = `{"main":"export function render(index) {\n  hsv(index / pixelCount, 1, 1)\n}\n"}`
)

// buildHeader writes nine little-endian uint32 values
func buildHeader(fields ...uint32) []byte {
	buf := make([]byte, HeaderSize)
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], f)
	}
	return buf
}

func newTestPattern() *Pattern {
	return Build("abcdefghijkmnopqr", "Rainbow ✨", testPreview, testBytecode, testSources)
}

// ============================================================
// Header and Section Tests
// ============================================================

func TestName_FromSyntheticHeader(t *testing.T) {
	name := "Sparkle Fire"
	nameOff := uint32(HeaderSize + 4) // leave a gap to prove the offset is honoured
	blob := buildHeader(1, nameOff, uint32(len(name)), 0, 0, 0, 0, 0, 0)
	blob = append(blob, 0xAA, 0xBB, 0xCC, 0xDD)
	blob = append(blob, name...)

	p := FromBytes("id", blob)
	got, err := p.Name()
	if err != nil {
		t.Fatalf("Name failed: %v", err)
	}
	if got != name {
		t.Errorf("Name = %q, expected %q", got, name)
	}

	version, err := p.Version()
	if err != nil || version != 1 {
		t.Errorf("Version = %d, %v; expected 1", version, err)
	}
}

func TestBuild_Accessors(t *testing.T) {
	p := newTestPattern()

	if p.ID() != "abcdefghijkmnopqr" {
		t.Errorf("ID = %q", p.ID())
	}

	name, err := p.Name()
	if err != nil || name != "Rainbow ✨" {
		t.Errorf("Name = %q, %v", name, err)
	}

	preview, err := p.Preview()
	if err != nil || !bytes.Equal(preview, testPreview) {
		t.Errorf("Preview = % X, %v", preview, err)
	}

	bytecode, err := p.Bytecode()
	if err != nil || !bytes.Equal(bytecode, testBytecode) {
		t.Errorf("Bytecode = % X, %v", bytecode, err)
	}

	src, err := p.SourceCode()
	if err != nil || src != testSources {
		t.Errorf("SourceCode = %q, %v", src, err)
	}

	main, err := p.MainSource()
	if err != nil {
		t.Fatalf("MainSource failed: %v", err)
	}
	if main != "export function render(index) {\n  hsv(index / pixelCount, 1, 1)\n}\n" {
		t.Errorf("MainSource = %q", main)
	}
}

func TestBuild_SourceSectionIsCompressed(t *testing.T) {
	p := newTestPattern()
	blob := p.Bytes()
	off := binary.LittleEndian.Uint32(blob[28:])
	length := binary.LittleEndian.Uint32(blob[32:])

	expected := lzstring.Compress(testSources)
	if !bytes.Equal(blob[off:off+length], expected) {
		t.Error("source section does not hold the lz-string code")
	}
}

func TestSections_AliasBlob(t *testing.T) {
	p := newTestPattern()
	bytecode, _ := p.Bytecode()
	if cap(bytecode) != len(bytecode) {
		t.Errorf("section slice should be capped to its length, cap=%d len=%d", cap(bytecode), len(bytecode))
	}
}

func TestAccessors_ConcurrentFirstUse(t *testing.T) {
	blob := newTestPattern().Bytes()

	for range 20 {
		p := FromBytes("shared", blob)
		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					_, err = p.Name()
				} else {
					_, err = p.Bytecode()
				}
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("accessor failed: %v", err)
			}
		}
	}
}

func TestHeaderTruncated(t *testing.T) {
	p := FromBytes("short", []byte{1, 0, 0, 0})

	if _, err := p.Name(); !errors.Is(err, ErrHeaderTruncated) {
		t.Errorf("Name error = %v, expected ErrHeaderTruncated", err)
	}
	if _, err := p.Bytecode(); !errors.Is(err, ErrHeaderTruncated) {
		t.Errorf("Bytecode error = %v, expected ErrHeaderTruncated", err)
	}
}

func TestSectionOutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		header []uint32
		access func(p *Pattern) error
	}{
		{
			name:   "name past end",
			header: []uint32{1, HeaderSize, 100, 0, 0, 0, 0, 0, 0},
			access: func(p *Pattern) error { _, err := p.Name(); return err },
		},
		{
			name:   "preview offset past end",
			header: []uint32{1, 0, 0, 1000, 1, 0, 0, 0, 0},
			access: func(p *Pattern) error { _, err := p.Preview(); return err },
		},
		{
			name:   "bytecode overflow wraps uint32",
			header: []uint32{1, 0, 0, 0, 0, 0xFFFFFFF0, 0x20, 0, 0},
			access: func(p *Pattern) error { _, err := p.Bytecode(); return err },
		},
		{
			name:   "source past end",
			header: []uint32{1, 0, 0, 0, 0, 0, 0, HeaderSize, 5},
			access: func(p *Pattern) error { _, err := p.SourceCode(); return err },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FromBytes("bad", buildHeader(tt.header...))
			if err := tt.access(p); !errors.Is(err, ErrSectionOutOfRange) {
				t.Errorf("expected ErrSectionOutOfRange, got %v", err)
			}
		})
	}
}

func TestConstructionDoesNotValidate(t *testing.T) {
	p := FromBytes("garbage", []byte("not a pattern"))
	if p.ID() != "garbage" {
		t.Errorf("ID = %q", p.ID())
	}
	if !bytes.Equal(p.Bytes(), []byte("not a pattern")) {
		t.Error("Bytes should return the original blob")
	}
}

func TestInvalidUTF8Name(t *testing.T) {
	blob := buildHeader(1, HeaderSize, 2, 0, 0, 0, 0, 0, 0)
	blob = append(blob, 0xC3, 0x28)
	if _, err := FromBytes("x", blob).Name(); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

// ============================================================
// Export Tests
// ============================================================

func TestToExport(t *testing.T) {
	e, err := newTestPattern().ToExport()
	if err != nil {
		t.Fatalf("ToExport failed: %v", err)
	}

	if e.Name != "Rainbow ✨" || e.ID != "abcdefghijkmnopqr" {
		t.Errorf("unexpected export header: name=%q id=%q", e.Name, e.ID)
	}

	img, err := e.PreviewImage()
	if err != nil || !bytes.Equal(img, testPreview) {
		t.Errorf("PreviewImage = % X, %v", img, err)
	}

	src, err := e.SourceCode()
	if err != nil || src != "export function render(index) {\n  hsv(index / pixelCount, 1, 1)\n}\n" {
		t.Errorf("SourceCode = %q, %v", src, err)
	}
}

func TestExport_MarshalFieldOrderAndIndent(t *testing.T) {
	e, _ := newTestPattern().ToExport()
	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if !bytes.HasPrefix(data, []byte("{\n  \"name\": ")) {
		t.Errorf("export should start with an indented name field, got %q", data[:20])
	}
	nameIdx := bytes.Index(data, []byte(`"name"`))
	idIdx := bytes.Index(data, []byte(`"id"`))
	srcIdx := bytes.Index(data, []byte(`"sources"`))
	prevIdx := bytes.Index(data, []byte(`"preview"`))
	if !(nameIdx < idIdx && idIdx < srcIdx && srcIdx < prevIdx) {
		t.Errorf("unexpected field order in %s", data)
	}

	parsed, err := ParseExport(data)
	if err != nil {
		t.Fatalf("ParseExport failed: %v", err)
	}
	if parsed.Preview != e.Preview || parsed.ID != e.ID {
		t.Error("parsed export does not match original")
	}
}

func TestParseExport_BOM(t *testing.T) {
	doc := append([]byte{0xEF, 0xBB, 0xBF}, `{"name":"n","id":"i","sources":{"main":"x"},"preview":""}`...)
	e, err := ParseExport(doc)
	if err != nil {
		t.Fatalf("ParseExport failed: %v", err)
	}
	if e.Name != "n" {
		t.Errorf("Name = %q", e.Name)
	}
}

func TestParseExport_InvalidJSON(t *testing.T) {
	if _, err := ParseExport([]byte("{not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestExport_MissingMain(t *testing.T) {
	e := &Export{Sources: json.RawMessage(`{"other":"x"}`)}
	if _, err := e.SourceCode(); err == nil {
		t.Error("expected error for sources without main")
	}
}

func TestToExport_InvalidSources(t *testing.T) {
	p := Build("id", "name", nil, nil, "not json")
	if _, err := p.ToExport(); err == nil {
		t.Error("expected error for non-JSON sources")
	}
}

// ============================================================
// File Tests
// ============================================================

func TestWriteFile_ReadFile(t *testing.T) {
	dir := t.TempDir()
	p := newTestPattern()

	path := filepath.Join(dir, "abcdefghijkmnopqr")
	if err := p.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	loaded, err := ReadFile(path + Ext)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if loaded.ID() != "abcdefghijkmnopqr" {
		t.Errorf("ID from stem = %q", loaded.ID())
	}
	if !bytes.Equal(loaded.Bytes(), p.Bytes()) {
		t.Error("loaded blob differs")
	}
}

func TestExplode(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "Rainbow")
	if err := newTestPattern().Explode(base + Ext); err != nil {
		t.Fatalf("Explode failed: %v", err)
	}

	expect := map[string][]byte{
		".metadata": []byte("Rainbow ✨"),
		".jpg":      testPreview,
		".js":       []byte("export function render(index) {\n  hsv(index / pixelCount, 1, 1)\n}\n"),
		".bytecode": testBytecode,
	}
	for ext, want := range expect {
		got, err := os.ReadFile(base + ext)
		if err != nil {
			t.Errorf("missing %s: %v", ext, err)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s content mismatch", ext)
		}
	}

	e, err := ReadExport(base + ExportExt)
	if err != nil {
		t.Fatalf("ReadExport failed: %v", err)
	}
	if e.Name != "Rainbow ✨" {
		t.Errorf("exported name = %q", e.Name)
	}
}

func TestExport_Explode(t *testing.T) {
	dir := t.TempDir()
	e, _ := newTestPattern().ToExport()
	base := filepath.Join(dir, "exported")
	if err := e.Explode(base + ExportExt); err != nil {
		t.Fatalf("Explode failed: %v", err)
	}
	for _, ext := range []string{".metadata", ".jpg", ".js"} {
		if _, err := os.Stat(base + ext); err != nil {
			t.Errorf("missing %s: %v", ext, err)
		}
	}
	if _, err := os.Stat(base + ".bytecode"); err == nil {
		t.Error("export explode should not write bytecode")
	}
}
