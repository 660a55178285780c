// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pbp reads and writes Pixelblaze Binary Pattern containers and the
// portable Electromage Pattern Export (EPE) format.
//
// A container is a single blob with a fixed header of nine little-endian
// uint32 values followed by four sections located by offset and length:
//
//	0 version
//	1 name offset      2 name length
//	3 preview offset   4 preview length   (JPEG)
//	5 bytecode offset  6 bytecode length
//	7 source offset    8 source length    (lz-string compressed JSON)
//
// Nothing is validated when a Pattern is constructed. Offsets are checked
// when a section is accessed.
package pbp

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/Thermoquad/pixelstat/pkg/lzstring"
)

// Container layout
const (
	HeaderSize    = 36
	FormatVersion = 1
	Ext           = ".pbp"
)

var (
	ErrHeaderTruncated   = errors.New("pbp: header truncated")
	ErrSectionOutOfRange = errors.New("pbp: section out of range")
	ErrInvalidName       = errors.New("pbp: name is not valid UTF-8")
)

// section locates one component inside the blob
type section struct {
	offset uint32
	length uint32
}

// descriptor is the parsed header
type descriptor struct {
	version  uint32
	name     section
	preview  section
	bytecode section
	source   section
}

// Pattern is an immutable compiled pattern container. It is safe for
// concurrent use.
type Pattern struct {
	id   string
	blob []byte

	// Cached header (lazy parsing)
	parseOnce sync.Once
	desc      descriptor
	parseErr  error
}

// FromBytes wraps a container blob. The blob is not copied.
func FromBytes(id string, blob []byte) *Pattern {
	return &Pattern{id: id, blob: blob}
}

// ReadFile loads a container from disk, using the file stem as the pattern id
func ReadFile(path string) (*Pattern, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern: %w", err)
	}
	return FromBytes(stem(path), blob), nil
}

// Build assembles a container from its components. sourceJSON is the
// uncompressed sources document, e.g. {"main":"..."}.
func Build(id, name string, preview, bytecode []byte, sourceJSON string) *Pattern {
	source := lzstring.Compress(sourceJSON)

	sections := [][]byte{[]byte(name), preview, bytecode, source}
	header := make([]uint32, 0, 9)
	header = append(header, FormatVersion)

	offset := uint32(HeaderSize)
	for _, s := range sections {
		header = append(header, offset, uint32(len(s)))
		offset += uint32(len(s))
	}

	blob := make([]byte, HeaderSize, offset)
	for i, v := range header {
		binary.LittleEndian.PutUint32(blob[i*4:], v)
	}
	for _, s := range sections {
		blob = append(blob, s...)
	}
	return FromBytes(id, blob)
}

// ensureParsed decodes the header on first use
func (p *Pattern) ensureParsed() error {
	p.parseOnce.Do(p.parse)
	return p.parseErr
}

func (p *Pattern) parse() {
	if len(p.blob) < HeaderSize {
		p.parseErr = fmt.Errorf("%w: %d bytes", ErrHeaderTruncated, len(p.blob))
		return
	}

	field := func(i int) uint32 {
		return binary.LittleEndian.Uint32(p.blob[i*4:])
	}
	p.desc = descriptor{
		version:  field(0),
		name:     section{field(1), field(2)},
		preview:  section{field(3), field(4)},
		bytecode: section{field(5), field(6)},
		source:   section{field(7), field(8)},
	}
}

// slice returns a bounds-checked view of one section
func (p *Pattern) slice(label string, s section) ([]byte, error) {
	end := uint64(s.offset) + uint64(s.length)
	if end > uint64(len(p.blob)) {
		return nil, fmt.Errorf("%w: %s [%d+%d] exceeds %d bytes",
			ErrSectionOutOfRange, label, s.offset, s.length, len(p.blob))
	}
	return p.blob[s.offset:end:end], nil
}

// ID returns the pattern id
func (p *Pattern) ID() string {
	return p.id
}

// Bytes returns the raw container
func (p *Pattern) Bytes() []byte {
	return p.blob
}

// Version returns the container format version
func (p *Pattern) Version() (uint32, error) {
	if err := p.ensureParsed(); err != nil {
		return 0, err
	}
	return p.desc.version, nil
}

// Name returns the human-readable pattern name
func (p *Pattern) Name() (string, error) {
	if err := p.ensureParsed(); err != nil {
		return "", err
	}
	b, err := p.slice("name", p.desc.name)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidName
	}
	return string(b), nil
}

// Preview returns the JPEG preview image
func (p *Pattern) Preview() ([]byte, error) {
	if err := p.ensureParsed(); err != nil {
		return nil, err
	}
	return p.slice("preview", p.desc.preview)
}

// Bytecode returns the compiled bytecode
func (p *Pattern) Bytecode() ([]byte, error) {
	if err := p.ensureParsed(); err != nil {
		return nil, err
	}
	return p.slice("bytecode", p.desc.bytecode)
}

// SourceCode returns the decompressed sources document
func (p *Pattern) SourceCode() (string, error) {
	if err := p.ensureParsed(); err != nil {
		return "", err
	}
	b, err := p.slice("source", p.desc.source)
	if err != nil {
		return "", err
	}
	src, err := lzstring.Decompress(b)
	if err != nil {
		return "", fmt.Errorf("pbp: decompress source: %w", err)
	}
	return src, nil
}

// MainSource returns the "main" entry of the sources document
func (p *Pattern) MainSource() (string, error) {
	src, err := p.SourceCode()
	if err != nil {
		return "", err
	}
	return mainSource(json.RawMessage(src))
}

// WriteFile writes the container to path, adding the .pbp extension if missing
func (p *Pattern) WriteFile(path string) error {
	if filepath.Ext(path) != Ext {
		path += Ext
	}
	if err := os.WriteFile(path, p.blob, 0o644); err != nil {
		return fmt.Errorf("write pattern: %w", err)
	}
	return nil
}

// ToExport builds a portable export from this container
func (p *Pattern) ToExport() (*Export, error) {
	name, err := p.Name()
	if err != nil {
		return nil, err
	}
	src, err := p.SourceCode()
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(src)) {
		return nil, fmt.Errorf("pbp: sources of %s are not valid JSON", p.id)
	}
	preview, err := p.Preview()
	if err != nil {
		return nil, err
	}
	return &Export{
		Name:    name,
		ID:      p.id,
		Sources: json.RawMessage(src),
		Preview: base64.StdEncoding.EncodeToString(preview),
	}, nil
}

// Explode writes every component next to base: .metadata (name), .jpg,
// .js (main source), .bytecode and a combined .epe
func (p *Pattern) Explode(base string) error {
	base = strings.TrimSuffix(base, Ext)

	name, err := p.Name()
	if err != nil {
		return err
	}
	preview, err := p.Preview()
	if err != nil {
		return err
	}
	main, err := p.MainSource()
	if err != nil {
		return err
	}
	bytecode, err := p.Bytecode()
	if err != nil {
		return err
	}
	export, err := p.ToExport()
	if err != nil {
		return err
	}

	files := []struct {
		ext  string
		data []byte
	}{
		{".metadata", []byte(name)},
		{".jpg", preview},
		{".js", []byte(main)},
		{".bytecode", bytecode},
	}
	for _, f := range files {
		if err := os.WriteFile(base+f.ext, f.data, 0o644); err != nil {
			return fmt.Errorf("explode %s: %w", f.ext, err)
		}
	}
	return export.WriteFile(base + ExportExt)
}

// stem returns the file name without directory or extension
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
