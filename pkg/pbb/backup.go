// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pbb reads, writes and transfers Pixelblaze Binary Backups.
//
// A backup is a snapshot of the whole device file system: a JSON document of
// the form {"files": {path: base64}}. The compact variant (.pbbc) holds the
// same map as CBOR with raw byte strings.
package pbb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File extensions
const (
	Ext        = ".pbb"
	CompactExt = ".pbbc"
)

var (
	ErrFileNotFound = errors.New("pbb: file not found")
	ErrUnsafePath   = errors.New("pbb: path escapes the explode directory")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Backup is an editable snapshot of a device file system
type Backup struct {
	name  string
	files map[string][]byte
}

// document is the on-disk JSON layout. []byte values encode as base64.
type document struct {
	Files map[string][]byte `json:"files"`
}

// New creates an empty backup attributed to the named device
func New(name string) *Backup {
	return &Backup{name: name, files: make(map[string][]byte)}
}

// Parse decodes a backup document. A leading byte order mark is ignored.
func Parse(name string, data []byte) (*Backup, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse backup: %w", err)
	}
	b := New(name)
	for path, contents := range doc.Files {
		b.files[path] = contents
	}
	return b, nil
}

// ReadFile loads a backup from disk, using the file stem as the device name.
// Files with the .pbbc extension are read as compact backups.
func ReadFile(path string) (*Backup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	if filepath.Ext(path) == CompactExt {
		return ParseCompact(data)
	}
	return Parse(stem(path), data)
}

// DeviceName returns the name of the device the backup was taken from
func (b *Backup) DeviceName() string {
	return b.name
}

// Files returns the sorted paths whose category is in types
func (b *Backup) Files(types FileType) []string {
	names := make([]string, 0, len(b.files))
	for name := range b.files {
		if types.Matches(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the number of files in the backup
func (b *Backup) Len() int {
	return len(b.files)
}

// Get returns the contents of a file
func (b *Backup) Get(name string) ([]byte, error) {
	contents, ok := b.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return contents, nil
}

// Put inserts or replaces a file
func (b *Backup) Put(name string, contents []byte) {
	b.files[name] = contents
}

// Delete removes a file. Deleting a missing file is a no-op.
func (b *Backup) Delete(name string) {
	delete(b.files, name)
}

// Marshal encodes the backup as an indented JSON document
func (b *Backup) Marshal() ([]byte, error) {
	return json.MarshalIndent(document{Files: b.files}, "", "  ")
}

// WriteFile writes the backup with the .pbb extension and returns the path
// written
func (b *Backup) WriteFile(path string) (string, error) {
	path = withExt(path, Ext)
	data, err := b.Marshal()
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}

// withExt replaces a backup extension on path, or appends ext
func withExt(path, ext string) string {
	switch filepath.Ext(path) {
	case Ext, CompactExt:
		path = strings.TrimSuffix(path, filepath.Ext(path))
	}
	return path + ext
}

// stem returns the file name without directory or extension
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
