// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pbb

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// compact is the CBOR layout of a .pbbc file
type compact struct {
	Name  string            `cbor:"name"`
	Files map[string][]byte `cbor:"files"`
}

// MarshalCBOR encodes the backup as a compact CBOR document
func (b *Backup) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(compact{Name: b.name, Files: b.files})
}

// UnmarshalCBOR decodes a compact CBOR document into the backup
func (b *Backup) UnmarshalCBOR(data []byte) error {
	var c compact
	if err := cbor.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("failed to decode CBOR: %w", err)
	}
	b.name = c.Name
	b.files = c.Files
	if b.files == nil {
		b.files = make(map[string][]byte)
	}
	return nil
}

// ParseCompact decodes a compact backup
func ParseCompact(data []byte) (*Backup, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty CBOR payload")
	}
	var b Backup
	if err := b.UnmarshalCBOR(data); err != nil {
		return nil, err
	}
	return &b, nil
}

// WriteCompactFile writes the backup with the .pbbc extension and returns
// the path written
func (b *Backup) WriteCompactFile(path string) (string, error) {
	path = withExt(path, CompactExt)
	data, err := b.MarshalCBOR()
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}
