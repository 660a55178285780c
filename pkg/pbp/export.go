// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pbp

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ExportExt is the extension of portable export files
const ExportExt = ".epe"

// Export is an Electromage Pattern Export: a self-contained JSON document
// holding a pattern's name, id, sources and base64 preview
type Export struct {
	Name    string          `json:"name"`
	ID      string          `json:"id"`
	Sources json.RawMessage `json:"sources"`
	Preview string          `json:"preview"`
}

// ParseExport decodes an export document. A leading byte order mark is ignored.
func ParseExport(data []byte) (*Export, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	var e Export
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse export: %w", err)
	}
	return &e, nil
}

// ReadExport loads an export from disk
func ReadExport(path string) (*Export, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	return ParseExport(data)
}

// Marshal encodes the export with two-space indentation
func (e *Export) Marshal() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// WriteFile writes the export to path
func (e *Export) WriteFile(path string) error {
	data, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// SourceCode returns the "main" entry of the sources
func (e *Export) SourceCode() (string, error) {
	return mainSource(e.Sources)
}

// PreviewImage returns the decoded JPEG preview
func (e *Export) PreviewImage() ([]byte, error) {
	img, err := base64.StdEncoding.DecodeString(e.Preview)
	if err != nil {
		return nil, fmt.Errorf("decode preview: %w", err)
	}
	return img, nil
}

// Explode writes .metadata (name), .jpg and .js next to base
func (e *Export) Explode(base string) error {
	base = strings.TrimSuffix(base, ExportExt)

	img, err := e.PreviewImage()
	if err != nil {
		return err
	}
	src, err := e.SourceCode()
	if err != nil {
		return err
	}

	if err := os.WriteFile(base+".metadata", []byte(e.Name), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(base+".jpg", img, 0o644); err != nil {
		return err
	}
	return os.WriteFile(base+".js", []byte(src), 0o644)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// mainSource extracts sources.main
func mainSource(sources json.RawMessage) (string, error) {
	var doc struct {
		Main *string `json:"main"`
	}
	if err := json.Unmarshal(sources, &doc); err != nil {
		return "", fmt.Errorf("parse sources: %w", err)
	}
	if doc.Main == nil {
		return "", fmt.Errorf("sources have no main entry")
	}
	return *doc.Main, nil
}
