// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package lzstring implements the lz-string dictionary compression scheme
// used by Pixelblaze firmware to store pattern source code.
//
// The codec works on UTF-16 code units and packs 16 bits into every output
// unit. The byte form used on the wire and inside pattern containers is
// big-endian, two bytes per unit. Output must stay bit-for-bit compatible with
// the JavaScript implementation running in the device's web UI.
package lzstring

import (
	"errors"
	"unicode/utf16"
)

const (
	bitsPerUnit = 16
	resetValue  = 128 // first bit mask when reading the byte form
)

// Stream control codes
const (
	codeLiteral8  = 0
	codeLiteral16 = 1
	codeEnd       = 2
)

var (
	// ErrEmptyInput is returned when decompressing a zero-length code.
	ErrEmptyInput = errors.New("lzstring: empty input")

	// ErrInvalidCode is returned when a code references a dictionary entry
	// that does not exist yet.
	ErrInvalidCode = errors.New("lzstring: invalid dictionary reference")
)

// Compress compresses text into the big-endian byte form.
func Compress(text string) []byte {
	units := CompressUnits(utf16.Encode([]rune(text)))
	out := make([]byte, 0, len(units)*2)
	for _, u := range units {
		out = append(out, byte(u>>8), byte(u))
	}
	return out
}

// Decompress expands a code produced by Compress.
//
// A nil code decompresses to the empty string. A non-nil code of length zero
// returns ErrEmptyInput. A truncated code is treated as corrupt pattern data
// and decompresses to the empty string without an error.
func Decompress(code []byte) (string, error) {
	if code == nil {
		return "", nil
	}
	if len(code) == 0 {
		return "", ErrEmptyInput
	}
	units, err := decompress(newBitReader(code))
	if err != nil {
		return "", err
	}
	return string(utf16.Decode(units)), nil
}

// DecompressUnits expands a code held as 16-bit units.
func DecompressUnits(code []uint16) (string, error) {
	if code == nil {
		return "", nil
	}
	buf := make([]byte, 0, len(code)*2)
	for _, u := range code {
		buf = append(buf, byte(u>>8), byte(u))
	}
	return Decompress(buf)
}

// ============================================================
// Compression
// ============================================================

// bitWriter accumulates bits most significant first into 16-bit units
type bitWriter struct {
	units    []uint16
	val      uint16
	position int
}

func (w *bitWriter) writeBit(bit uint16) {
	w.val = (w.val << 1) | bit
	if w.position == bitsPerUnit-1 {
		w.position = 0
		w.units = append(w.units, w.val)
		w.val = 0
	} else {
		w.position++
	}
}

// writeBits writes the low n bits of value, least significant bit first
func (w *bitWriter) writeBits(value, n int) {
	for i := 0; i < n; i++ {
		w.writeBit(uint16(value & 1))
		value >>= 1
	}
}

// flush pads the current unit with zero bits
func (w *bitWriter) flush() {
	for {
		w.val <<= 1
		if w.position == bitsPerUnit-1 {
			w.units = append(w.units, w.val)
			return
		}
		w.position++
	}
}

// unitKey encodes a single code unit as a dictionary key
func unitKey(u uint16) string {
	return string([]byte{byte(u >> 8), byte(u)})
}

// firstUnit returns the first code unit of a dictionary key
func firstUnit(key string) uint16 {
	return uint16(key[0])<<8 | uint16(key[1])
}

// CompressUnits compresses a sequence of UTF-16 code units.
func CompressUnits(input []uint16) []uint16 {
	var (
		dictionary = make(map[string]int)
		toCreate   = make(map[string]bool)
		enlargeIn  = 2 // the first entry does not count
		dictSize   = 3
		numBits    = 2
		w          string
		out        bitWriter
	)

	grow := func() {
		enlargeIn--
		if enlargeIn == 0 {
			enlargeIn = 1 << numBits
			numBits++
		}
	}

	emit := func() {
		if toCreate[w] {
			first := firstUnit(w)
			if first < 256 {
				out.writeBits(codeLiteral8, numBits)
				out.writeBits(int(first), 8)
			} else {
				out.writeBits(codeLiteral16, numBits)
				out.writeBits(int(first), 16)
			}
			grow()
			delete(toCreate, w)
		} else {
			out.writeBits(dictionary[w], numBits)
		}
		grow()
	}

	for _, u := range input {
		c := unitKey(u)
		if _, ok := dictionary[c]; !ok {
			dictionary[c] = dictSize
			dictSize++
			toCreate[c] = true
		}

		wc := w + c
		if _, ok := dictionary[wc]; ok {
			w = wc
			continue
		}

		emit()
		dictionary[wc] = dictSize
		dictSize++
		w = c
	}

	if w != "" {
		emit()
	} else {
		grow()
	}

	out.writeBits(codeEnd, numBits)
	out.flush()
	return out.units
}

// ============================================================
// Decompression
// ============================================================

// bitReader reads bits most significant first from the byte form.
// Reads past the end of the data yield zero bits.
type bitReader struct {
	data     []byte
	val      byte
	position byte
	index    int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{
		data:     data,
		val:      data[0],
		position: resetValue,
		index:    1,
	}
}

// readBits assembles n bits into an integer, least significant bit first
func (r *bitReader) readBits(n int) int {
	bits := 0
	maxPower := 1 << n
	for power := 1; power != maxPower; power <<= 1 {
		resb := r.val & r.position
		r.position >>= 1
		if r.position == 0 {
			r.position = resetValue
			if r.index < len(r.data) {
				r.val = r.data[r.index]
			} else {
				r.val = 0
			}
			r.index++
		}
		if resb > 0 {
			bits |= power
		}
	}
	return bits
}

func decompress(r *bitReader) ([]uint16, error) {
	var (
		dictionary = make([][]uint16, 3, 64) // slots 0..2 are control codes
		enlargeIn  = 4
		dictSize   = 4
		numBits    = 3
		c          []uint16
	)

	switch r.readBits(2) {
	case codeLiteral8:
		c = []uint16{uint16(r.readBits(8))}
	case codeLiteral16:
		c = []uint16{uint16(r.readBits(16))}
	case codeEnd:
		return nil, nil
	default:
		return nil, ErrInvalidCode
	}

	dictionary = append(dictionary, c)
	w := c
	result := append([]uint16(nil), c...)

	for {
		if r.index > len(r.data) {
			return nil, nil
		}

		code := r.readBits(numBits)
		switch code {
		case codeLiteral8:
			dictionary = append(dictionary, []uint16{uint16(r.readBits(8))})
			dictSize++
			code = dictSize - 1
			enlargeIn--
		case codeLiteral16:
			dictionary = append(dictionary, []uint16{uint16(r.readBits(16))})
			dictSize++
			code = dictSize - 1
			enlargeIn--
		case codeEnd:
			return result, nil
		}

		if enlargeIn == 0 {
			enlargeIn = 1 << numBits
			numBits++
		}

		var entry []uint16
		switch {
		case code < len(dictionary) && dictionary[code] != nil:
			entry = dictionary[code]
		case code == dictSize:
			entry = append(append([]uint16(nil), w...), w[0])
		default:
			return nil, ErrInvalidCode
		}
		result = append(result, entry...)

		dictionary = append(dictionary, append(append([]uint16(nil), w...), entry[0]))
		dictSize++
		enlargeIn--
		w = entry

		if enlargeIn == 0 {
			enlargeIn = 1 << numBits
			numBits++
		}
	}
}
