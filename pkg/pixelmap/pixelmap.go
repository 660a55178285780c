// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pixelmap encodes and decodes the binary pixel map the device
// uses to place pixels in world space.
//
// The format is a 12-byte little-endian header of three uint32 values
// (format version, dimension count, data size in bytes) followed by one
// unsigned word per pixel per dimension. Version 1 (v2 hardware) uses
// 8-bit words, version 2 (v3 hardware) 16-bit words.
package pixelmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Format versions
const (
	Version8Bit  = 1
	Version16Bit = 2
)

// HeaderSize is the length of the map header
const HeaderSize = 12

// MaxDimensions is the largest supported world space
const MaxDimensions = 3

var (
	ErrInvalidMap   = errors.New("invalid pixel map")
	ErrStaleMap     = errors.New("map does not match pixel count; re-save map and try again")
	ErrVersion      = errors.New("unsupported pixel map version")
	ErrNoPixels     = errors.New("pixel map has no pixels")
	ErrRaggedCoords = errors.New("pixels have differing dimension counts")
)

// VersionForFirmware returns the map format a firmware major version expects
func VersionForFirmware(major int) int {
	if major >= 3 {
		return Version16Bit
	}
	return Version8Bit
}

// Encode normalizes per-pixel coordinates into map data. coords holds one
// entry per pixel, each with one to three coordinates; every dimension is
// rescaled to the full word range.
func Encode(coords [][]float64, version int) ([]byte, error) {
	if version != Version8Bit && version != Version16Bit {
		return nil, fmt.Errorf("%w: %d", ErrVersion, version)
	}
	if len(coords) == 0 {
		return nil, ErrNoPixels
	}
	dims := len(coords[0])
	if dims < 1 || dims > MaxDimensions {
		return nil, fmt.Errorf("%w: %d dimensions", ErrInvalidMap, dims)
	}

	lo := make([]float64, dims)
	hi := make([]float64, dims)
	for d := range dims {
		lo[d] = math.Inf(1)
		hi[d] = math.Inf(-1)
	}
	for i, pixel := range coords {
		if len(pixel) != dims {
			return nil, fmt.Errorf("%w: pixel %d has %d, expected %d", ErrRaggedCoords, i, len(pixel), dims)
		}
		for d, v := range pixel {
			lo[d] = min(lo[d], v)
			hi[d] = max(hi[d], v)
		}
	}

	wordSize := version
	maxWord := float64(uint32(1)<<(8*wordSize) - 1)
	dataSize := len(coords) * dims * wordSize

	out := make([]byte, HeaderSize, HeaderSize+dataSize)
	binary.LittleEndian.PutUint32(out[0:], uint32(version))
	binary.LittleEndian.PutUint32(out[4:], uint32(dims))
	binary.LittleEndian.PutUint32(out[8:], uint32(dataSize))

	for _, pixel := range coords {
		for d, v := range pixel {
			var scaled float64
			if span := hi[d] - lo[d]; span > 0 {
				scaled = (v - lo[d]) / span
			}
			word := uint16(math.Floor(maxWord * scaled))
			if wordSize == 1 {
				out = append(out, byte(word))
			} else {
				out = binary.LittleEndian.AppendUint16(out, word)
			}
		}
	}
	return out, nil
}

// Decode parses map data into unit-normalized coordinates, one slice per
// dimension. A map built for a different pixel count returns ErrStaleMap.
func Decode(data []byte, pixelCount int) ([][]float64, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidMap, len(data))
	}
	version := int(binary.LittleEndian.Uint32(data[0:]))
	dims := int(binary.LittleEndian.Uint32(data[4:]))
	dataSize := int(binary.LittleEndian.Uint32(data[8:]))

	if version != Version8Bit && version != Version16Bit {
		return nil, fmt.Errorf("%w: %d", ErrVersion, version)
	}
	if dims < 1 || dims > MaxDimensions {
		return nil, fmt.Errorf("%w: %d dimensions", ErrInvalidMap, dims)
	}
	body := data[HeaderSize:]
	if dataSize > len(body) {
		return nil, fmt.Errorf("%w: header declares %d bytes, %d present", ErrInvalidMap, dataSize, len(body))
	}

	wordSize := version
	elements := dataSize / wordSize / dims
	if elements != pixelCount {
		return nil, fmt.Errorf("%w: map has %d pixels, device has %d", ErrStaleMap, elements, pixelCount)
	}

	maxWord := float64(uint32(1)<<(8*wordSize) - 1)
	world := make([][]float64, dims)
	for d := range world {
		world[d] = make([]float64, elements)
	}
	for i := range elements {
		for d := range dims {
			offset := (i*dims + d) * wordSize
			var word uint16
			if wordSize == 1 {
				word = uint16(body[offset])
			} else {
				word = binary.LittleEndian.Uint16(body[offset:])
			}
			world[d][i] = float64(word) / maxWord
		}
	}
	return world, nil
}

// Linear returns the map a device without pixel map data uses: one
// dimension with pixels evenly spaced over 0..1
func Linear(pixelCount int) [][]float64 {
	line := make([]float64, pixelCount)
	for i := range line {
		if pixelCount > 1 {
			line[i] = float64(i) / float64(pixelCount-1)
		}
	}
	return [][]float64{line}
}

// Offsets converts normalized coordinates, one slice per dimension, into
// integer grid positions. Each dimension is divided by the smallest
// non-zero distance between its coordinates.
func Offsets(world [][]float64) [][]int {
	offsets := make([][]int, len(world))
	for d, values := range world {
		if len(values) == 0 {
			offsets[d] = []int{}
			continue
		}
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)

		lo := sorted[0]
		step := 1.0
		for i := 1; i < len(sorted); i++ {
			if delta := sorted[i] - sorted[i-1]; delta > 0 {
				step = min(step, delta)
			}
		}

		offsets[d] = make([]int, len(values))
		for i, v := range values {
			offsets[d][i] = int(math.Round((v - lo) / step))
		}
	}
	return offsets
}
