// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package discovery finds devices on the local broadcast domain.
//
// Every device broadcasts a beacon once per second on UDP port 1889. A
// Listener keeps a registry of the devices it has heard from and can act as
// a time source, answering each beacon with a time synchronization packet
// so that patterns run in step across devices. An Enumerator is the
// lightweight variant: it yields each new sender until the network has been
// quiet for a while.
package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Protocol constants
const (
	Port = 1889

	PacketBeacon   uint32 = 42
	PacketTimeSync uint32 = 43

	DefaultSyncID        uint32 = 890
	DefaultDeviceTimeout        = 30 * time.Second
	PurgeInterval               = 5 * time.Second

	HeaderSize   = 12
	TimeSyncSize = 20

	maxDatagram = 1024
)

var (
	ErrShortPacket = errors.New("discovery: packet too short")
)

// Header is the common prefix of every discovery packet
type Header struct {
	Kind       uint32
	SenderID   uint32
	SenderTime uint32
}

// ParseHeader decodes the 12-byte little-endian packet header. Trailing
// bytes are ignored.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	return Header{
		Kind:       binary.LittleEndian.Uint32(data[0:]),
		SenderID:   binary.LittleEndian.Uint32(data[4:]),
		SenderTime: binary.LittleEndian.Uint32(data[8:]),
	}, nil
}

// MarshalBinary encodes the header
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Kind)
	binary.LittleEndian.PutUint32(buf[4:], h.SenderID)
	binary.LittleEndian.PutUint32(buf[8:], h.SenderTime)
	return buf, nil
}

// TimeSync is the reply a time source sends to each beacon
type TimeSync struct {
	SyncID     uint32
	Now        uint32
	SenderID   uint32 // echoed from the beacon
	SenderTime uint32 // echoed from the beacon
}

// MarshalBinary encodes the 20-byte packet
func (t TimeSync) MarshalBinary() ([]byte, error) {
	buf := make([]byte, TimeSyncSize)
	binary.LittleEndian.PutUint32(buf[0:], PacketTimeSync)
	binary.LittleEndian.PutUint32(buf[4:], t.SyncID)
	binary.LittleEndian.PutUint32(buf[8:], t.Now)
	binary.LittleEndian.PutUint32(buf[12:], t.SenderID)
	binary.LittleEndian.PutUint32(buf[16:], t.SenderTime)
	return buf, nil
}

// ParseTimeSync decodes a time synchronization packet
func ParseTimeSync(data []byte) (TimeSync, error) {
	if len(data) < TimeSyncSize {
		return TimeSync{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	if kind := binary.LittleEndian.Uint32(data); kind != PacketTimeSync {
		return TimeSync{}, fmt.Errorf("discovery: packet kind %d is not a time sync", kind)
	}
	return TimeSync{
		SyncID:     binary.LittleEndian.Uint32(data[4:]),
		Now:        binary.LittleEndian.Uint32(data[8:]),
		SenderID:   binary.LittleEndian.Uint32(data[12:]),
		SenderTime: binary.LittleEndian.Uint32(data[16:]),
	}, nil
}

// Millis returns the protocol time base: Unix milliseconds modulo 0xFFFFFFFF
func Millis(t time.Time) uint32 {
	return uint32(t.UnixMilli() % 0xFFFFFFFF)
}
