package epacket

import (
	"encoding/binary"
)

// Test frame layout (loopback/test interfaces, no encryption):
//   Type(1) | Auth(1) | Flags(2 LE) | Payload
//
// The logical field set is authoritative: type, auth and a 16-bit flag
// word always occupy four bytes, the sequence is implicitly zero.

// EncodeTestFrame serialises p for a plaintext test interface.
func EncodeTestFrame(p *Packet, maxFrame int) ([]byte, error) {
	if TestHeaderSize+len(p.Payload) > maxFrame {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, TestHeaderSize+len(p.Payload))
	frame[0] = p.Type
	frame[1] = byte(p.Auth)
	binary.LittleEndian.PutUint16(frame[2:4], p.Flags)
	copy(frame[TestHeaderSize:], p.Payload)
	return frame, nil
}

// DecodeTestFrame parses a plaintext test frame. Decoding fails closed:
// a short frame is rejected whole with no partial interpretation.
func DecodeTestFrame(frame []byte) (*Packet, error) {
	if len(frame) < TestHeaderSize {
		return nil, ErrMalformedFrame
	}

	p := &Packet{
		Type:  frame[0],
		Auth:  Auth(frame[1]),
		Flags: binary.LittleEndian.Uint16(frame[2:4]),
	}
	p.Payload = make([]byte, len(frame)-TestHeaderSize)
	copy(p.Payload, frame[TestHeaderSize:])
	return p, nil
}

// Crypt frame layout (radio/serial/IP interfaces):
//   associated data: Version(1) | Type(1) | Flags(2) | KeyID(3) | DeviceIDHi(4)
//   nonce:           DeviceIDLo(4) | Time(4) | Sequence(2) | Entropy(2)
//   Ciphertext | Tag(16)
//
// The associated data covers the header fields so a tampered header
// causes authentication failure. The nonce is unique per key: the
// device identity partitions the space between devices and the
// sequence counter never repeats within a key lifetime.

const (
	cryptVersion  = 0
	adLength      = 11
	nonceLength   = 12
	minCryptFrame = CryptHeaderSize + TagSize
)

type cryptHeader struct {
	version   byte
	ptype     byte
	flags     uint16
	keyID     uint32
	deviceID  uint64
	timestamp uint32
	sequence  uint16
	entropy   uint16
}

func (h *cryptHeader) marshal() []byte {
	buf := make([]byte, CryptHeaderSize)
	buf[0] = h.version
	buf[1] = h.ptype
	binary.LittleEndian.PutUint16(buf[2:4], h.flags)
	buf[4] = byte(h.keyID)
	buf[5] = byte(h.keyID >> 8)
	buf[6] = byte(h.keyID >> 16)
	binary.LittleEndian.PutUint32(buf[7:11], uint32(h.deviceID>>32))
	binary.LittleEndian.PutUint32(buf[11:15], uint32(h.deviceID))
	binary.LittleEndian.PutUint32(buf[15:19], h.timestamp)
	binary.LittleEndian.PutUint16(buf[19:21], h.sequence)
	binary.LittleEndian.PutUint16(buf[21:23], h.entropy)
	return buf
}

func parseCryptHeader(frame []byte) cryptHeader {
	return cryptHeader{
		version: frame[0],
		ptype:   frame[1],
		flags:   binary.LittleEndian.Uint16(frame[2:4]),
		keyID:   uint32(frame[4]) | uint32(frame[5])<<8 | uint32(frame[6])<<16,
		deviceID: uint64(binary.LittleEndian.Uint32(frame[7:11]))<<32 |
			uint64(binary.LittleEndian.Uint32(frame[11:15])),
		timestamp: binary.LittleEndian.Uint32(frame[15:19]),
		sequence:  binary.LittleEndian.Uint16(frame[19:21]),
		entropy:   binary.LittleEndian.Uint16(frame[21:23]),
	}
}

// associatedData and nonce views over a marshalled header.
func (h *cryptHeader) associatedData(buf []byte) []byte { return buf[:adLength] }
func (h *cryptHeader) nonce(buf []byte) []byte          { return buf[adLength : adLength+nonceLength] }
