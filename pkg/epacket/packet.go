package epacket

import (
	"errors"
)

const (
	// Packet Types
	TypeEchoRequest    = 0x00
	TypeEchoResponse   = 0x01
	TypeTaggedData     = 0x02
	TypeKeyIDs         = 0x03
	TypeReceivedPacket = 0x04
	TypeRPCCommand     = 0x05
	TypeRPCData        = 0x06
	TypeRPCResponse    = 0x07
	TypeRPCDataAck     = 0x08

	// Types at or above this value are vendor defined
	TypeVendorBase = 0x80

	// Flag Values
	FlagEncryptionDevice  uint16 = 0x8000
	FlagEncryptionNetwork uint16 = 0x0000
	FlagAckRequest        uint16 = 0x4000
	FlagInterfaceMask     uint16 = 0x00FF

	// Header sizes
	TestHeaderSize  = 4
	CryptHeaderSize = 23
	CryptOverhead   = CryptHeaderSize + TagSize
	TagSize         = 16

	// A single byte payload with this value requests a TypeKeyIDs response
	KeyIDRequestMagic = 0x4D
	// A two byte payload starting with this value asks the peer to pause
	// transmission for the number of seconds in the second byte
	RateLimitRequestMagic = 0x4E

	DefaultMTU = 500
)

// Auth classifies how a packet was secured.
type Auth byte

const (
	// AuthFailure indicates the packet could not be authenticated. The
	// payload is opaque ciphertext and must not be interpreted.
	AuthFailure Auth = iota
	// AuthRemoteEncrypted indicates the packet is encrypted for another
	// device. The payload is opaque but intentionally so.
	AuthRemoteEncrypted
	AuthNetwork
	AuthDevice
)

func (a Auth) String() string {
	switch a {
	case AuthNetwork:
		return "network"
	case AuthDevice:
		return "device"
	case AuthRemoteEncrypted:
		return "remote"
	default:
		return "failure"
	}
}

// Decrypted reports whether the packet payload may be interpreted.
func (a Auth) Decrypted() bool {
	return a == AuthNetwork || a == AuthDevice
}

var (
	ErrMalformedFrame    = errors.New("epacket: malformed frame")
	ErrPayloadTooLarge   = errors.New("epacket: payload exceeds interface MTU")
	ErrSequenceExhausted = errors.New("epacket: sequence counter exhausted")
	ErrBadAuthLevel      = errors.New("epacket: invalid authentication level")
	ErrBadKey            = errors.New("epacket: invalid key material")
)

// Packet is the transport independent representation of a single frame.
// Instances are created either locally for transmission or by decoding
// bytes received on an interface. Exactly one consumer (forwarding or
// local handling) ever claims a received packet.
type Packet struct {
	Type     byte
	Auth     Auth
	Flags    uint16
	Sequence uint16

	// Populated on decode of encrypted frames
	DeviceID  uint64
	KeyID     uint32
	Timestamp uint32

	// Payload is the decrypted application bytes, or for Auth values of
	// AuthFailure and AuthRemoteEncrypted, the raw undecrypted frame.
	Payload []byte
}
