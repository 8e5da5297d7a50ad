package epacket

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/embeddedlink/epacket-go/pkg/debug"
)

// keySlot pairs an AEAD instance with its identifier and the sequence
// counter for nonces produced under it. Rotating the key resets the
// counter, as nonce uniqueness is only required within a key lifetime.
type keySlot struct {
	aead cipher.AEAD
	id   uint32
	seq  atomic.Uint32
}

// KeyStore holds the device-unique and shared network keys. Keys are
// loaded once at startup and replaced only by the serialized rotation
// operations, which never interleave with in-flight encrypt/decrypt.
type KeyStore struct {
	mutex   sync.RWMutex
	device  keySlot
	network keySlot
}

func NewKeyStore(deviceKey, networkKey []byte, deviceKeyID, networkKeyID uint32) (*KeyStore, error) {
	ks := &KeyStore{}
	if err := ks.RotateDeviceKey(deviceKey, deviceKeyID); err != nil {
		return nil, err
	}
	if err := ks.RotateNetworkKey(networkKey, networkKeyID); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KeyStore) RotateDeviceKey(key []byte, id uint32) error {
	return ks.rotate(&ks.device, key, id)
}

func (ks *KeyStore) RotateNetworkKey(key []byte, id uint32) error {
	return ks.rotate(&ks.network, key, id)
}

func (ks *KeyStore) rotate(slot *keySlot, key []byte, id uint32) error {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return ErrBadKey
	}

	ks.mutex.Lock()
	defer ks.mutex.Unlock()
	slot.aead = aead
	slot.id = id
	slot.seq.Store(0)
	return nil
}

// DeviceKeyID returns the identifier of the current device key.
func (ks *KeyStore) DeviceKeyID() uint32 {
	ks.mutex.RLock()
	defer ks.mutex.RUnlock()
	return ks.device.id
}

// NetworkKeyID returns the identifier of the current network key.
func (ks *KeyStore) NetworkKeyID() uint32 {
	ks.mutex.RLock()
	defer ks.mutex.RUnlock()
	return ks.network.id
}

// Crypto transforms between logical packets and their encrypted wire
// representation for a single device identity.
type Crypto struct {
	keys     *KeyStore
	deviceID uint64
}

func NewCrypto(keys *KeyStore, deviceID uint64) *Crypto {
	return &Crypto{keys: keys, deviceID: deviceID}
}

func (c *Crypto) DeviceID() uint64 {
	return c.deviceID
}

// Encrypt produces the wire frame for p at the auth level recorded in
// p.Flags/p.Auth. Side effect: the per-key sequence counter advances and
// p.Sequence records the value used. Counters saturate rather than wrap,
// so a key can never emit two frames under the same nonce.
func (c *Crypto) Encrypt(p *Packet, maxFrame int) ([]byte, error) {
	// Already encrypted by a remote party, pass through untouched
	if p.Auth == AuthRemoteEncrypted {
		if len(p.Payload) > maxFrame {
			return nil, ErrPayloadTooLarge
		}
		return p.Payload, nil
	}

	if CryptOverhead+len(p.Payload) > maxFrame {
		return nil, ErrPayloadTooLarge
	}

	c.keys.mutex.RLock()
	defer c.keys.mutex.RUnlock()

	var slot *keySlot
	switch p.Auth {
	case AuthDevice:
		slot = &c.keys.device
		p.Flags |= FlagEncryptionDevice
	case AuthNetwork:
		slot = &c.keys.network
		p.Flags &^= FlagEncryptionDevice
	default:
		return nil, ErrBadAuthLevel
	}

	// The counter must never advance past the saturation point: a blind
	// increment would eventually wrap uint32 and reuse a nonce.
	var seq uint32
	for {
		cur := slot.seq.Load()
		if cur > 0xFFFF {
			return nil, ErrSequenceExhausted
		}
		if slot.seq.CompareAndSwap(cur, cur+1) {
			seq = cur
			break
		}
	}

	hdr := cryptHeader{
		version:   cryptVersion,
		ptype:     p.Type,
		flags:     p.Flags,
		keyID:     slot.id,
		deviceID:  c.deviceID,
		timestamp: uint32(time.Now().Unix()), // #nosec G115
		sequence:  uint16(seq),
		entropy:   randomEntropy(),
	}

	frame := hdr.marshal()
	frame = slot.aead.Seal(frame, hdr.nonce(frame), p.Payload, hdr.associatedData(frame))

	p.Sequence = hdr.sequence
	p.KeyID = slot.id
	p.DeviceID = c.deviceID
	return frame, nil
}

// Decrypt classifies an inbound frame. It never fails: on any error the
// returned packet carries AuthFailure and the untouched raw frame as its
// payload, so higher layers can still log, count or forward it.
func (c *Crypto) Decrypt(frame []byte) *Packet {
	p := &Packet{Auth: AuthFailure}
	p.Payload = make([]byte, len(frame))
	copy(p.Payload, frame)

	if len(frame) < minCryptFrame {
		return p
	}

	hdr := parseCryptHeader(frame)
	if hdr.version != cryptVersion {
		return p
	}

	// Header metadata is informational even when authentication fails
	p.Type = hdr.ptype
	p.Flags = hdr.flags
	p.Sequence = hdr.sequence
	p.KeyID = hdr.keyID
	p.DeviceID = hdr.deviceID
	p.Timestamp = hdr.timestamp

	c.keys.mutex.RLock()
	defer c.keys.mutex.RUnlock()

	var slot *keySlot
	var auth Auth
	if hdr.flags&FlagEncryptionDevice != 0 {
		if hdr.deviceID != c.deviceID {
			// Encrypted for another device, opaque but valid
			p.Auth = AuthRemoteEncrypted
			return p
		}
		slot = &c.keys.device
		auth = AuthDevice
	} else {
		slot = &c.keys.network
		auth = AuthNetwork
	}

	plaintext, err := slot.aead.Open(nil, hdr.nonce(frame), frame[CryptHeaderSize:], hdr.associatedData(frame))
	if err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "packet authentication failed",
			"device_id", hdr.deviceID, "sequence", hdr.sequence)
		return p
	}

	p.Auth = auth
	p.Payload = plaintext
	return p
}

func randomEntropy() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b[:])
}
