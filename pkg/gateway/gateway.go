// Package gateway wires received packets to their consumers. Every
// interface gets exactly one receive handler: either the local default
// handler, or a forwarding handler that relays accepted packets to a
// backhaul interface and falls back to local handling for the rest.
package gateway

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/embeddedlink/epacket-go/pkg/debug"
	"github.com/embeddedlink/epacket-go/pkg/epacket"
	"github.com/embeddedlink/epacket-go/pkg/iface"
	"github.com/embeddedlink/epacket-go/pkg/rpc"
	"github.com/embeddedlink/epacket-go/pkg/tdf"
)

// keyIDResponseInterval rate limits TypeKeyIDs responses so a chatty
// peer cannot monopolise transmit buffers.
const keyIDResponseInterval = time.Second

// forwardTimeout bounds the wait for a backhaul transmit buffer so the
// radio receive loop keeps feeding its watchdog.
const forwardTimeout = time.Second

// ForwardHeaderSize is the fixed prefix a forwarded packet carries on
// the backhaul inside a TypeReceivedPacket payload:
//
//	LenFlags(2) | Auth(1) | Type(1) | Sequence(2) | DeviceID(8)
//
// Bit 15 of LenFlags marks a payload that is still encrypted (auth
// failed or encrypted for another device); the low 15 bits hold the
// payload length.
const ForwardHeaderSize = 14

const forwardEncryptedBit = 0x8000

// FilterFlags selects which received packets a gateway forwards.
type FilterFlags uint8

const (
	// ForwardOnlyDecrypted rejects packets that failed authentication
	// or are encrypted for another device.
	ForwardOnlyDecrypted FilterFlags = 1 << iota
	// ForwardOnlyTaggedData rejects everything but TypeTaggedData.
	ForwardOnlyTaggedData
	// ForwardOnlyAnnouncements rejects tagged-data payloads with no
	// announcement record. Requires both other flags.
	ForwardOnlyAnnouncements
)

var ErrInvalidFilter = errors.New("gateway: announcement filter requires decrypted and tagged-data filters")

// Validate rejects flag combinations whose evaluation order would read
// undecrypted bytes as record framing.
func (f FilterFlags) Validate() error {
	if f&ForwardOnlyAnnouncements != 0 &&
		f&(ForwardOnlyDecrypted|ForwardOnlyTaggedData) != (ForwardOnlyDecrypted|ForwardOnlyTaggedData) {
		return ErrInvalidFilter
	}
	return nil
}

// Accept applies the filter clauses in their fixed order. Each later
// clause may assume the earlier ones passed, which is what makes
// walking the payload records safe in the final clause.
func (f FilterFlags) Accept(p *epacket.Packet) bool {
	if f&(ForwardOnlyDecrypted|ForwardOnlyAnnouncements) != 0 && !p.Auth.Decrypted() {
		return false
	}
	if f&(ForwardOnlyTaggedData|ForwardOnlyAnnouncements) != 0 && p.Type != epacket.TypeTaggedData {
		return false
	}
	if f&ForwardOnlyAnnouncements != 0 {
		if _, ok := tdf.FindAnnouncement(p.Payload); !ok {
			return false
		}
	}
	return true
}

// DefaultHandler dispatches locally consumed packets by type: key ID
// requests, echo requests and the RPC packet classes. Unauthenticated
// packets and unhandled types are dropped.
type DefaultHandler struct {
	server *rpc.Server
	keys   *epacket.KeyStore

	mutex         sync.Mutex
	lastKeyIDSent time.Time
}

func NewDefaultHandler(server *rpc.Server, keys *epacket.KeyStore) *DefaultHandler {
	return &DefaultHandler{server: server, keys: keys}
}

// Handle is installed as an interface receive handler.
func (h *DefaultHandler) Handle(from iface.Interface, p *epacket.Packet) {
	// The key ID request is recognised by payload alone so that a peer
	// with no valid keys can still discover which ones to provision.
	if len(p.Payload) == 1 && p.Payload[0] == epacket.KeyIDRequestMagic {
		h.sendKeyIDs(from)
		return
	}

	if !p.Auth.Decrypted() {
		debug.Log(debug.DEBUG_VERBOSE, "dropping unauthenticated packet",
			"interface", from.Name(), "type", p.Type)
		return
	}

	// A congested gateway asks us to pause transmission toward it. Only
	// authenticated requests are honoured, a forged pause is a trivial
	// denial of service otherwise.
	if len(p.Payload) == 2 && p.Payload[0] == epacket.RateLimitRequestMagic {
		pause := time.Duration(p.Payload[1]) * time.Second
		debug.Log(debug.DEBUG_INFO, "peer requested transmit pause",
			"interface", from.Name(), "pause", pause)
		from.Pause(pause)
		return
	}

	switch p.Type {
	case epacket.TypeEchoRequest:
		h.sendEchoResponse(from, p)
	case epacket.TypeRPCCommand:
		h.server.QueueCommand(from, p)
	case epacket.TypeRPCData:
		h.server.QueueData(from, p)
	case epacket.TypeTaggedData:
		if a, ok := tdf.FindAnnouncement(p.Payload); ok {
			debug.Log(debug.DEBUG_INFO, "peer announcement",
				"device_id", a.DeviceID, "application", a.Application,
				"version", a.Version, "uptime", a.Uptime)
		}
	default:
		debug.Log(debug.DEBUG_VERBOSE, "no consumer for packet",
			"interface", from.Name(), "type", p.Type)
	}
}

// sendKeyIDs answers with the current device and network key
// identifiers, three little endian bytes each. At most one response
// per second is produced.
func (h *DefaultHandler) sendKeyIDs(from iface.Interface) {
	h.mutex.Lock()
	if time.Since(h.lastKeyIDSent) < keyIDResponseInterval {
		h.mutex.Unlock()
		return
	}
	h.lastKeyIDSent = time.Now()
	h.mutex.Unlock()

	buf, err := from.Allocate(iface.NoWait())
	if err != nil {
		return
	}
	buf.SetMetadata(epacket.AuthNetwork, 0, epacket.TypeKeyIDs)

	var ids [6]byte
	putUint24(ids[0:3], h.keys.DeviceKeyID())
	putUint24(ids[3:6], h.keys.NetworkKeyID())
	buf.Append(ids[:])
	from.Queue(buf)
}

// sendEchoResponse mirrors the request payload back at the auth level
// it arrived with, truncating if the response path has less room.
func (h *DefaultHandler) sendEchoResponse(from iface.Interface, p *epacket.Packet) {
	buf, err := from.Allocate(iface.NoWait())
	if err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "no buffer for echo response",
			"interface", from.Name())
		return
	}
	buf.SetMetadata(p.Auth, 0, epacket.TypeEchoResponse)
	buf.Append(p.Payload)
	from.Queue(buf)
}

// Gateway relays packets accepted by its filter from radio-side
// interfaces onto a backhaul interface, wrapped in a TypeReceivedPacket
// record. Rejected packets fall through to the local handler, so a
// forwarding gateway still answers echo and RPC traffic itself.
type Gateway struct {
	backhaul iface.Interface
	filter   FilterFlags
	local    *DefaultHandler
}

func New(backhaul iface.Interface, filter FilterFlags, local *DefaultHandler) (*Gateway, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return &Gateway{backhaul: backhaul, filter: filter, local: local}, nil
}

// Handle is installed as the receive handler on every radio-side
// interface of a gateway device.
func (g *Gateway) Handle(from iface.Interface, p *epacket.Packet) {
	if !g.filter.Accept(p) {
		g.local.Handle(from, p)
		return
	}
	g.forward(from, p)
}

func (g *Gateway) forward(from iface.Interface, p *epacket.Packet) {
	buf, err := g.backhaul.Allocate(iface.Wait(forwardTimeout))
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "backhaul congested, packet dropped",
			"from", from.Name(), "type", p.Type)
		return
	}
	if ForwardHeaderSize+len(p.Payload) > buf.Tailroom() {
		debug.Log(debug.DEBUG_ERROR, "packet too large for backhaul",
			"from", from.Name(), "len", len(p.Payload))
		buf.Release()
		return
	}

	lenFlags := uint16(len(p.Payload)) // #nosec G115
	if !p.Auth.Decrypted() {
		lenFlags |= forwardEncryptedBit
	}

	var header [ForwardHeaderSize]byte
	binary.LittleEndian.PutUint16(header[0:2], lenFlags)
	header[2] = byte(p.Auth)
	header[3] = p.Type
	binary.LittleEndian.PutUint16(header[4:6], p.Sequence)
	binary.LittleEndian.PutUint64(header[6:14], p.DeviceID)

	buf.SetMetadata(epacket.AuthNetwork, 0, epacket.TypeReceivedPacket)
	buf.Append(header[:])
	buf.Append(p.Payload)
	g.backhaul.Queue(buf)

	// Backhaul nearly exhausted, ask the radio peer to slow down
	if g.backhaul.FreeTxBuffers() <= 1 {
		g.sendRateLimitRequest(from)
	}
}

// sendRateLimitRequest asks the peer on the originating interface to
// pause for a second while the backhaul drains.
func (g *Gateway) sendRateLimitRequest(from iface.Interface) {
	buf, err := from.Allocate(iface.NoWait())
	if err != nil {
		return
	}
	buf.SetMetadata(epacket.AuthNetwork, 0, epacket.TypeVendorBase)
	buf.Append([]byte{epacket.RateLimitRequestMagic, 1})
	from.Queue(buf)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
