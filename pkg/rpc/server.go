// Package rpc implements the single-context remote procedure server.
// Commands arrive as TypeRPCCommand packets, bulk payloads as
// TypeRPCData packets, and every command produces exactly one
// TypeRPCResponse on the interface the command arrived on.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/embeddedlink/epacket-go/pkg/debug"
	"github.com/embeddedlink/epacket-go/pkg/epacket"
	"github.com/embeddedlink/epacket-go/pkg/iface"
	"github.com/embeddedlink/epacket-go/pkg/watchdog"
)

// Wire layout, all little endian:
//
//	command:  CommandID(2) | RequestID(4) | fixed params | trailing data
//	response: CommandID(2) | RequestID(4) | ReturnCode(4) | response data
//	data:     RequestID(4) | Offset(4) | payload bytes
//	data ack: RequestID(4) | Offset(4) per acknowledged fragment
const (
	CommandHeaderSize  = 6
	ResponseHeaderSize = 10
	DataHeaderSize     = 8

	// MaxAckPeriod bounds how many data fragments may be outstanding
	// before the sender must wait for a TypeRPCDataAck.
	MaxAckPeriod = 8

	DefaultQueueDepth      = 8
	DefaultResponseTimeout = time.Second
)

// Return codes are zero for success and negative POSIX errno values on
// failure, so constrained peers can reuse their native error tables.
const (
	ReturnOK             int32 = 0
	ReturnTryAgain       int32 = -11  // EAGAIN
	ReturnNoMemory       int32 = -12  // ENOMEM
	ReturnInvalidRequest int32 = -22  // EINVAL
	ReturnUnknownCommand int32 = -95  // ENOTSUP
	ReturnTimeout        int32 = -110 // ETIMEDOUT
)

var ErrDataTimeout = errors.New("rpc: timed out waiting for data packet")

// Request is one parsed command invocation.
type Request struct {
	Server *Server
	From   iface.Interface
	Auth   epacket.Auth

	CommandID uint16
	RequestID uint32
	// Fixed is exactly Handler.FixedSize bytes of parameters.
	Fixed []byte
	// Trailing is the variable tail, already validated against
	// Handler.ElementSize.
	Trailing []byte
}

// ResponseWriter stages the response payload. Appends past the
// response buffer's tailroom are silently truncated, mirroring the
// transmit buffer semantics underneath.
type ResponseWriter struct {
	buf *iface.TxBuffer
}

func (w *ResponseWriter) Append(data []byte) int {
	return w.buf.Append(data)
}

func (w *ResponseWriter) Tailroom() int {
	return w.buf.Tailroom()
}

// Handler implements one command. Size declarations let the server
// reject malformed requests before the handler ever runs.
type Handler interface {
	CommandID() uint16
	// FixedSize is the exact byte count of the fixed parameter block.
	FixedSize() int
	// ElementSize describes the trailing data: 0 forbids any trailing
	// bytes, 1 allows an arbitrary byte array, and larger values require
	// the tail to be a whole number of elements.
	ElementSize() int
	Handle(req *Request, rsp *ResponseWriter) int32
}

// Registry maps command identifiers to their handlers.
type Registry struct {
	mutex    sync.RWMutex
	handlers map[uint16]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint16]Handler)}
}

func (r *Registry) Register(h Handler) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.handlers[h.CommandID()]; exists {
		return fmt.Errorf("rpc: command 0x%04X already registered", h.CommandID())
	}
	r.handlers[h.CommandID()] = h
	return nil
}

func (r *Registry) lookup(id uint16) Handler {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.handlers[id]
}

type queuedPacket struct {
	from iface.Interface
	pkt  *epacket.Packet
}

// Data is one received bulk transfer fragment.
type Data struct {
	RequestID uint32
	Offset    uint32
	Payload   []byte
}

// Config tunes the server. Zero values select the defaults.
type Config struct {
	// AckPeriod is how many data fragments are acknowledged per
	// TypeRPCDataAck. Clamped to MaxAckPeriod.
	AckPeriod uint8
	// QueueDepth bounds the command and data queues.
	QueueDepth int
	// ResponseTimeout bounds the wait for a response transmit buffer.
	ResponseTimeout time.Duration
}

func (c *Config) applyDefaults() {
	// AckPeriod zero disables data acknowledgements entirely
	if c.AckPeriod > MaxAckPeriod {
		c.AckPeriod = MaxAckPeriod
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
}

// Server executes commands one at a time on a single dispatch loop.
// Interface receive loops hand packets over through the non-blocking
// Queue functions, so a slow command never stalls packet reception.
type Server struct {
	registry *Registry
	cfg      Config

	cmdQueue  chan queuedPacket
	dataQueue chan queuedPacket

	// ackOffsets accumulates fragment offsets until an ack is due
	ackOffsets []uint32

	wdog    *watchdog.Channel
	stop    chan struct{}
	stopped sync.Once
}

func NewServer(registry *Registry, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		registry:   registry,
		cfg:        cfg,
		cmdQueue:   make(chan queuedPacket, cfg.QueueDepth),
		dataQueue:  make(chan queuedPacket, cfg.QueueDepth),
		ackOffsets: make([]uint32, 0, MaxAckPeriod),
		stop:       make(chan struct{}),
	}
}

// AttachWatchdog registers the dispatch loop with the liveness
// supervisor.
func (s *Server) AttachWatchdog(c *watchdog.Channel) {
	s.wdog = c
}

func (s *Server) Start() {
	go s.run()
}

func (s *Server) Stop() {
	s.stopped.Do(func() { close(s.stop) })
}

// QueueCommand hands a received command packet to the dispatch loop.
// Never blocks; when the queue is full the command is dropped and the
// peer recovers by retrying.
func (s *Server) QueueCommand(from iface.Interface, p *epacket.Packet) {
	select {
	case s.cmdQueue <- queuedPacket{from: from, pkt: p}:
	default:
		debug.Log(debug.DEBUG_ERROR, "RPC command queue full, dropping",
			"interface", from.Name(), "len", len(p.Payload))
	}
}

// QueueData hands a received data packet to the dispatch loop. Never
// blocks.
func (s *Server) QueueData(from iface.Interface, p *epacket.Packet) {
	select {
	case s.dataQueue <- queuedPacket{from: from, pkt: p}:
	default:
		debug.Log(debug.DEBUG_ERROR, "RPC data queue full, dropping",
			"interface", from.Name(), "len", len(p.Payload))
	}
}

func (s *Server) run() {
	for {
		if s.wdog != nil {
			s.wdog.Feed()
		}
		select {
		case <-s.stop:
			return
		case q := <-s.cmdQueue:
			s.drainStaleData()
			s.execute(q)
		case q := <-s.dataQueue:
			// Data with no command in progress has nothing to consume it
			debug.Log(debug.DEBUG_VERBOSE, "discarding unsolicited RPC data",
				"interface", q.from.Name(), "len", len(q.pkt.Payload))
		case <-time.After(time.Second):
			// Idle wakeup keeps the watchdog fed
		}
	}
}

// drainStaleData flushes fragments left over from a superseded command.
func (s *Server) drainStaleData() {
	for {
		select {
		case q := <-s.dataQueue:
			debug.Log(debug.DEBUG_VERBOSE, "discarding stale RPC data",
				"interface", q.from.Name(), "len", len(q.pkt.Payload))
		default:
			return
		}
	}
}

func (s *Server) execute(q queuedPacket) {
	payload := q.pkt.Payload
	if !q.pkt.Auth.Decrypted() {
		debug.Log(debug.DEBUG_VERBOSE, "ignoring unauthenticated RPC command",
			"interface", q.from.Name())
		return
	}
	if len(payload) < CommandHeaderSize {
		debug.Log(debug.DEBUG_ERROR, "RPC command too short to identify",
			"interface", q.from.Name(), "len", len(payload))
		return
	}

	commandID := binary.LittleEndian.Uint16(payload[0:2])
	requestID := binary.LittleEndian.Uint32(payload[2:6])

	handler := s.registry.lookup(commandID)
	if handler == nil {
		debug.Log(debug.DEBUG_INFO, "unknown RPC command",
			"command", commandID, "request", requestID)
		s.respond(q, commandID, requestID, ReturnUnknownCommand, nil)
		return
	}

	params := payload[CommandHeaderSize:]
	if len(params) < handler.FixedSize() {
		s.respond(q, commandID, requestID, ReturnInvalidRequest, nil)
		return
	}
	trailing := params[handler.FixedSize():]
	switch elem := handler.ElementSize(); {
	case elem == 0 && len(trailing) != 0:
		s.respond(q, commandID, requestID, ReturnInvalidRequest, nil)
		return
	case elem > 1 && len(trailing)%elem != 0:
		s.respond(q, commandID, requestID, ReturnInvalidRequest, nil)
		return
	}

	s.respond(q, commandID, requestID, ReturnOK, handler)
}

// respond allocates the response on the interface the command arrived
// on, runs the handler (if any) against it, then patches the final
// return code into the pre-filled header and queues the buffer.
func (s *Server) respond(q queuedPacket, commandID uint16, requestID uint32, rc int32, handler Handler) {
	buf, err := q.from.Allocate(iface.Wait(s.cfg.ResponseTimeout))
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "no buffer for RPC response",
			"interface", q.from.Name(), "command", commandID, "error", err)
		return
	}
	// An interface whose payload budget cannot even hold the response
	// header can never carry a well-formed response
	if buf.Tailroom() < ResponseHeaderSize {
		debug.Log(debug.DEBUG_ERROR, "interface too small for RPC response",
			"interface", q.from.Name(), "max_payload", q.from.MaxPayload())
		buf.Release()
		return
	}
	buf.SetMetadata(q.pkt.Auth, 0, epacket.TypeRPCResponse)

	var header [ResponseHeaderSize]byte
	binary.LittleEndian.PutUint16(header[0:2], commandID)
	binary.LittleEndian.PutUint32(header[2:6], requestID)
	binary.LittleEndian.PutUint32(header[6:10], uint32(rc))
	buf.Append(header[:])

	if handler != nil {
		req := &Request{
			Server:    s,
			From:      q.from,
			Auth:      q.pkt.Auth,
			CommandID: commandID,
			RequestID: requestID,
		}
		params := q.pkt.Payload[CommandHeaderSize:]
		req.Fixed = params[:handler.FixedSize()]
		req.Trailing = params[handler.FixedSize():]

		rc = handler.Handle(req, &ResponseWriter{buf: buf})
		binary.LittleEndian.PutUint32(buf.Bytes()[6:10], uint32(rc))
	}

	debug.Log(debug.DEBUG_INFO, "RPC response",
		"command", commandID, "request", requestID, "rc", rc, "len", buf.Len())
	q.from.Queue(buf)
}

// PullData blocks the dispatch loop until the next data fragment for
// requestID arrives or the timeout expires. Fragments for other
// requests are discarded. Handlers receiving bulk transfers call this
// in a loop; the watchdog is fed per fragment so slow but live
// transfers do not trip it.
func (s *Server) PullData(requestID uint32, timeout time.Duration) (*Data, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrDataTimeout
		}
		wait := remaining
		if wait > time.Second {
			wait = time.Second
		}
		select {
		case <-s.stop:
			return nil, ErrDataTimeout
		case q := <-s.dataQueue:
			if s.wdog != nil {
				s.wdog.Feed()
			}
			payload := q.pkt.Payload
			if len(payload) < DataHeaderSize {
				debug.Log(debug.DEBUG_VERBOSE, "malformed RPC data packet",
					"interface", q.from.Name(), "len", len(payload))
				continue
			}
			rid := binary.LittleEndian.Uint32(payload[0:4])
			if rid != requestID {
				debug.Log(debug.DEBUG_VERBOSE, "RPC data for wrong request",
					"got", rid, "want", requestID)
				continue
			}
			return &Data{
				RequestID: rid,
				Offset:    binary.LittleEndian.Uint32(payload[4:8]),
				Payload:   payload[DataHeaderSize:],
			}, nil
		case <-time.After(wait):
			if s.wdog != nil {
				s.wdog.Feed()
			}
		}
	}
}

// AckReady announces that a bulk transfer may begin: a TypeRPCDataAck
// carrying only the request identifier, no fragment offsets.
func (s *Server) AckReady(from iface.Interface, requestID uint32) {
	if s.cfg.AckPeriod == 0 {
		return
	}
	buf, err := from.Allocate(iface.Wait(s.cfg.ResponseTimeout))
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "no buffer for RPC ready ack",
			"interface", from.Name(), "error", err)
		return
	}
	buf.SetMetadata(epacket.AuthNetwork, 0, epacket.TypeRPCDataAck)

	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], requestID)
	buf.Append(id[:])
	from.Queue(buf)
}

// AckData records one received fragment and, once the configured ack
// period worth of fragments has accumulated, sends a TypeRPCDataAck
// listing their offsets back to the sender.
func (s *Server) AckData(from iface.Interface, requestID uint32, offset uint32) {
	if s.cfg.AckPeriod == 0 {
		return
	}
	s.ackOffsets = append(s.ackOffsets, offset)
	if len(s.ackOffsets) < int(s.cfg.AckPeriod) {
		return
	}
	s.FlushAcks(from, requestID)
}

// FlushAcks sends any accumulated fragment acknowledgements
// immediately, typically at end of transfer.
func (s *Server) FlushAcks(from iface.Interface, requestID uint32) {
	if len(s.ackOffsets) == 0 {
		return
	}
	buf, err := from.Allocate(iface.Wait(s.cfg.ResponseTimeout))
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "no buffer for RPC data ack",
			"interface", from.Name(), "error", err)
		s.ackOffsets = s.ackOffsets[:0]
		return
	}
	buf.SetMetadata(epacket.AuthNetwork, 0, epacket.TypeRPCDataAck)

	var entry [DataHeaderSize]byte
	for _, off := range s.ackOffsets {
		binary.LittleEndian.PutUint32(entry[0:4], requestID)
		binary.LittleEndian.PutUint32(entry[4:8], off)
		buf.Append(entry[:])
	}
	s.ackOffsets = s.ackOffsets[:0]
	from.Queue(buf)
}
