package iface

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embeddedlink/epacket-go/pkg/debug"
	"github.com/embeddedlink/epacket-go/pkg/epacket"
	"github.com/embeddedlink/epacket-go/pkg/watchdog"
)

const DefaultTxBuffers = 4

var (
	ErrOutOfResources = errors.New("iface: no transmit buffers available")
	ErrOffline        = errors.New("iface: interface offline")
)

// AllocPolicy controls how long Allocate may wait for a free buffer.
// Non-blocking allocation failure is a normal, recoverable condition.
type AllocPolicy struct {
	wait    bool
	timeout time.Duration
}

func NoWait() AllocPolicy             { return AllocPolicy{} }
func Wait(d time.Duration) AllocPolicy { return AllocPolicy{wait: true, timeout: d} }

// Handler processes one received packet. Exactly one handler executes
// per packet, on the receiving interface's own processing loop.
type Handler func(from Interface, p *epacket.Packet)

// TxDoneFunc is run after the transport accepts or rejects a buffer.
type TxDoneFunc func(from Interface, p *epacket.Packet, result error)

// TxFailureFunc observes transport-level send failures on an interface.
type TxFailureFunc func(p *epacket.Packet, err error)

// Interface is the capability set every physical transport implements.
type Interface interface {
	Name() string
	// MTU is the maximum wire frame size of the transport.
	MTU() int
	// MaxPayload is the MTU minus the codec overhead of this transport.
	MaxPayload() int
	// Allocate returns a writable transmit buffer sized to MaxPayload.
	Allocate(policy AllocPolicy) (*TxBuffer, error)
	// FreeTxBuffers reports how many transmit buffers are unclaimed.
	FreeTxBuffers() int
	// Queue hands the buffer to the transport. Ownership transfers; the
	// caller must not touch the buffer afterwards.
	Queue(b *TxBuffer)
	// Pause defers transmissions for d, honouring a peer's rate-limit
	// request. Reception is unaffected.
	Pause(d time.Duration)
	SetReceiveHandler(h Handler)
	AddTxFailureCallback(cb TxFailureFunc)
	Start() error
	Stop()
}

// TxBuffer is a staged outgoing packet owned by one interface's pool.
type TxBuffer struct {
	owner   *Base
	pkt     epacket.Packet
	payload []byte
	hasMeta bool
	done    TxDoneFunc
}

// SetMetadata must be called before Queue; omitting it is a programming
// error, not a runtime failure case.
func (b *TxBuffer) SetMetadata(auth epacket.Auth, flags uint16, ptype byte) {
	b.pkt.Auth = auth
	b.pkt.Flags = flags
	b.pkt.Type = ptype
	b.hasMeta = true
}

func (b *TxBuffer) SetTxDone(fn TxDoneFunc) {
	b.done = fn
}

// Append copies data into the buffer, truncating to the available
// tailroom. It returns the number of bytes actually staged.
func (b *TxBuffer) Append(data []byte) int {
	n := len(data)
	if room := b.Tailroom(); n > room {
		n = room
	}
	b.payload = append(b.payload, data[:n]...)
	return n
}

func (b *TxBuffer) Tailroom() int {
	return cap(b.payload) - len(b.payload)
}

func (b *TxBuffer) Len() int {
	return len(b.payload)
}

// Bytes exposes the staged payload for in-place header fixups. The
// returned slice is invalid once the buffer is queued.
func (b *TxBuffer) Bytes() []byte {
	return b.payload
}

// Release returns an allocated buffer to its pool without sending it.
// Only valid for buffers that were never queued.
func (b *TxBuffer) Release() {
	owner := b.owner
	b.reset()
	owner.txPool <- b
}

func (b *TxBuffer) reset() {
	b.pkt = epacket.Packet{}
	b.payload = b.payload[:0]
	b.hasMeta = false
	b.done = nil
}

// Base carries the state shared by all transports: the buffer pool, the
// transmit queue and its send loop, and the receive dispatch path. The
// concrete transport provides the wire send function and drives
// ProcessIncoming from its single receive loop.
type Base struct {
	name   string
	mtu    int
	crypto *epacket.Crypto // nil: plaintext test codec

	mutex      sync.RWMutex
	online     bool
	self       Interface
	handler    Handler
	txFailures []TxFailureFunc

	txPool      chan *TxBuffer
	txQueue     chan *TxBuffer
	sendFn      func(frame []byte) error
	pausedUntil atomic.Int64
	wdog        *watchdog.Channel
	stop        chan struct{}
	stopped     sync.Once
}

func (b *Base) init(name string, mtu int, crypto *epacket.Crypto) {
	b.name = name
	b.mtu = mtu
	b.crypto = crypto
	b.txPool = make(chan *TxBuffer, DefaultTxBuffers)
	b.txQueue = make(chan *TxBuffer, DefaultTxBuffers)
	b.stop = make(chan struct{})
	for i := 0; i < DefaultTxBuffers; i++ {
		b.txPool <- &TxBuffer{payload: make([]byte, 0, b.maxPayload())}
	}
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) MTU() int {
	return b.mtu
}

func (b *Base) MaxPayload() int {
	return b.maxPayload()
}

func (b *Base) maxPayload() int {
	overhead := epacket.TestHeaderSize
	if b.crypto != nil {
		overhead = epacket.CryptOverhead
	}
	if b.mtu <= overhead {
		return 0
	}
	return b.mtu - overhead
}

// AttachWatchdog registers the interface's processing loop with the
// liveness supervisor. Both the send loop and the receive path feed it.
func (b *Base) AttachWatchdog(c *watchdog.Channel) {
	b.wdog = c
}

func (b *Base) SetReceiveHandler(h Handler) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.handler = h
}

func (b *Base) AddTxFailureCallback(cb TxFailureFunc) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.txFailures = append(b.txFailures, cb)
}

func (b *Base) Allocate(policy AllocPolicy) (*TxBuffer, error) {
	var buf *TxBuffer
	if policy.wait {
		select {
		case buf = <-b.txPool:
		case <-time.After(policy.timeout):
			return nil, ErrOutOfResources
		}
	} else {
		select {
		case buf = <-b.txPool:
		default:
			return nil, ErrOutOfResources
		}
	}
	buf.reset()
	buf.owner = b
	return buf, nil
}

// FreeTxBuffers reports how many transmit buffers are currently unclaimed.
func (b *Base) FreeTxBuffers() int {
	return len(b.txPool)
}

func (b *Base) Queue(buf *TxBuffer) {
	if !buf.hasMeta {
		panic("iface: Queue called without SetMetadata")
	}
	b.txQueue <- buf
}

// startSendLoop runs the transmit half of the interface. One loop per
// interface preserves per-interface ordering.
func (b *Base) startSendLoop(send func(frame []byte) error) {
	b.sendFn = send
	go b.sendLoop()
}

func (b *Base) sendLoop() {
	for {
		select {
		case <-b.stop:
			return
		case buf := <-b.txQueue:
			b.transmit(buf)
		case <-time.After(time.Second):
			// Idle wakeup so a quiet interface still feeds the watchdog
		}
		if b.wdog != nil {
			b.wdog.Feed()
		}
	}
}

func (b *Base) Pause(d time.Duration) {
	b.pausedUntil.Store(time.Now().Add(d).UnixNano())
}

// waitWhilePaused holds the send loop until the pause window closes,
// in bounded steps so the watchdog stays fed. Shutdown cuts it short.
func (b *Base) waitWhilePaused() {
	for {
		remaining := time.Until(time.Unix(0, b.pausedUntil.Load()))
		if remaining <= 0 {
			return
		}
		if remaining > time.Second {
			remaining = time.Second
		}
		select {
		case <-b.stop:
			return
		case <-time.After(remaining):
		}
		if b.wdog != nil {
			b.wdog.Feed()
		}
	}
}

func (b *Base) transmit(buf *TxBuffer) {
	b.waitWhilePaused()
	buf.pkt.Payload = buf.payload
	frame, err := b.encode(&buf.pkt)
	if err == nil {
		err = b.sendFn(frame)
	}

	if buf.done != nil {
		buf.done(b.iface(), &buf.pkt, err)
	}
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "transmit failed",
			"interface", b.name, "type", buf.pkt.Type, "error", err)
		b.mutex.RLock()
		cbs := b.txFailures
		b.mutex.RUnlock()
		for _, cb := range cbs {
			cb(&buf.pkt, err)
		}
	}

	buf.reset()
	b.txPool <- buf
}

func (b *Base) encode(p *epacket.Packet) ([]byte, error) {
	if b.crypto == nil {
		return epacket.EncodeTestFrame(p, b.mtu)
	}
	return b.crypto.Encrypt(p, b.mtu)
}

// ProcessIncoming decodes and authenticates one received frame, then
// dispatches it to the registered handler. It is invoked from the
// owning transport's receive loop, so packets from a single interface
// are processed in arrival order.
func (b *Base) ProcessIncoming(frame []byte) {
	var pkt *epacket.Packet
	if b.crypto == nil {
		var err error
		pkt, err = epacket.DecodeTestFrame(frame)
		if err != nil {
			debug.Log(debug.DEBUG_VERBOSE, "dropping malformed frame",
				"interface", b.name, "len", len(frame))
			return
		}
	} else {
		pkt = b.crypto.Decrypt(frame)
	}

	debug.Log(debug.DEBUG_PACKETS, "received packet", "interface", b.name,
		"auth", pkt.Auth.String(), "type", pkt.Type, "seq", pkt.Sequence, "len", len(pkt.Payload))

	if b.wdog != nil {
		b.wdog.Feed()
	}

	b.mutex.RLock()
	handler := b.handler
	b.mutex.RUnlock()
	if handler == nil {
		return
	}
	handler(b.iface(), pkt)
}

// iface returns the Interface value handlers see. Concrete transports
// register themselves at construction.
func (b *Base) iface() Interface {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.self
}

func (b *Base) setSelf(i Interface) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.self = i
}

func (b *Base) setOnline(online bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.online = online
}

func (b *Base) IsOnline() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.online
}

func (b *Base) shutdown() {
	b.stopped.Do(func() { close(b.stop) })
}
