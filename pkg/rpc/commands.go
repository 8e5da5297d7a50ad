package rpc

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/embeddedlink/epacket-go/pkg/debug"
)

// Built-in command identifiers.
const (
	CmdEcho            uint16 = 0x0001
	CmdApplicationInfo uint16 = 0x0002
	CmdHeapStats       uint16 = 0x0003
	CmdReboot          uint16 = 0x0004
	CmdStateUpdate     uint16 = 0x0005
	CmdDataReceiver    uint16 = 0x0006
	CmdTimeSet         uint16 = 0x0007
)

// DefaultRebootDelay substitutes a requested delay of zero so the
// response always reaches the wire before the restart.
const DefaultRebootDelay = 2000 * time.Millisecond

// Echo returns the request's trailing bytes unchanged, truncated to
// whatever fits in the response buffer.
type Echo struct{}

func (Echo) CommandID() uint16 { return CmdEcho }
func (Echo) FixedSize() int    { return 0 }
func (Echo) ElementSize() int  { return 1 }

func (Echo) Handle(req *Request, rsp *ResponseWriter) int32 {
	rsp.Append(req.Trailing)
	return ReturnOK
}

// ApplicationInfo reports the firmware identity and uptime counters.
// Response: Version(4) | Uptime seconds(4) | RebootCount(4).
type ApplicationInfo struct {
	Version     uint32
	BootTime    time.Time
	RebootCount uint32
}

func (*ApplicationInfo) CommandID() uint16 { return CmdApplicationInfo }
func (*ApplicationInfo) FixedSize() int    { return 0 }
func (*ApplicationInfo) ElementSize() int  { return 0 }

func (a *ApplicationInfo) Handle(_ *Request, rsp *ResponseWriter) int32 {
	var out [12]byte
	binary.LittleEndian.PutUint32(out[0:4], a.Version)
	binary.LittleEndian.PutUint32(out[4:8], uint32(time.Since(a.BootTime).Seconds())) // #nosec G115
	binary.LittleEndian.PutUint32(out[8:12], a.RebootCount)
	rsp.Append(out[:])
	return ReturnOK
}

// HeapStats reports runtime memory usage.
// Response: HeapAlloc(8) | HeapSys(8) | NumGC(4).
type HeapStats struct{}

func (HeapStats) CommandID() uint16 { return CmdHeapStats }
func (HeapStats) FixedSize() int    { return 0 }
func (HeapStats) ElementSize() int  { return 0 }

func (HeapStats) Handle(_ *Request, rsp *ResponseWriter) int32 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var out [20]byte
	binary.LittleEndian.PutUint64(out[0:8], m.HeapAlloc)
	binary.LittleEndian.PutUint64(out[8:16], m.HeapSys)
	binary.LittleEndian.PutUint32(out[16:20], m.NumGC)
	rsp.Append(out[:])
	return ReturnOK
}

// Reboot restarts the process after a delay. The response is queued
// before the restart fires, so a zero delay is substituted with
// DefaultRebootDelay rather than racing the transmit path.
// Request fixed: DelayMillis(4). Response: DelayMillis(4) as applied.
type Reboot struct {
	// Restart replaces the process exit, primarily for tests.
	Restart func()
}

func (*Reboot) CommandID() uint16 { return CmdReboot }
func (*Reboot) FixedSize() int    { return 4 }
func (*Reboot) ElementSize() int  { return 0 }

func (r *Reboot) Handle(req *Request, rsp *ResponseWriter) int32 {
	delay := time.Duration(binary.LittleEndian.Uint32(req.Fixed)) * time.Millisecond
	if delay == 0 {
		delay = DefaultRebootDelay
	}

	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], uint32(delay/time.Millisecond)) // #nosec G115
	rsp.Append(out[:])

	restart := r.Restart
	if restart == nil {
		restart = func() { os.Exit(0) }
	}
	debug.Log(debug.DEBUG_CRITICAL, "reboot scheduled", "delay", delay)
	time.AfterFunc(delay, restart)
	return ReturnOK
}

// StateUpdate stores an application state value pushed by a peer.
// Request fixed: StateID(2) | Value(4). Empty response.
type StateUpdate struct {
	mutex  sync.RWMutex
	states map[uint16]uint32
}

func NewStateUpdate() *StateUpdate {
	return &StateUpdate{states: make(map[uint16]uint32)}
}

func (*StateUpdate) CommandID() uint16 { return CmdStateUpdate }
func (*StateUpdate) FixedSize() int    { return 6 }
func (*StateUpdate) ElementSize() int  { return 0 }

func (u *StateUpdate) Handle(req *Request, _ *ResponseWriter) int32 {
	id := binary.LittleEndian.Uint16(req.Fixed[0:2])
	value := binary.LittleEndian.Uint32(req.Fixed[2:6])

	u.mutex.Lock()
	u.states[id] = value
	u.mutex.Unlock()

	debug.Log(debug.DEBUG_INFO, "state updated", "state", id, "value", value)
	return ReturnOK
}

// State returns the last pushed value for id.
func (u *StateUpdate) State(id uint16) (uint32, bool) {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	v, ok := u.states[id]
	return v, ok
}

// TimeSet synchronises the device clock from a peer. The process has no
// authority over the system clock, so the correction is kept as an
// offset that Now applies.
// Request fixed: EpochSeconds(4). Response: PreviousEpoch(4).
type TimeSet struct {
	mutex  sync.RWMutex
	offset time.Duration
}

func NewTimeSet() *TimeSet {
	return &TimeSet{}
}

func (*TimeSet) CommandID() uint16 { return CmdTimeSet }
func (*TimeSet) FixedSize() int    { return 4 }
func (*TimeSet) ElementSize() int  { return 0 }

func (ts *TimeSet) Handle(req *Request, rsp *ResponseWriter) int32 {
	epoch := binary.LittleEndian.Uint32(req.Fixed)

	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], uint32(ts.Now().Unix())) // #nosec G115
	rsp.Append(out[:])

	target := time.Unix(int64(epoch), 0)
	ts.mutex.Lock()
	ts.offset = time.Until(target)
	ts.mutex.Unlock()

	debug.Log(debug.DEBUG_INFO, "time synchronised", "epoch", epoch)
	return ReturnOK
}

// Now is the peer-synchronised time.
func (ts *TimeSet) Now() time.Time {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()
	return time.Now().Add(ts.offset)
}

// DataReceiver consumes a bulk transfer sent as TypeRPCData fragments,
// acknowledging them at the server's ack period and verifying total
// length. Request fixed: TotalLength(4). Response: Received(4) | CRC32(4).
type DataReceiver struct {
	// FragmentTimeout bounds the wait for each fragment.
	FragmentTimeout time.Duration
}

func (*DataReceiver) CommandID() uint16 { return CmdDataReceiver }
func (*DataReceiver) FixedSize() int    { return 4 }
func (*DataReceiver) ElementSize() int  { return 0 }

func (d *DataReceiver) Handle(req *Request, rsp *ResponseWriter) int32 {
	total := binary.LittleEndian.Uint32(req.Fixed)
	timeout := d.FragmentTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	req.Server.AckReady(req.From, req.RequestID)

	crc := crc32.NewIEEE()
	var received uint32
	rc := ReturnOK
	for received < total {
		data, err := req.Server.PullData(req.RequestID, timeout)
		if err != nil {
			debug.Log(debug.DEBUG_ERROR, "bulk transfer stalled",
				"request", req.RequestID, "received", received, "total", total)
			rc = ReturnTimeout
			break
		}
		if data.Offset != received {
			debug.Log(debug.DEBUG_ERROR, "bulk transfer fragment out of order",
				"request", req.RequestID, "offset", data.Offset, "expected", received)
			rc = ReturnInvalidRequest
			break
		}
		crc.Write(data.Payload)
		received += uint32(len(data.Payload)) // #nosec G115
		req.Server.AckData(req.From, req.RequestID, data.Offset)
	}
	req.Server.FlushAcks(req.From, req.RequestID)

	var out [8]byte
	binary.LittleEndian.PutUint32(out[0:4], received)
	binary.LittleEndian.PutUint32(out[4:8], crc.Sum32())
	rsp.Append(out[:])
	return rc
}

// RegisterBuiltins installs the standard command set.
func RegisterBuiltins(r *Registry, info *ApplicationInfo, reboot *Reboot) error {
	handlers := []Handler{
		Echo{},
		info,
		HeapStats{},
		reboot,
		NewStateUpdate(),
		&DataReceiver{},
		NewTimeSet(),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
