package rpc

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/embeddedlink/epacket-go/pkg/epacket"
	"github.com/embeddedlink/epacket-go/pkg/iface"
)

func startedLoopback(t *testing.T) *iface.Loopback {
	t.Helper()
	l := iface.NewLoopback("lo", epacket.DefaultMTU)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Stop)
	return l
}

func startedServer(t *testing.T, registry *Registry, cfg Config) *Server {
	t.Helper()
	s := NewServer(registry, cfg)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func commandPacket(commandID uint16, requestID uint32, params []byte) *epacket.Packet {
	payload := make([]byte, CommandHeaderSize, CommandHeaderSize+len(params))
	binary.LittleEndian.PutUint16(payload[0:2], commandID)
	binary.LittleEndian.PutUint32(payload[2:6], requestID)
	payload = append(payload, params...)
	return &epacket.Packet{
		Type:    epacket.TypeRPCCommand,
		Auth:    epacket.AuthNetwork,
		Payload: payload,
	}
}

func dataPacket(requestID, offset uint32, data []byte) *epacket.Packet {
	payload := make([]byte, DataHeaderSize, DataHeaderSize+len(data))
	binary.LittleEndian.PutUint32(payload[0:4], requestID)
	binary.LittleEndian.PutUint32(payload[4:8], offset)
	payload = append(payload, data...)
	return &epacket.Packet{
		Type:    epacket.TypeRPCData,
		Auth:    epacket.AuthNetwork,
		Payload: payload,
	}
}

type response struct {
	commandID  uint16
	requestID  uint32
	returnCode int32
	payload    []byte
	auth       epacket.Auth
}

func waitResponse(t *testing.T, l *iface.Loopback) response {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame := <-l.Sent():
			p, err := epacket.DecodeTestFrame(frame)
			if err != nil {
				t.Fatalf("DecodeTestFrame() error = %v", err)
			}
			if p.Type != epacket.TypeRPCResponse {
				continue
			}
			if len(p.Payload) < ResponseHeaderSize {
				t.Fatalf("response payload length = %d", len(p.Payload))
			}
			return response{
				commandID:  binary.LittleEndian.Uint16(p.Payload[0:2]),
				requestID:  binary.LittleEndian.Uint32(p.Payload[2:6]),
				returnCode: int32(binary.LittleEndian.Uint32(p.Payload[6:10])),
				payload:    p.Payload[ResponseHeaderSize:],
				auth:       p.Auth,
			}
		case <-deadline:
			t.Fatal("timed out waiting for RPC response")
		}
	}
}

func TestEchoCommand(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Echo{}); err != nil {
		t.Fatal(err)
	}
	server := startedServer(t, registry, Config{})
	lo := startedLoopback(t)

	server.QueueCommand(lo, commandPacket(CmdEcho, 0xAABBCCDD, []byte("echo me")))

	rsp := waitResponse(t, lo)
	if rsp.commandID != CmdEcho {
		t.Errorf("commandID = 0x%04X, want 0x%04X", rsp.commandID, CmdEcho)
	}
	if rsp.requestID != 0xAABBCCDD {
		t.Errorf("requestID = 0x%08X, want 0xAABBCCDD", rsp.requestID)
	}
	if rsp.returnCode != ReturnOK {
		t.Errorf("returnCode = %d, want 0", rsp.returnCode)
	}
	if !bytes.Equal(rsp.payload, []byte("echo me")) {
		t.Errorf("payload = %q, want %q", rsp.payload, "echo me")
	}
	// Response goes out at the request's auth level
	if rsp.auth != epacket.AuthNetwork {
		t.Errorf("auth = %v, want AuthNetwork", rsp.auth)
	}
}

func TestUnknownCommand(t *testing.T) {
	server := startedServer(t, NewRegistry(), Config{})
	lo := startedLoopback(t)

	server.QueueCommand(lo, commandPacket(0x7777, 1, nil))

	rsp := waitResponse(t, lo)
	if rsp.commandID != 0x7777 {
		t.Errorf("commandID = 0x%04X, want 0x7777", rsp.commandID)
	}
	if rsp.returnCode != ReturnUnknownCommand {
		t.Errorf("returnCode = %d, want %d", rsp.returnCode, ReturnUnknownCommand)
	}
	if len(rsp.payload) != 0 {
		t.Errorf("payload length = %d, want 0", len(rsp.payload))
	}
}

// recordingHandler fails the test if invoked.
type recordingHandler struct {
	t        *testing.T
	id       uint16
	fixed    int
	elemSize int
	invoked  bool
}

func (h *recordingHandler) CommandID() uint16 { return h.id }
func (h *recordingHandler) FixedSize() int    { return h.fixed }
func (h *recordingHandler) ElementSize() int  { return h.elemSize }

func (h *recordingHandler) Handle(_ *Request, _ *ResponseWriter) int32 {
	h.invoked = true
	return ReturnOK
}

func TestMalformedRequestsRejectedBeforeHandler(t *testing.T) {
	tests := []struct {
		name     string
		fixed    int
		elemSize int
		params   []byte
	}{
		{"fixed params truncated", 4, 0, []byte{1, 2}},
		{"trailing data where none allowed", 4, 0, []byte{1, 2, 3, 4, 5}},
		{"trailing not a whole element", 0, 4, []byte{1, 2, 3, 4, 5, 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			h := &recordingHandler{t: t, id: 0x0100, fixed: tt.fixed, elemSize: tt.elemSize}
			if err := registry.Register(h); err != nil {
				t.Fatal(err)
			}
			server := startedServer(t, registry, Config{})
			lo := startedLoopback(t)

			server.QueueCommand(lo, commandPacket(0x0100, 5, tt.params))

			rsp := waitResponse(t, lo)
			if rsp.returnCode != ReturnInvalidRequest {
				t.Errorf("returnCode = %d, want %d", rsp.returnCode, ReturnInvalidRequest)
			}
			if h.invoked {
				t.Error("handler ran for a malformed request")
			}
		})
	}
}

func TestUnauthenticatedCommandIgnored(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Echo{}); err != nil {
		t.Fatal(err)
	}
	server := startedServer(t, registry, Config{})
	lo := startedLoopback(t)

	pkt := commandPacket(CmdEcho, 1, []byte("nope"))
	pkt.Auth = epacket.AuthFailure
	server.QueueCommand(lo, pkt)

	select {
	case frame := <-lo.Sent():
		t.Fatalf("unexpected response: %v", frame)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestOversizedResponseTruncated(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Echo{}); err != nil {
		t.Fatal(err)
	}
	server := startedServer(t, registry, Config{})

	// Interface with room for only 8 payload bytes after the response header
	lo := iface.NewLoopback("small", epacket.TestHeaderSize+ResponseHeaderSize+8)
	if err := lo.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(lo.Stop)

	// The command arrived on a larger interface; only the response is small.
	// Echo of 32 bytes truncates to the 8 that fit, still with rc 0.
	server.QueueCommand(lo, commandPacket(CmdEcho, 2, bytes.Repeat([]byte{0x55}, 32)))

	rsp := waitResponse(t, lo)
	if rsp.returnCode != ReturnOK {
		t.Errorf("returnCode = %d, want 0", rsp.returnCode)
	}
	if len(rsp.payload) != 8 {
		t.Errorf("payload length = %d, want 8", len(rsp.payload))
	}
}

func TestRebootDelaySubstitution(t *testing.T) {
	restarted := make(chan struct{})
	registry := NewRegistry()
	reboot := &Reboot{Restart: func() { close(restarted) }}
	if err := registry.Register(reboot); err != nil {
		t.Fatal(err)
	}
	server := startedServer(t, registry, Config{})
	lo := startedLoopback(t)

	// A requested delay of zero must not race the response transmission
	var delay [4]byte
	server.QueueCommand(lo, commandPacket(CmdReboot, 3, delay[:]))

	rsp := waitResponse(t, lo)
	if rsp.returnCode != ReturnOK {
		t.Fatalf("returnCode = %d, want 0", rsp.returnCode)
	}
	applied := binary.LittleEndian.Uint32(rsp.payload)
	if time.Duration(applied)*time.Millisecond != DefaultRebootDelay {
		t.Errorf("applied delay = %dms, want %v", applied, DefaultRebootDelay)
	}

	select {
	case <-restarted:
		t.Fatal("restart fired before the substituted delay")
	default:
	}
}

func TestRebootFiresAfterDelay(t *testing.T) {
	restarted := make(chan struct{})
	registry := NewRegistry()
	if err := registry.Register(&Reboot{Restart: func() { close(restarted) }}); err != nil {
		t.Fatal(err)
	}
	server := startedServer(t, registry, Config{})
	lo := startedLoopback(t)

	var delay [4]byte
	binary.LittleEndian.PutUint32(delay[:], 20)
	server.QueueCommand(lo, commandPacket(CmdReboot, 4, delay[:]))

	rsp := waitResponse(t, lo)
	if got := binary.LittleEndian.Uint32(rsp.payload); got != 20 {
		t.Errorf("applied delay = %dms, want 20", got)
	}

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("restart never fired")
	}
}

func TestStateUpdate(t *testing.T) {
	registry := NewRegistry()
	updates := NewStateUpdate()
	if err := registry.Register(updates); err != nil {
		t.Fatal(err)
	}
	server := startedServer(t, registry, Config{})
	lo := startedLoopback(t)

	params := make([]byte, 6)
	binary.LittleEndian.PutUint16(params[0:2], 0x0042)
	binary.LittleEndian.PutUint32(params[2:6], 123456)
	server.QueueCommand(lo, commandPacket(CmdStateUpdate, 5, params))

	rsp := waitResponse(t, lo)
	if rsp.returnCode != ReturnOK {
		t.Fatalf("returnCode = %d, want 0", rsp.returnCode)
	}
	if v, ok := updates.State(0x0042); !ok || v != 123456 {
		t.Errorf("State(0x0042) = %d/%v, want 123456/true", v, ok)
	}
}

func TestDataReceiverTransfer(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(&DataReceiver{FragmentTimeout: 2 * time.Second}); err != nil {
		t.Fatal(err)
	}
	server := startedServer(t, registry, Config{AckPeriod: 2})
	lo := startedLoopback(t)

	const requestID = 0x12345678
	fragments := [][]byte{[]byte("abcd"), []byte("efgh"), []byte("ij")}
	var whole []byte
	for _, f := range fragments {
		whole = append(whole, f...)
	}

	var total [4]byte
	binary.LittleEndian.PutUint32(total[:], uint32(len(whole)))
	server.QueueCommand(lo, commandPacket(CmdDataReceiver, requestID, total[:]))

	// Let the command drain the queue before the fragments arrive
	time.Sleep(100 * time.Millisecond)
	var offset uint32
	for _, f := range fragments {
		server.QueueData(lo, dataPacket(requestID, offset, f))
		offset += uint32(len(f))
	}

	var acked []uint32
	deadline := time.After(5 * time.Second)
	for {
		var frame []byte
		select {
		case frame = <-lo.Sent():
		case <-deadline:
			t.Fatal("timed out waiting for transfer to finish")
		}
		p, err := epacket.DecodeTestFrame(frame)
		if err != nil {
			t.Fatal(err)
		}

		if p.Type == epacket.TypeRPCDataAck {
			for rest := p.Payload; len(rest) >= DataHeaderSize; rest = rest[DataHeaderSize:] {
				if rid := binary.LittleEndian.Uint32(rest[0:4]); rid != requestID {
					t.Errorf("ack requestID = 0x%08X, want 0x%08X", rid, requestID)
				}
				acked = append(acked, binary.LittleEndian.Uint32(rest[4:8]))
			}
			continue
		}
		if p.Type != epacket.TypeRPCResponse {
			continue
		}

		rc := int32(binary.LittleEndian.Uint32(p.Payload[6:10]))
		if rc != ReturnOK {
			t.Fatalf("returnCode = %d, want 0", rc)
		}
		body := p.Payload[ResponseHeaderSize:]
		if got := binary.LittleEndian.Uint32(body[0:4]); got != uint32(len(whole)) {
			t.Errorf("received = %d, want %d", got, len(whole))
		}
		if got := binary.LittleEndian.Uint32(body[4:8]); got != crc32.ChecksumIEEE(whole) {
			t.Errorf("crc = 0x%08X, want 0x%08X", got, crc32.ChecksumIEEE(whole))
		}
		break
	}

	// Every fragment offset was acknowledged
	want := []uint32{0, 4, 8}
	if len(acked) != len(want) {
		t.Fatalf("acked offsets = %v, want %v", acked, want)
	}
	for i, off := range want {
		if acked[i] != off {
			t.Errorf("acked[%d] = %d, want %d", i, acked[i], off)
		}
	}
}

func TestStaleDataDiscardedByNewCommand(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(&DataReceiver{FragmentTimeout: 300 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	server := startedServer(t, registry, Config{})
	lo := startedLoopback(t)

	const requestID = 0x0BADF00D
	// Fragments left over from an aborted transfer must not feed the
	// next command, even though they carry its request identifier
	server.QueueData(lo, dataPacket(requestID, 0, []byte("st")))
	server.QueueData(lo, dataPacket(requestID, 2, []byte("ale")))

	var total [4]byte
	binary.LittleEndian.PutUint32(total[:], 5)
	server.QueueCommand(lo, commandPacket(CmdDataReceiver, requestID, total[:]))

	rsp := waitResponse(t, lo)
	if rsp.returnCode != ReturnTimeout {
		t.Errorf("returnCode = %d, want %d", rsp.returnCode, ReturnTimeout)
	}
	if got := binary.LittleEndian.Uint32(rsp.payload[0:4]); got != 0 {
		t.Errorf("received = %d bytes of superseded data, want 0", got)
	}
}

func TestResponseNeedsRoomForHeader(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Echo{}); err != nil {
		t.Fatal(err)
	}
	server := startedServer(t, registry, Config{})

	// Payload budget below the response header size: the command is
	// dropped cleanly rather than emitting a malformed response
	lo := iface.NewLoopback("tiny", epacket.TestHeaderSize+4)
	if err := lo.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(lo.Stop)

	server.QueueCommand(lo, commandPacket(CmdEcho, 7, []byte("hi")))

	select {
	case frame := <-lo.Sent():
		t.Fatalf("unexpected frame on undersized interface: %v", frame)
	case <-time.After(500 * time.Millisecond):
	}
	// The transmit buffer went back to the pool
	deadline := time.Now().Add(2 * time.Second)
	for lo.FreeTxBuffers() != iface.DefaultTxBuffers {
		if time.Now().After(deadline) {
			t.Fatalf("FreeTxBuffers() = %d, want %d", lo.FreeTxBuffers(), iface.DefaultTxBuffers)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDataReceiverTimeout(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(&DataReceiver{FragmentTimeout: 200 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	server := startedServer(t, registry, Config{})
	lo := startedLoopback(t)

	var total [4]byte
	binary.LittleEndian.PutUint32(total[:], 100)
	server.QueueCommand(lo, commandPacket(CmdDataReceiver, 9, total[:]))

	rsp := waitResponse(t, lo)
	if rsp.returnCode != ReturnTimeout {
		t.Errorf("returnCode = %d, want %d", rsp.returnCode, ReturnTimeout)
	}
	// Partial progress is still reported
	if got := binary.LittleEndian.Uint32(rsp.payload[0:4]); got != 0 {
		t.Errorf("received = %d, want 0", got)
	}
}

func TestTimeSet(t *testing.T) {
	registry := NewRegistry()
	clock := NewTimeSet()
	if err := registry.Register(clock); err != nil {
		t.Fatal(err)
	}
	server := startedServer(t, registry, Config{})
	lo := startedLoopback(t)

	target := time.Now().Add(time.Hour)
	var params [4]byte
	binary.LittleEndian.PutUint32(params[:], uint32(target.Unix())) // #nosec G115
	server.QueueCommand(lo, commandPacket(CmdTimeSet, 6, params[:]))

	rsp := waitResponse(t, lo)
	if rsp.returnCode != ReturnOK {
		t.Fatalf("returnCode = %d, want 0", rsp.returnCode)
	}
	// The response reports the clock before correction
	previous := int64(binary.LittleEndian.Uint32(rsp.payload))
	if diff := previous - time.Now().Unix(); diff < -5 || diff > 5 {
		t.Errorf("previous epoch off by %ds", diff)
	}

	if diff := clock.Now().Sub(target); diff < -5*time.Second || diff > 5*time.Second {
		t.Errorf("synchronised clock off by %v", diff)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Echo{}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(Echo{}); err == nil {
		t.Error("duplicate registration accepted")
	}
}
