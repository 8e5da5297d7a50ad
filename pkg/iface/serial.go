package iface

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/embeddedlink/epacket-go/pkg/debug"
	"github.com/embeddedlink/epacket-go/pkg/epacket"
)

// Serial wire framing: Sync(0xAA 0x55) | Length(2 LE) | frame bytes.
// Resynchronisation skips bytes until the sync pair is seen again.
const (
	serialSync1 = 0xAA
	serialSync2 = 0x55
)

// Serial is the wired transport interface, typically a debug or
// provisioning cable.
type Serial struct {
	Base
	portName string
	baudRate int
	port     serial.Port
}

func NewSerial(name, portName string, baudRate, mtu int, crypto *epacket.Crypto) *Serial {
	s := &Serial{
		portName: portName,
		baudRate: baudRate,
	}
	s.init(name, mtu, crypto)
	s.setSelf(s)
	return s
}

func (s *Serial) Start() error {
	mode := &serial.Mode{BaudRate: s.baudRate}
	port, err := serial.Open(s.portName, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.portName, err)
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	s.port = port
	s.setOnline(true)
	s.startSendLoop(s.send)
	go s.receiveLoop()
	return nil
}

func (s *Serial) Stop() {
	s.setOnline(false)
	s.shutdown()
	if s.port != nil {
		s.port.Close()
	}
}

func (s *Serial) send(frame []byte) error {
	header := []byte{serialSync1, serialSync2, 0, 0}
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(frame))) // #nosec G115

	if _, err := s.port.Write(header); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	if _, err := s.port.Write(frame); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	return nil
}

func (s *Serial) receiveLoop() {
	header := make([]byte, 4)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if s.wdog != nil {
			s.wdog.Feed()
		}

		if _, err := io.ReadFull(s.port, header[:1]); err != nil {
			continue
		}
		if header[0] != serialSync1 {
			continue
		}
		if _, err := io.ReadFull(s.port, header[1:2]); err != nil {
			continue
		}
		if header[1] != serialSync2 {
			continue
		}
		if _, err := io.ReadFull(s.port, header[2:4]); err != nil {
			continue
		}

		frameLen := int(binary.LittleEndian.Uint16(header[2:4]))
		if frameLen == 0 || frameLen > s.mtu {
			debug.Log(debug.DEBUG_VERBOSE, "serial frame length out of range",
				"interface", s.name, "len", frameLen)
			continue
		}

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(s.port, frame); err != nil {
			continue
		}
		s.ProcessIncoming(frame)
	}
}
