package iface

import (
	"fmt"
	"net"
	"time"

	"github.com/embeddedlink/epacket-go/pkg/epacket"
)

// UDP is the IP transport interface. Every datagram carries exactly one
// encrypted frame.
type UDP struct {
	Base
	listenAddr *net.UDPAddr
	targetAddr *net.UDPAddr
	conn       *net.UDPConn
	readBuffer []byte
}

func NewUDP(name string, listen, target string, mtu int, crypto *epacket.Crypto) (*UDP, error) {
	var listenAddr, targetAddr *net.UDPAddr
	var err error

	if listen != "" {
		listenAddr, err = net.ResolveUDPAddr("udp", listen)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address: %w", err)
		}
	}
	if target != "" {
		targetAddr, err = net.ResolveUDPAddr("udp", target)
		if err != nil {
			return nil, fmt.Errorf("invalid target address: %w", err)
		}
	}

	u := &UDP{
		listenAddr: listenAddr,
		targetAddr: targetAddr,
		readBuffer: make([]byte, mtu),
	}
	u.init(name, mtu, crypto)
	u.setSelf(u)
	return u, nil
}

func (u *UDP) Start() error {
	conn, err := net.ListenUDP("udp", u.listenAddr)
	if err != nil {
		return fmt.Errorf("UDP listen failed: %w", err)
	}
	u.conn = conn
	u.setOnline(true)
	u.startSendLoop(u.send)
	go u.receiveLoop()
	return nil
}

func (u *UDP) Stop() {
	u.setOnline(false)
	u.shutdown()
	if u.conn != nil {
		u.conn.Close()
	}
}

func (u *UDP) send(frame []byte) error {
	if !u.IsOnline() {
		return ErrOffline
	}
	if u.targetAddr == nil {
		return fmt.Errorf("no target address configured")
	}
	if _, err := u.conn.WriteToUDP(frame, u.targetAddr); err != nil {
		return fmt.Errorf("UDP write failed: %w", err)
	}
	return nil
}

func (u *UDP) receiveLoop() {
	for {
		select {
		case <-u.stop:
			return
		default:
		}

		// Bounded read so the loop notices Stop and keeps feeding the
		// watchdog even when the link is quiet
		if err := u.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		n, _, err := u.conn.ReadFromUDP(u.readBuffer)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if u.wdog != nil {
					u.wdog.Feed()
				}
				continue
			}
			return
		}

		frame := make([]byte, n)
		copy(frame, u.readBuffer[:n])
		u.ProcessIncoming(frame)
	}
}
