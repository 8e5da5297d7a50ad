package iface

// Loopback is the test interface: plaintext frames, an injectable
// receive path and a capture channel for transmitted frames. It fills
// the role the hardware test harness plays on a real device.
type Loopback struct {
	Base
	rx      chan []byte
	sent    chan []byte
	sendErr error
}

func NewLoopback(name string, mtu int) *Loopback {
	l := &Loopback{
		rx:   make(chan []byte, 16),
		sent: make(chan []byte, 16),
	}
	l.init(name, mtu, nil)
	l.setSelf(l)
	return l
}

func (l *Loopback) Start() error {
	l.setOnline(true)
	l.startSendLoop(l.send)
	go l.receiveLoop()
	return nil
}

func (l *Loopback) Stop() {
	l.setOnline(false)
	l.shutdown()
}

// Inject delivers a raw frame as if it arrived from the transport.
func (l *Loopback) Inject(frame []byte) {
	l.rx <- frame
}

// Sent exposes frames the interface has transmitted.
func (l *Loopback) Sent() <-chan []byte {
	return l.sent
}

// SetSendError makes subsequent transmissions fail with err.
func (l *Loopback) SetSendError(err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.sendErr = err
}

func (l *Loopback) send(frame []byte) error {
	l.mutex.RLock()
	err := l.sendErr
	l.mutex.RUnlock()
	if err != nil {
		return err
	}

	out := make([]byte, len(frame))
	copy(out, frame)
	select {
	case l.sent <- out:
	default:
		// Capture channel full, frame considered transmitted anyway
	}
	return nil
}

func (l *Loopback) receiveLoop() {
	for {
		select {
		case <-l.stop:
			return
		case frame := <-l.rx:
			l.ProcessIncoming(frame)
		}
	}
}
