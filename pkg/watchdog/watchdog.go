package watchdog

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embeddedlink/epacket-go/pkg/debug"
)

const DefaultPeriod = 10 * time.Second

// Channel is the liveness handle for one processing context. The owning
// context calls Feed from its loop; missing the watchdog period is fatal.
type Channel struct {
	name     string
	lastFeed atomic.Int64
}

func (c *Channel) Feed() {
	c.lastFeed.Store(time.Now().UnixNano())
}

func (c *Channel) Name() string {
	return c.name
}

// Watchdog supervises a set of processing contexts. A context that fails
// to make forward progress within the period triggers a full restart via
// the expiry function, not a local recovery.
type Watchdog struct {
	mutex    sync.Mutex
	period   time.Duration
	channels []*Channel
	onExpire func(name string)
	stop     chan struct{}
	stopped  sync.Once
}

func New(period time.Duration) *Watchdog {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Watchdog{
		period: period,
		onExpire: func(name string) {
			debug.Log(debug.DEBUG_CRITICAL, "watchdog expired, restarting", "context", name)
			os.Exit(2)
		},
		stop: make(chan struct{}),
	}
}

// SetExpiryHandler replaces the fatal default. Must be called before Start.
func (w *Watchdog) SetExpiryHandler(fn func(name string)) {
	w.onExpire = fn
}

// Period is the bound every watched context must feed within. Blocking
// operations inside watched loops must use timeouts below this value.
func (w *Watchdog) Period() time.Duration {
	return w.period
}

// Install registers a new processing context and returns its feed handle.
func (w *Watchdog) Install(name string) *Channel {
	c := &Channel{name: name}
	c.Feed()

	w.mutex.Lock()
	w.channels = append(w.channels, c)
	w.mutex.Unlock()
	return c
}

func (w *Watchdog) Start() {
	go w.monitor()
}

func (w *Watchdog) Stop() {
	w.stopped.Do(func() { close(w.stop) })
}

func (w *Watchdog) monitor() {
	ticker := time.NewTicker(w.period / 4)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case now := <-ticker.C:
			w.mutex.Lock()
			channels := w.channels
			w.mutex.Unlock()

			for _, c := range channels {
				last := time.Unix(0, c.lastFeed.Load())
				if now.Sub(last) > w.period {
					w.onExpire(c.name)
					return
				}
			}
		}
	}
}
