package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/presence"
)

// rateLimiter is a token bucket refilled continuously at capacity per
// interval.
type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
	now       func() time.Time
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      float64(capacity) / interval.Seconds(),
		lastCheck: time.Now(),
		now:       time.Now,
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(rl.lastCheck).Seconds()
	rl.lastCheck = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}

// typingThrottle spaces out the typing updates of one connection. Each
// channel forwards at most one update per min interval. Updates that arrive
// sooner are coalesced: only the latest text is kept and forwarded once the
// interval has passed, so the final state of a burst always goes out. Clears
// are forwarded at once and cancel any held update for their channel.
type typingThrottle struct {
	mu       sync.Mutex
	min      time.Duration
	now      func() time.Time
	after    func(time.Duration, func()) func() bool
	forward  func(text, channel string)
	channels map[string]*typingChannel
	seq      uint64
	closed   bool
}

type typingChannel struct {
	last       time.Time
	pending    string
	hasPending bool
	timer      uint64
	stop       func() bool
}

// maxIdleTypingChannels is how many channel entries a throttle keeps before
// it sweeps the idle ones.
const maxIdleTypingChannels = 64

func newTypingThrottle(min time.Duration, forward func(text, channel string)) *typingThrottle {
	return &typingThrottle{
		min:     min,
		now:     time.Now,
		forward: forward,
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		channels: make(map[string]*typingChannel),
	}
}

// update forwards text for channel now or holds it until the channel's
// interval has passed.
func (t *typingThrottle) update(text, channel string) {
	channel = presence.NormalizeChannel(channel)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	ch, ok := t.channels[channel]
	if !ok {
		t.sweepLocked()
		ch = &typingChannel{}
		t.channels[channel] = ch
	}

	now := t.now()
	elapsed := now.Sub(ch.last)
	if text == "" || t.min <= 0 || ch.last.IsZero() || elapsed >= t.min {
		ch.cancel()
		if text == "" {
			ch.last = time.Time{}
		} else {
			ch.last = now
		}
		t.forward(text, channel)
		return
	}

	ch.pending, ch.hasPending = text, true
	if ch.stop == nil {
		t.seq++
		timer := t.seq
		ch.timer = timer
		ch.stop = t.after(t.min-elapsed, func() { t.flush(channel, timer) })
	}
}

// flush forwards the held update of channel. timer identifies the schedule
// that fired; a timer that was cancelled but had already fired is ignored.
func (t *typingThrottle) flush(channel string, timer uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.channels[channel]
	if !ok || t.closed || ch.timer != timer || !ch.hasPending {
		return
	}
	text := ch.pending
	ch.pending, ch.hasPending, ch.stop, ch.timer = "", false, nil, 0
	ch.last = t.now()
	t.forward(text, channel)
}

// close stops every pending timer. Held updates are dropped.
func (t *typingThrottle) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for _, ch := range t.channels {
		ch.cancel()
	}
}

// sweepLocked forgets channels with nothing held once there are too many.
func (t *typingThrottle) sweepLocked() {
	if len(t.channels) < maxIdleTypingChannels {
		return
	}
	now := t.now()
	for name, ch := range t.channels {
		if !ch.hasPending && now.Sub(ch.last) >= t.min {
			delete(t.channels, name)
		}
	}
}

func (ch *typingChannel) cancel() {
	if ch.stop != nil {
		ch.stop()
		ch.stop = nil
	}
	ch.timer = 0
	ch.pending, ch.hasPending = "", false
}
