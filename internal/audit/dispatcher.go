package audit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSinkTimeout = 5 * time.Second

// Redacted replaces metadata values whose key names a credential.
const Redacted = "[redacted]"

// sensitiveKeys are metadata key fragments that never reach a sink in clear.
var sensitiveKeys = []string{"password", "secret", "code", "token", "otp", "assertion", "verifier"}

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// SinkTimeout bounds one Sink.Emit call. Zero means five seconds.
	SinkTimeout time.Duration
}

// Dispatcher delivers authorization-flow events to a sink from one goroutine,
// in emission order. Metadata naming credentials is redacted before queuing and
// a panicking sink loses only the event it panicked on.
type Dispatcher struct {
	cfg       Config
	sink      Sink
	queue     chan Event
	stop      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	now       func() time.Time
}

// NewDispatcher starts the delivery goroutine. It returns nil when auditing is
// disabled; a nil dispatcher accepts and discards events.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:   cfg,
		sink:  sink,
		queue: make(chan Event, cfg.BufferSize),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.stop:
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SinkTimeout)
	defer cancel()
	defer func() {
		if recover() != nil {
			d.failed.Add(1)
		}
	}()
	d.sink.Emit(ctx, event)
}

// Emit queues event, stamping it with the current time if unset. With
// DropIfFull a full queue drops the event; otherwise Emit waits for room
// until ctx is done.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now().UTC()
	}
	event.Metadata = redact(event.Metadata)

	if d.cfg.DropIfFull {
		select {
		case d.queue <- event:
		case <-d.stop:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
	}
}

// Close drains queued events and stops the delivery goroutine.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stop)
		d.wg.Wait()
	})
}

// Dropped counts events lost to a full queue or a cancelled emitter.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Failed counts events whose sink panicked.
func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}

// redact returns meta with credential-bearing values replaced. The caller's map
// is never modified.
func redact(meta map[string]string) map[string]string {
	var out map[string]string
	for k := range meta {
		if !sensitive(k) {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(meta))
			for kk, vv := range meta {
				out[kk] = vv
			}
		}
		out[k] = Redacted
	}
	if out == nil {
		return meta
	}
	return out
}

func sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
