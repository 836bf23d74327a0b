// Package notify fans orchestrator events out to alert sinks (log,
// Telegram, Kafka) without blocking the caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"confluence/internal/execution"
	"confluence/internal/logger"
	"confluence/internal/orchestrator"
	"confluence/internal/risk"
)

// Message is what a sink receives: rendered text plus a JSON payload.
type Message struct {
	Kind    orchestrator.EventKind
	Symbol  string
	Text    string
	Payload []byte
}

// Sink delivers one message. Send may block; the dispatcher calls it from
// its own goroutine.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// DefaultKinds are forwarded when the config names none.
var DefaultKinds = []orchestrator.EventKind{
	orchestrator.EventOrderOpened,
	orchestrator.EventOrderFailed,
	orchestrator.EventRiskClose,
	orchestrator.EventSymbolError,
	orchestrator.EventRemovalBlocked,
	orchestrator.EventShutdown,
}

type Config struct {
	QueueSize   int
	SendTimeout time.Duration
	Kinds       []string
}

type Dispatcher struct {
	cfg     Config
	sinks   []Sink
	kinds   map[orchestrator.EventKind]struct{}
	queue   chan orchestrator.Event
	done    chan struct{}
	dropped atomic.Int64

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

var _ orchestrator.Listener = (*Dispatcher)(nil)

func NewDispatcher(cfg Config, sinks ...Sink) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	kinds := make(map[orchestrator.EventKind]struct{})
	for _, k := range cfg.Kinds {
		if k = strings.TrimSpace(strings.ToLower(k)); k != "" {
			kinds[orchestrator.EventKind(k)] = struct{}{}
		}
	}
	if len(kinds) == 0 {
		for _, k := range DefaultKinds {
			kinds[k] = struct{}{}
		}
	}
	active := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	d := &Dispatcher{
		cfg:   cfg,
		sinks: active,
		kinds: kinds,
		queue: make(chan orchestrator.Event, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) OnEvent(ev orchestrator.Event) {
	if _, ok := d.kinds[ev.Kind]; !ok || len(d.sinks) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			logger.Warnf("notify queue full, dropped %d event(s)", n)
		}
	}
}

func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.queue {
		msg, err := buildMessage(ev)
		if err != nil {
			logger.Warnf("notify encode %s: %v", ev.Kind, err)
			continue
		}
		for _, sink := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
			if err := sink.Send(ctx, msg); err != nil {
				logger.Warnf("notify sink %s failed for %s %s: %v", sink.Name(), ev.Kind, ev.Symbol, err)
			}
			cancel()
		}
	}
}

// Close stops intake and waits for queued events to be delivered or ctx
// to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []string
	for _, sink := range d.sinks {
		if c, ok := sink.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", sink.Name(), err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close sinks: %s", strings.Join(errs, "; "))
	}
	return nil
}

type eventPayload struct {
	Kind     orchestrator.EventKind `json:"kind"`
	Symbol   string                 `json:"symbol,omitempty"`
	SignalID string                 `json:"signal_id,omitempty"`
	Detail   string                 `json:"detail,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Decision *risk.SizedDecision    `json:"decision,omitempty"`
	Result   *execution.OrderResult `json:"result,omitempty"`
	At       time.Time              `json:"at"`
}

func buildMessage(ev orchestrator.Event) (Message, error) {
	p := eventPayload{
		Kind:     ev.Kind,
		Symbol:   ev.Symbol,
		SignalID: ev.SignalID,
		Detail:   ev.Detail,
		Decision: ev.Decision,
		Result:   ev.Result,
		At:       ev.At,
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:    ev.Kind,
		Symbol:  ev.Symbol,
		Text:    FormatEvent(ev).RenderMarkdown(),
		Payload: raw,
	}, nil
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, msg Message) error {
	logger.Infof("[alert] %s %s\n%s", msg.Kind, msg.Symbol, msg.Text)
	return nil
}
