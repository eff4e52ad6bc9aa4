// Package broadcast implements the SSE Broadcaster (§4.E): fan-out of
// frame, status, and analysis_ready events to every subscribed dashboard,
// with per-subscriber bounded queues and a drop-oldest policy for frame
// events (latency preferred over completeness) but never-drop for status
// and analysis events (critical).
package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vito/go-sse/sse"

	"tepmonitor/internal/telemetry/metrics"
)

// EventKind names the three SSE event types of §6.
type EventKind string

const (
	KindFrame         EventKind = "frame"
	KindStatus        EventKind = "status"
	KindAnalysisReady EventKind = "analysis_ready"
)

// Config tunes queue depth, disconnect threshold, and heartbeat cadence.
type Config struct {
	SubscriberQueueSize  int
	MaxConsecutiveErrors int
	HeartbeatInterval    time.Duration
}

// DefaultConfig returns the §4.E defaults: queue=64, K_error=3,
// heartbeat=15s.
func DefaultConfig() Config {
	return Config{SubscriberQueueSize: 64, MaxConsecutiveErrors: 3, HeartbeatInterval: 15 * time.Second}
}

// Hub owns the subscriber set and fans events out in publish order.
type Hub struct {
	cfg Config

	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64

	published atomic.Uint64
	dropped   atomic.Uint64

	provider  metrics.Provider
	mDropped  metrics.Counter
	mSubCount metrics.Gauge
}

// NewHub constructs a Hub. provider may be nil.
func NewHub(cfg Config, provider metrics.Provider) *Hub {
	if cfg.SubscriberQueueSize <= 0 {
		cfg = DefaultConfig()
	}
	h := &Hub{cfg: cfg, subs: make(map[int64]*subscriber), provider: provider}
	if provider != nil {
		h.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "tepmonitor", Subsystem: "broadcast", Name: "frames_dropped_total",
			Help: "Total frame events dropped due to a full subscriber queue",
		}})
		h.mSubCount = provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "tepmonitor", Subsystem: "broadcast", Name: "subscribers",
			Help: "Current number of connected SSE subscribers",
		}})
	}
	return h
}

type queuedEvent struct {
	kind EventKind
	ev   sse.Event
}

type subscriber struct {
	id              int64
	ch              chan queuedEvent
	sendMu          sync.Mutex
	consecutiveErrs int
	dropped         atomic.Uint64
}

// Publish encodes payload as JSON and fans it out to every subscriber.
// Frame events drop the oldest queued frame event when a subscriber's
// queue is full; for status and analysis events a block-free enqueue is
// attempted first and, when the queue is full, Publish makes room by
// evicting the oldest queued frame event — a status or analysis event is
// never discarded in favor of a frame.
func (h *Hub) Publish(kind EventKind, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := sse.Event{ID: id, Name: string(kind), Data: data}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	h.published.Add(1)
	for _, s := range subs {
		h.deliver(s, kind, ev)
	}
	return nil
}

func (h *Hub) deliver(s *subscriber, kind EventKind, ev sse.Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	qe := queuedEvent{kind: kind, ev: ev}
	select {
	case s.ch <- qe:
		return
	default:
	}

	if kind == KindFrame {
		// Drop-oldest path: discard the oldest queued frame event to make
		// room for the incoming one, so a saturated subscriber always
		// carries the most recent frames rather than the first ones.
		h.evictOldestFrame(s)
		select {
		case s.ch <- qe:
			return
		default:
		}
		s.dropped.Add(1)
		h.dropped.Add(1)
		if h.mDropped != nil {
			h.mDropped.Inc(1)
		}
		return
	}

	// Never-drop path: synchronously make room by discarding the oldest
	// queued frame event, if any, then retry once.
	h.evictOldestFrame(s)
	select {
	case s.ch <- qe:
		return
	default:
		// Queue is saturated with other never-drop events; block
		// briefly rather than lose a status/analysis event.
		select {
		case s.ch <- qe:
		case <-time.After(50 * time.Millisecond):
			s.dropped.Add(1)
			h.dropped.Add(1)
		}
		return
	}
}

// evictOldestFrame discards the oldest queued frame event to make room,
// counting it as dropped, and re-enqueues any non-frame events it read
// ahead of that frame.
func (h *Hub) evictOldestFrame(s *subscriber) {
	var requeue []queuedEvent
	for {
		select {
		case qe := <-s.ch:
			if qe.kind == KindFrame {
				s.dropped.Add(1)
				h.dropped.Add(1)
				if h.mDropped != nil {
					h.mDropped.Inc(1)
				}
				for _, r := range requeue {
					s.ch <- r
				}
				return
			}
			requeue = append(requeue, qe)
		default:
			for _, r := range requeue {
				select {
				case s.ch <- r:
				default:
				}
			}
			return
		}
	}
}

// Subscribe registers a new subscriber and streams its queued events to w
// until ctx is cancelled (for an HTTP request, when the client disconnects)
// or the consecutive-write-error threshold is reached, then unregisters it.
// It returns ctx's error or the last write error.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		flusher = noopFlusher{}
	}

	id := atomic.AddInt64(&h.nextID, 1)
	sub := &subscriber{id: id, ch: make(chan queuedEvent, h.cfg.SubscriberQueueSize)}
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	if h.mSubCount != nil {
		h.mSubCount.Add(1)
	}
	defer func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		if h.mSubCount != nil {
			h.mSubCount.Add(-1)
		}
	}()

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case qe := <-sub.ch:
			if err := writeEvent(w, qe.ev); err != nil {
				sub.consecutiveErrs++
				if sub.consecutiveErrs >= h.cfg.MaxConsecutiveErrors {
					return err
				}
				continue
			}
			sub.consecutiveErrs = 0
			flusher.Flush()
		case <-heartbeat.C:
			if err := writeComment(w, "heartbeat"); err != nil {
				sub.consecutiveErrs++
				if sub.consecutiveErrs >= h.cfg.MaxConsecutiveErrors {
					return err
				}
				continue
			}
			sub.consecutiveErrs = 0
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev sse.Event) error {
	return ev.Write(w)
}

func writeComment(w http.ResponseWriter, comment string) error {
	var buf bytes.Buffer
	buf.WriteString(": ")
	buf.WriteString(comment)
	buf.WriteString("\n\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// Stats reports aggregate publish/drop counters across all subscribers.
type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Subscribers: len(h.subs), Published: h.published.Load(), Dropped: h.dropped.Load()}
}

type noopFlusher struct{}

func (noopFlusher) Flush() {}
