package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"parley/internal/protocol"
	"parley/internal/websocket"
)

var _ protocol.Transport = (*Hub)(nil)

// envelope is one outbound event and its addressing.
type envelope struct {
	targets   []string
	broadcast bool
	except    []string
	event     protocol.Outbound
}

// Hub is the outbound side of the transport. Callers enqueue envelopes and
// a single goroutine resolves them to connections and hands each frame to
// the connection's writer, so enqueue order is delivery order.
type Hub struct {
	registry *websocket.Registry
	queue    chan envelope
	logger   zerolog.Logger

	sweepEvery time.Duration
	sweep      func()

	mu       sync.RWMutex
	running  bool
	shutdown chan struct{}
	done     chan struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a hub delivering to connections in registry.
func NewHub(registry *websocket.Registry, queueSize int, logger zerolog.Logger) *Hub {
	return &Hub{
		registry: registry,
		queue:    make(chan envelope, queueSize),
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

// OnSweep runs fn on the hub goroutine every interval. Must be called
// before Start.
func (h *Hub) OnSweep(interval time.Duration, fn func()) {
	h.sweepEvery = interval
	h.sweep = fn
}

// Start launches the delivery goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	// A loop stopped by its context may still be flushing.
	if h.done != nil {
		<-h.done
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info().Int("queue_size", cap(h.queue)).Msg("starting hub")
	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop flushes queued envelopes and waits for the delivery goroutine.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info().
		Int64("delivered", h.delivered.Load()).
		Int64("dropped", h.dropped.Load()).
		Msg("hub stopped")
	return nil
}

func (h *Hub) Send(connID string, ev protocol.Outbound) {
	h.enqueue(envelope{targets: []string{connID}, event: ev})
}

func (h *Hub) Multicast(connIDs []string, ev protocol.Outbound) {
	if len(connIDs) == 0 {
		return
	}
	h.enqueue(envelope{targets: connIDs, event: ev})
}

func (h *Hub) Broadcast(ev protocol.Outbound, except ...string) {
	h.enqueue(envelope{broadcast: true, except: except, event: ev})
}

func (h *Hub) Subscribe(connID, channel string) {
	h.registry.Subscribe(connID, channel)
}

func (h *Hub) ChannelMembers(channel string) []string {
	return h.registry.Members(channel)
}

func (h *Hub) UnsubscribeAll(connID string) {
	h.registry.UnsubscribeAll(connID)
}

// Stats reports delivered and dropped frame counts.
func (h *Hub) Stats() map[string]int64 {
	return map[string]int64{
		"delivered": h.delivered.Load(),
		"dropped":   h.dropped.Load(),
		"queued":    int64(len(h.queue)),
	}
}

// enqueue waits for queue space while the hub runs. Once the hub is
// stopped, envelopes are discarded.
func (h *Hub) enqueue(env envelope) {
	h.mu.RLock()
	running, shutdown := h.running, h.shutdown
	h.mu.RUnlock()

	if !running {
		h.dropped.Add(1)
		h.logger.Debug().Str("event", env.event.Event).Msg("hub not running, event dropped")
		return
	}

	select {
	case h.queue <- env:
	case <-shutdown:
		h.dropped.Add(1)
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if h.sweep != nil && h.sweepEvery > 0 {
		ticker := time.NewTicker(h.sweepEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case env := <-h.queue:
			h.deliver(env)

		case <-tick:
			h.sweep()

		case <-shutdown:
			h.flush()
			return

		case <-ctx.Done():
			h.logger.Info().Msg("hub context cancelled")
			h.mu.Lock()
			if h.running && h.shutdown == shutdown {
				h.running = false
				close(h.shutdown)
			}
			h.mu.Unlock()
			h.flush()
			return
		}
	}
}

func (h *Hub) flush() {
	for {
		select {
		case env := <-h.queue:
			h.deliver(env)
		default:
			return
		}
	}
}

func (h *Hub) deliver(env envelope) {
	var conns []*websocket.Connection
	if env.broadcast {
		conns = lo.Filter(h.registry.All(), func(c *websocket.Connection, _ int) bool {
			return !lo.Contains(env.except, c.ID())
		})
	} else {
		conns = lo.FilterMap(lo.Uniq(env.targets), func(id string, _ int) (*websocket.Connection, bool) {
			return h.registry.Get(id)
		})
	}

	for _, conn := range conns {
		err := conn.WriteJSON(env.event)
		switch {
		case err == nil:
			h.delivered.Add(1)
		case errors.Is(err, websocket.ErrSendBufferFull):
			// A client that cannot drain its buffer is cut off; its read loop
			// then runs the normal disconnect path.
			h.dropped.Add(1)
			h.logger.Warn().Str("conn_id", conn.ID()).Str("event", env.event.Event).Msg("slow consumer disconnected")
			_ = conn.Close()
		default:
			h.dropped.Add(1)
			h.logger.Debug().Err(err).Str("conn_id", conn.ID()).Str("event", env.event.Event).Msg("delivery failed")
		}
	}
}
