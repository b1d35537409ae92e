package status

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/inboxsync/internal/bus"
	"go.uber.org/zap"
)

// Bus event kinds published by Network on edges.
const (
	EventOnline  = "network.online"
	EventOffline = "network.offline"
)

// Network is an edge-triggered online/offline indicator. It starts offline
// so the first successful probe produces an online edge.
type Network struct {
	mu     sync.RWMutex
	online bool
	bus    *bus.Bus
}

// NewNetwork creates an indicator in the offline state.
func NewNetwork(b *bus.Bus) *Network {
	return &Network{bus: b}
}

// Online reports the last known state.
func (n *Network) Online() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.online
}

// SetOnline records the state and publishes an event only when it changed.
// The lock is released before publishing so listeners may read Online.
func (n *Network) SetOnline(online bool) bool {
	n.mu.Lock()
	changed := n.online != online
	n.online = online
	n.mu.Unlock()

	if changed && n.bus != nil {
		kind := EventOffline
		if online {
			kind = EventOnline
		}
		n.bus.Emit(kind, online)
	}
	return changed
}

// Prober periodically checks reachability and feeds the result into a Network.
type Prober struct {
	network  *Network
	check    func(ctx context.Context) error
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProber creates a prober. check should return nil when the server is reachable.
func NewProber(network *Network, check func(ctx context.Context) error, interval time.Duration, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Prober{
		network:  network,
		check:    check,
		interval: interval,
		timeout:  interval,
		logger:   logger,
	}
}

// Start probes immediately and then on every interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop stops probing.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ticker.C:
			p.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) probe(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()
	err := p.check(ctx)
	if parent.Err() != nil {
		// Shutting down; the result says nothing about the network.
		return
	}
	if p.network.SetOnline(err == nil) {
		if err != nil {
			p.logger.Warn("server unreachable, going offline", zap.Error(err))
		} else {
			p.logger.Info("server reachable, going online")
		}
	}
}
