package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"peerpresence/logging"
	"peerpresence/metrics"
	"peerpresence/models"
	"peerpresence/registry"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its record changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer is no longer returned by discovery.
	EventPeerRemoved EventType = "peer_removed"
	// EventSnapshot is emitted after every applied discovery result.
	EventSnapshot EventType = "snapshot"
)

// DefaultPollInterval is the background discovery interval.
const DefaultPollInterval = 30 * time.Second

var (
	// ErrPollerNotStarted is returned by Refresh before Start.
	ErrPollerNotStarted = errors.New("peer poller is not started")
	// ErrPollerStopped is returned once the poller has been torn down.
	ErrPollerStopped = errors.New("peer poller is stopped")

	errStaleUpdate = errors.New("discovery: stale update dropped")
)

// EventType identifies poller updates.
type EventType string

// Event carries poller updates for list consumers.
type Event struct {
	Type  EventType
	Peer  models.Peer
	State State
}

// Lister fetches the current peer list from the registry.
type Lister interface {
	ListPeers(ctx context.Context, params *registry.DiscoverParams) ([]models.Peer, error)
}

// PollerConfig controls discovery polling.
type PollerConfig struct {
	Lister      Lister
	Filter      *registry.DiscoverParams
	Interval    time.Duration
	CallTimeout time.Duration
	Logger      *zap.Logger

	// afterComplete observes each finished fetch; tests use it to sequence.
	afterComplete func(seq uint64, outcome string)
}

func (c PollerConfig) withDefaults() PollerConfig {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultPollInterval
	}
	if out.CallTimeout < 0 {
		out.CallTimeout = 0
	}
	out.Logger = logging.OrNop(out.Logger)
	return out
}

// State is an immutable view of the poller's peer list.
type State struct {
	Peers       []models.Peer
	Loading     bool
	LastRefresh time.Time
}

type refreshRequest struct {
	done chan error
}

// Poller keeps a periodically refreshed list of known peers.
type Poller struct {
	cfg PollerConfig
	log *zap.Logger

	mu          sync.RWMutex
	peers       []models.Peer
	loading     bool
	lastRefresh time.Time
	started     bool
	stopped     bool
	issued      uint64
	applied     uint64
	inFlight    int

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPoller creates a poller with config defaults applied.
func NewPoller(config PollerConfig) (*Poller, error) {
	cfg := config.withDefaults()
	if cfg.Lister == nil {
		return nil, errors.New("peer lister is required")
	}

	return &Poller{
		cfg:             cfg,
		log:             cfg.Logger,
		peers:           []models.Peer{},
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start fetches once immediately and then on every interval tick.
func (p *Poller) Start() error {
	p.startOnce.Do(func() {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			p.startErr = ErrPollerStopped
			return
		}
		p.ctx, p.cancel = context.WithCancel(context.Background())
		p.started = true
		p.loading = true
		p.mu.Unlock()

		p.wg.Add(1)
		go p.loop()
	})
	return p.startErr
}

// Stop cancels the timer. Results of fetches still in flight are discarded.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		cancel := p.cancel
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		p.wg.Wait()

		p.mu.Lock()
		close(p.events)
		p.mu.Unlock()
	})
}

// Events provides asynchronous list updates. Closed by Stop.
func (p *Poller) Events() <-chan Event {
	return p.events
}

// Snapshot returns the current list state.
func (p *Poller) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stateLocked()
}

// Refresh triggers an immediate discovery fetch and waits for it.
func (p *Poller) Refresh(ctx context.Context) error {
	p.mu.RLock()
	started, stopped, loopCtx := p.started, p.stopped, p.ctx
	p.mu.RUnlock()
	if stopped {
		return ErrPollerStopped
	}
	if !started {
		return ErrPollerNotStarted
	}

	req := refreshRequest{done: make(chan error, 1)}

	select {
	case p.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return ErrPollerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return ErrPollerStopped
	}
}

func (p *Poller) loop() {
	defer p.wg.Done()

	// Prime the list immediately.
	p.launch(nil)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.busy() {
				p.log.Debug("discovery tick skipped, previous fetch still in flight")
				continue
			}
			p.launch(nil)
		case req := <-p.refreshRequests:
			p.launch(req.done)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Poller) busy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inFlight > 0
}

func (p *Poller) launch(done chan<- error) {
	p.mu.Lock()
	p.issued++
	seq := p.issued
	p.inFlight++
	p.mu.Unlock()

	go func() {
		err := p.fetch(seq)
		if done != nil {
			done <- err
		}
	}()
}

func (p *Poller) fetch(seq uint64) error {
	ctx := context.Background()
	if p.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
	}

	peers, err := p.cfg.Lister.ListPeers(ctx, p.cfg.Filter)
	outcome, applyErr := p.complete(seq, peers, err)
	if p.cfg.afterComplete != nil {
		p.cfg.afterComplete(seq, outcome)
	}
	return applyErr
}

func (p *Poller) complete(seq uint64, peers []models.Peer, fetchErr error) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inFlight--

	if p.stopped {
		metrics.PollerStaleDrops.Inc()
		p.log.Debug("discovery result dropped", zap.Uint64("seq", seq), zap.Error(errStaleUpdate))
		return "stale", ErrPollerStopped
	}

	if fetchErr != nil {
		metrics.PollerRefreshes.WithLabelValues("error").Inc()
		p.log.Warn("discovery refresh failed; keeping last snapshot",
			zap.Uint64("seq", seq),
			zap.Int("peers", len(p.peers)),
			zap.Error(fetchErr),
		)
		// The first attempt ends the loading phase even when it fails.
		if p.loading {
			p.loading = false
			p.emitEventLocked(Event{Type: EventSnapshot, State: p.stateLocked()})
		}
		return "error", fetchErr
	}

	if seq < p.applied {
		metrics.PollerStaleDrops.Inc()
		p.log.Debug("discovery result superseded",
			zap.Uint64("seq", seq),
			zap.Uint64("applied", p.applied),
			zap.Error(errStaleUpdate),
		)
		return "superseded", nil
	}

	previous := p.peers
	next := make([]models.Peer, len(peers))
	copy(next, peers)

	p.applied = seq
	p.peers = next
	p.loading = false
	p.lastRefresh = time.Now()

	metrics.PollerRefreshes.WithLabelValues("ok").Inc()
	metrics.KnownPeers.Set(float64(len(next)))

	p.emitDiffLocked(previous, next)
	p.emitEventLocked(Event{Type: EventSnapshot, State: p.stateLocked()})
	return "applied", nil
}

func (p *Poller) stateLocked() State {
	peers := make([]models.Peer, len(p.peers))
	copy(peers, p.peers)
	return State{
		Peers:       peers,
		Loading:     p.loading,
		LastRefresh: p.lastRefresh,
	}
}

func (p *Poller) emitDiffLocked(previous, next []models.Peer) {
	before := make(map[string]models.Peer, len(previous))
	for _, peer := range previous {
		before[peer.PeerID] = peer
	}
	after := make(map[string]struct{}, len(next))
	for _, peer := range next {
		after[peer.PeerID] = struct{}{}
		old, exists := before[peer.PeerID]
		if !exists || !peersEqual(old, peer) {
			p.emitEventLocked(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}
	for _, peer := range previous {
		if _, exists := after[peer.PeerID]; !exists {
			p.emitEventLocked(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (p *Poller) emitEventLocked(event Event) {
	if p.stopped {
		return
	}
	select {
	case p.events <- event:
	default:
	}
}

func peersEqual(a, b models.Peer) bool {
	return a.ID == b.ID &&
		a.PeerID == b.PeerID &&
		a.Name == b.Name &&
		a.DeviceType == b.DeviceType &&
		a.Status == b.Status &&
		a.LastSeen.Equal(b.LastSeen)
}
