package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"peerpresence/models"
	"peerpresence/registry"
)

type listerFunc func(ctx context.Context, params *registry.DiscoverParams) ([]models.Peer, error)

func (f listerFunc) ListPeers(ctx context.Context, params *registry.DiscoverParams) ([]models.Peer, error) {
	return f(ctx, params)
}

type outcomeLog struct {
	mu       sync.Mutex
	outcomes map[uint64]string
}

func newOutcomeLog() *outcomeLog {
	return &outcomeLog{outcomes: make(map[uint64]string)}
}

func (l *outcomeLog) record(seq uint64, outcome string) {
	l.mu.Lock()
	l.outcomes[seq] = outcome
	l.mu.Unlock()
}

func (l *outcomeLog) get(seq uint64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	outcome, ok := l.outcomes[seq]
	return outcome, ok
}

func testPeer(peerID string) models.Peer {
	return models.Peer{ID: "rec-" + peerID, PeerID: peerID, Status: models.StatusConnected}
}

func startPoller(t *testing.T, cfg PollerConfig) *Poller {
	t.Helper()
	poller, err := NewPoller(cfg)
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	if err := poller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(poller.Stop)
	return poller
}

func TestPollerLoadingOnlyDuringFirstFetch(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	poller := startPoller(t, PollerConfig{
		Interval: time.Hour,
		Lister: listerFunc(func(ctx context.Context, _ *registry.DiscoverParams) ([]models.Peer, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				<-release
			}
			return []models.Peer{testPeer("abc123")}, nil
		}),
	})

	waitForCondition(t, time.Second, func() bool { return atomic.LoadInt32(&calls) == 1 })
	if state := poller.Snapshot(); !state.Loading || len(state.Peers) != 0 {
		t.Fatalf("expected loading with no peers during first fetch, got %+v", state)
	}

	close(release)
	waitForCondition(t, time.Second, func() bool {
		state := poller.Snapshot()
		return !state.Loading && len(state.Peers) == 1
	})

	if err := poller.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if poller.Snapshot().Loading {
		t.Fatalf("background refresh must not re-enter loading")
	}
}

func TestPollerEmptyBackend(t *testing.T) {
	poller := startPoller(t, PollerConfig{
		Interval: time.Hour,
		Lister: listerFunc(func(ctx context.Context, _ *registry.DiscoverParams) ([]models.Peer, error) {
			return []models.Peer{}, nil
		}),
	})

	waitForCondition(t, time.Second, func() bool { return !poller.Snapshot().Loading })
	state := poller.Snapshot()
	if state.Peers == nil || len(state.Peers) != 0 {
		t.Fatalf("expected empty peer list, got %+v", state.Peers)
	}
}

func TestPollerFailureKeepsLastSnapshot(t *testing.T) {
	var calls int32
	core, logs := observer.New(zapcore.DebugLevel)
	transportErr := errors.New("transport down")
	poller := startPoller(t, PollerConfig{
		Interval: time.Hour,
		Logger:   zap.New(core),
		Lister: listerFunc(func(ctx context.Context, _ *registry.DiscoverParams) ([]models.Peer, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return []models.Peer{testPeer("a"), testPeer("b")}, nil
			}
			return nil, transportErr
		}),
	})

	waitForCondition(t, time.Second, func() bool { return len(poller.Snapshot().Peers) == 2 })

	err := poller.Refresh(context.Background())
	if !errors.Is(err, transportErr) {
		t.Fatalf("expected Refresh to report the fetch error, got %v", err)
	}

	state := poller.Snapshot()
	if len(state.Peers) != 2 || state.Peers[0].PeerID != "a" || state.Peers[1].PeerID != "b" {
		t.Fatalf("expected pre-failure snapshot to be kept, got %+v", state.Peers)
	}
	if state.Loading {
		t.Fatalf("expected loading to stay false after a background failure")
	}
	if logs.FilterMessage("discovery refresh failed; keeping last snapshot").Len() != 1 {
		t.Fatalf("expected failure to be logged")
	}
}

func TestPollerFirstFetchFailureEndsLoading(t *testing.T) {
	poller := startPoller(t, PollerConfig{
		Interval: time.Hour,
		Lister: listerFunc(func(ctx context.Context, _ *registry.DiscoverParams) ([]models.Peer, error) {
			return nil, errors.New("unreachable")
		}),
	})

	select {
	case event := <-poller.Events():
		if event.Type != EventSnapshot {
			t.Fatalf("expected snapshot event, got %v", event.Type)
		}
		if event.State.Loading || len(event.State.Peers) != 0 {
			t.Fatalf("expected empty non-loading state, got %+v", event.State)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a snapshot event when the failed first fetch ends loading")
	}

	if peers := poller.Snapshot().Peers; len(peers) != 0 {
		t.Fatalf("expected no peers after failed first fetch, got %+v", peers)
	}

	if err := poller.Refresh(context.Background()); err == nil {
		t.Fatalf("expected Refresh to report the fetch error")
	}
	select {
	case event := <-poller.Events():
		t.Fatalf("later failures must not emit events, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollerDiscardsResultAfterStop(t *testing.T) {
	release := make(chan struct{})
	outcomes := newOutcomeLog()
	poller, err := NewPoller(PollerConfig{
		Interval:      time.Hour,
		afterComplete: outcomes.record,
		Lister: listerFunc(func(ctx context.Context, _ *registry.DiscoverParams) ([]models.Peer, error) {
			<-release
			return []models.Peer{testPeer("late")}, nil
		}),
	})
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	if err := poller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	poller.Stop()
	close(release)

	waitForCondition(t, time.Second, func() bool {
		_, done := outcomes.get(1)
		return done
	})
	if outcome, _ := outcomes.get(1); outcome != "stale" {
		t.Fatalf("expected late result to be dropped as stale, got %q", outcome)
	}
	if peers := poller.Snapshot().Peers; len(peers) != 0 {
		t.Fatalf("expected no state mutation after teardown, got %+v", peers)
	}
	if _, open := <-poller.Events(); open {
		t.Fatalf("expected events channel to be closed after Stop")
	}
	if err := poller.Refresh(context.Background()); !errors.Is(err, ErrPollerStopped) {
		t.Fatalf("expected ErrPollerStopped, got %v", err)
	}
}

func TestPollerDropsOutOfOrderCompletion(t *testing.T) {
	var calls int32
	slowGate := make(chan struct{})
	outcomes := newOutcomeLog()
	poller := startPoller(t, PollerConfig{
		Interval:      time.Hour,
		afterComplete: outcomes.record,
		Lister: listerFunc(func(ctx context.Context, _ *registry.DiscoverParams) ([]models.Peer, error) {
			switch atomic.AddInt32(&calls, 1) {
			case 1:
				return []models.Peer{testPeer("first")}, nil
			case 2:
				<-slowGate
				return []models.Peer{testPeer("older")}, nil
			default:
				return []models.Peer{testPeer("newer")}, nil
			}
		}),
	})

	waitForCondition(t, time.Second, func() bool {
		_, done := outcomes.get(1)
		return done
	})

	slowDone := make(chan error, 1)
	go func() { slowDone <- poller.Refresh(context.Background()) }()
	waitForCondition(t, time.Second, func() bool { return atomic.LoadInt32(&calls) == 2 })

	if err := poller.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh failed: %v", err)
	}
	if peers := poller.Snapshot().Peers; len(peers) != 1 || peers[0].PeerID != "newer" {
		t.Fatalf("expected newest result applied, got %+v", peers)
	}

	close(slowGate)
	if err := <-slowDone; err != nil {
		t.Fatalf("superseded Refresh should not fail, got %v", err)
	}
	if outcome, _ := outcomes.get(2); outcome != "superseded" {
		t.Fatalf("expected older fetch to be superseded, got %q", outcome)
	}
	if peers := poller.Snapshot().Peers; len(peers) != 1 || peers[0].PeerID != "newer" {
		t.Fatalf("expected older result to be discarded, got %+v", peers)
	}
}

func TestPollerBackgroundPollingReplacesListAndEmitsRemoval(t *testing.T) {
	var calls int32
	poller := startPoller(t, PollerConfig{
		Interval: 30 * time.Millisecond,
		Lister: listerFunc(func(ctx context.Context, _ *registry.DiscoverParams) ([]models.Peer, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return []models.Peer{testPeer("peer-1"), testPeer("peer-2")}, nil
			}
			return []models.Peer{testPeer("peer-2")}, nil
		}),
	})

	waitForCondition(t, 2*time.Second, func() bool {
		peers := poller.Snapshot().Peers
		return len(peers) == 1 && peers[0].PeerID == "peer-2"
	})

	if !waitForEvent(poller.Events(), EventPeerRemoved, "peer-1", 2*time.Second) {
		t.Fatalf("expected peer removal event for peer-1")
	}
}

func TestPollerSkipsTickWhileFetchInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	poller := startPoller(t, PollerConfig{
		Interval: 10 * time.Millisecond,
		Lister: listerFunc(func(ctx context.Context, _ *registry.DiscoverParams) ([]models.Peer, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				<-release
			}
			return []models.Peer{}, nil
		}),
	})

	time.Sleep(80 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected ticks to be skipped while first fetch is in flight, got %d calls", got)
	}
	close(release)

	waitForCondition(t, time.Second, func() bool { return atomic.LoadInt32(&calls) >= 2 })
	_ = poller
}

func TestPollerPassesFilterAndTimeout(t *testing.T) {
	var gotFilter atomic.Value
	var hadDeadline int32
	poller := startPoller(t, PollerConfig{
		Interval:    time.Hour,
		CallTimeout: time.Second,
		Filter:      &registry.DiscoverParams{PeerID: "abc"},
		Lister: listerFunc(func(ctx context.Context, params *registry.DiscoverParams) ([]models.Peer, error) {
			if _, ok := ctx.Deadline(); ok {
				atomic.StoreInt32(&hadDeadline, 1)
			}
			gotFilter.Store(params.PeerID)
			return []models.Peer{}, nil
		}),
	})

	if err := poller.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got, _ := gotFilter.Load().(string); got != "abc" {
		t.Fatalf("expected filter to be forwarded, got %q", got)
	}
	if atomic.LoadInt32(&hadDeadline) != 1 {
		t.Fatalf("expected per-call deadline to be applied")
	}
}

func TestPollerRefreshBeforeStart(t *testing.T) {
	poller, err := NewPoller(PollerConfig{
		Lister: listerFunc(func(ctx context.Context, _ *registry.DiscoverParams) ([]models.Peer, error) {
			return nil, nil
		}),
	})
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	if err := poller.Refresh(context.Background()); !errors.Is(err, ErrPollerNotStarted) {
		t.Fatalf("expected ErrPollerNotStarted, got %v", err)
	}
	poller.Stop()
	if err := poller.Start(); !errors.Is(err, ErrPollerStopped) {
		t.Fatalf("expected Start after Stop to fail, got %v", err)
	}
}

func TestNewPollerRequiresLister(t *testing.T) {
	if _, err := NewPoller(PollerConfig{}); err == nil {
		t.Fatalf("expected error for missing lister")
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, peerID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.PeerID == peerID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
