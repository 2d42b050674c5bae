// Package metrics keeps the active client's most recent metrics snapshot.
//
// While a client is active the Aggregator runs two loops for it: one asks the
// client for a fresh snapshot on every poll tick, the other drains the
// client's metrics mailbox and replaces the displayed set with each snapshot
// it receives. Snapshots supersede each other entirely; nothing is merged.
package metrics

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tobert/devlens/internal/hostconfig"
	"github.com/tobert/devlens/internal/notify"
	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/selfmetrics"
	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/transport"
)

const requestTimeout = 2 * time.Second

// Config configures an Aggregator.
type Config struct {
	Registry *session.Registry
	Logger   *slog.Logger

	// PollInterval is the live poll interval setting. Nil means a fixed
	// hostconfig.DefaultPollInterval.
	PollInterval *hostconfig.Value[time.Duration]
}

// Snapshot is the displayed metric set.
type Snapshot struct {
	// Client is the session the metrics came from, 0 when empty.
	Client    int                     `json:"client"`
	UpdatedAt time.Time               `json:"updated_at"`
	Metrics   []protocol.MetricRecord `json:"metrics"`
}

// Stats are cumulative counters, mostly useful in tests.
type Stats struct {
	PollLoopsStarted  uint64
	PollLoopsStopped  uint64
	Requests          uint64
	SnapshotsApplied  uint64
	SnapshotsReplaced uint64 // snapshots superseded in the mailbox before display
}

// Aggregator follows the active client's metrics.
type Aggregator struct {
	reg      *session.Registry
	logger   *slog.Logger
	interval *hostconfig.Value[time.Duration]
	changes  *notify.Signal

	mu      sync.RWMutex
	current Snapshot

	pollStarted atomic.Uint64
	pollStopped atomic.Uint64
	requests    atomic.Uint64
	applied     atomic.Uint64
	replaced    atomic.Uint64
}

// New creates an Aggregator. Call Run to start following.
func New(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "metrics"))

	interval := cfg.PollInterval
	if interval == nil {
		interval = hostconfig.Duration(hostconfig.NewStatic(logger),
			hostconfig.SectionMetrics, hostconfig.KeyPollInterval, hostconfig.DefaultPollInterval)
	}

	return &Aggregator{
		reg:      cfg.Registry,
		logger:   logger,
		interval: interval,
		changes:  notify.New(),
	}
}

// Run follows the active client until ctx is done. Switching clients cancels
// the previous client's loops and waits for them before starting new ones,
// and clears the displayed set. When the active client goes away the last
// snapshot stays on display.
func (a *Aggregator) Run(ctx context.Context) error {
	return session.FollowActive(ctx, a.reg, a.follow)
}

func (a *Aggregator) follow(ctx context.Context, s *session.Session) {
	a.Reset()
	logger := a.logger.With(slog.Int("client", s.ID()))
	logger.Debug("following client metrics")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.poll(gctx, s, logger) })
	g.Go(func() error { return a.drain(gctx, s) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("metrics loops ended", slog.Any("error", err))
	}
}

// poll requests a snapshot immediately and then on every tick. A new interval
// replaces the running schedule at once.
func (a *Aggregator) poll(ctx context.Context, s *session.Session, logger *slog.Logger) error {
	a.pollStarted.Add(1)
	defer a.pollStopped.Add(1)

	intervals := a.interval.Subscribe(ctx)

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return nil

		case d, ok := <-intervals:
			if !ok {
				return nil
			}
			if d <= 0 {
				d = hostconfig.DefaultPollInterval
			}
			if ticker == nil {
				ticker = time.NewTicker(d)
				tick = ticker.C
				if err := a.request(ctx, s); err != nil {
					return err
				}
			} else {
				ticker.Reset(d)
			}
			logger.Debug("metrics poll interval", slog.Duration("interval", d))

		case <-tick:
			if err := a.request(ctx, s); err != nil {
				return err
			}
		}
	}
}

// request sends one MetricsRequest. A closed connection ends the loop
// quietly; other failures are counted and polling continues.
func (a *Aggregator) request(ctx context.Context, s *session.Session) error {
	a.requests.Add(1)
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	err := s.RequestMetrics(reqCtx)
	switch {
	case err == nil:
		selfmetrics.MetricsPolls.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, transport.ErrConnectionClosed), ctx.Err() != nil:
		return context.Canceled
	default:
		selfmetrics.MetricsPolls.WithLabelValues("error").Inc()
		a.logger.Debug("metrics request failed", slog.Int("client", s.ID()), slog.Any("error", err))
		return nil
	}
}

// drain displays the newest snapshot of every batch it takes.
func (a *Aggregator) drain(ctx context.Context, s *session.Session) error {
	for {
		batch, err := s.Metrics().TakeAll(ctx)
		if err != nil {
			// Mailbox ended or ctx done.
			return nil
		}
		if len(batch) == 0 {
			continue
		}
		a.replaced.Add(uint64(len(batch) - 1))
		a.apply(s.ID(), batch[len(batch)-1])
	}
}

func (a *Aggregator) apply(client int, snap *protocol.MetricsSnapshot) {
	records := Normalize(snap.Metrics)

	a.mu.Lock()
	a.current = Snapshot{Client: client, UpdatedAt: time.Now(), Metrics: records}
	a.mu.Unlock()

	a.applied.Add(1)
	a.changes.Notify()
}

// Reset clears the displayed set.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.current = Snapshot{}
	a.mu.Unlock()
	a.changes.Notify()
}

// Current returns the displayed set. The records slice is shared and must
// not be modified.
func (a *Aggregator) Current() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Subscribe returns a coalescing signal fired whenever the displayed set
// changes.
func (a *Aggregator) Subscribe() (<-chan struct{}, func()) {
	return a.changes.Subscribe()
}

func (a *Aggregator) Stats() Stats {
	return Stats{
		PollLoopsStarted:  a.pollStarted.Load(),
		PollLoopsStopped:  a.pollStopped.Load(),
		Requests:          a.requests.Load(),
		SnapshotsApplied:  a.applied.Load(),
		SnapshotsReplaced: a.replaced.Load(),
	}
}

// Normalize stable-sorts records by name and keeps only the first record of
// each name. Records of unknown kind are dropped. The input is not modified.
func Normalize(records []protocol.MetricRecord) []protocol.MetricRecord {
	out := make([]protocol.MetricRecord, 0, len(records))
	for _, r := range records {
		if r.Kind != protocol.KindUnknown {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(x, y protocol.MetricRecord) int {
		return cmp.Compare(x.Name, y.Name)
	})
	return slices.CompactFunc(out, func(x, y protocol.MetricRecord) bool {
		return x.Name == y.Name
	})
}
