package discovery

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kbukum/registrar/logger"
)

// SnapshotSource produces successive snapshots of one service. The
// channel is closed when ctx ends or the source gives up; calling Updates
// again starts a fresh sequence.
type SnapshotSource interface {
	Name() string
	Updates(ctx context.Context, serviceID string) (<-chan *Snapshot, error)
}

// SeededSource is a SnapshotSource that can continue from a snapshot the
// caller already fetched instead of producing its own first one.
type SeededSource interface {
	SnapshotSource
	UpdatesFrom(ctx context.Context, seed *Snapshot) (<-chan *Snapshot, error)
}

// PollingSource lists a service on a fixed interval and emits a snapshot
// whenever membership or parameters change. The first successful poll
// always emits unless the sequence was seeded.
type PollingSource struct {
	backend  Backend
	interval time.Duration
	clk      clock.Clock
	log      *logger.Logger
}

// NewPollingSource creates a PollingSource.
func NewPollingSource(b Backend, interval time.Duration, clk clock.Clock, log *logger.Logger) *PollingSource {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollingSource{backend: b, interval: interval, clk: clk, log: log}
}

// Name implements SnapshotSource.
func (p *PollingSource) Name() string { return "poll" }

// Updates implements SnapshotSource.
func (p *PollingSource) Updates(ctx context.Context, serviceID string) (<-chan *Snapshot, error) {
	return p.run(ctx, serviceID, nil), nil
}

// UpdatesFrom implements SeededSource. The first poll waits a full interval
// and only emits if it differs from seed.
func (p *PollingSource) UpdatesFrom(ctx context.Context, seed *Snapshot) (<-chan *Snapshot, error) {
	return p.run(ctx, seed.ServiceID(), seed), nil
}

func (p *PollingSource) run(ctx context.Context, serviceID string, seed *Snapshot) <-chan *Snapshot {
	out := make(chan *Snapshot, 1)
	ticker := p.clk.Ticker(p.interval)

	go func() {
		defer close(out)
		defer ticker.Stop()

		var (
			last    uint64
			emitted bool
		)
		if seed != nil {
			last, emitted = seed.Fingerprint(), true
		}
		poll := func() bool {
			instances, err := p.backend.ListInstances(ctx, serviceID)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warn("poll failed", map[string]interface{}{
						logger.FieldServiceID: serviceID,
						logger.FieldError:     err.Error(),
					})
				}
				return true
			}
			snap := NewSnapshot(serviceID, instances, p.clk.Now())
			if emitted && snap.Fingerprint() == last {
				return true
			}
			select {
			case out <- snap:
				last, emitted = snap.Fingerprint(), true
				return true
			case <-ctx.Done():
				return false
			}
		}

		if seed == nil && !poll() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !poll() {
					return
				}
			}
		}
	}()
	return out
}

// WatchSource turns a backend's change notifications into snapshots.
type WatchSource struct {
	watcher Watcher
	clk     clock.Clock
}

// NewWatchSource creates a WatchSource.
func NewWatchSource(w Watcher, clk clock.Clock) *WatchSource {
	if clk == nil {
		clk = clock.New()
	}
	return &WatchSource{watcher: w, clk: clk}
}

// Name implements SnapshotSource.
func (w *WatchSource) Name() string { return "watch" }

// Updates implements SnapshotSource.
func (w *WatchSource) Updates(ctx context.Context, serviceID string) (<-chan *Snapshot, error) {
	in, err := w.watcher.Watch(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	out := make(chan *Snapshot, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case instances, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- NewSnapshot(serviceID, instances, w.clk.Now()):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
