package gpucore

// sampler.go owns the outer tick loop: a time.Ticker-driven Run(ctx), a
// mutex-guarded latest Snapshot, and a Subscribe/buffered-channel fan-out
// for consumers that don't want to share the sampler's own goroutine. Tick
// semantics themselves (client refresh before device refresh, sequential
// per-device work) belong entirely to DeviceRegistry; this type only
// schedules ticks and renders/publishes the resulting Snapshot.

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sampler drives one DeviceRegistry through periodic ticks, folding each
// tick's device/client state into a SnapshotModel.
type Sampler struct {
	registry *DeviceRegistry
	model    *SnapshotModel
	logger   *slog.Logger
	interval time.Duration

	mu          sync.RWMutex
	latest      *Snapshot
	subscribers map[*snapshotSubscriber]struct{}
}

// NewSampler returns a Sampler driving registry at the given tick interval.
func NewSampler(registry *DeviceRegistry, interval time.Duration, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Sampler{
		registry:    registry,
		model:       NewSnapshotModel(),
		logger:      logger,
		interval:    interval,
		subscribers: make(map[*snapshotSubscriber]struct{}),
	}
}

// Run discovers devices, takes an immediate first sample, then ticks every
// interval until ctx is cancelled or maxIters ticks have run (maxIters < 0
// means unbounded). A tick, once begun, always runs to completion.
func (s *Sampler) Run(ctx context.Context, maxIters int) error {
	if err := s.registry.Discover(); err != nil {
		return err
	}

	s.Tick()

	if maxIters == 1 {
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for n := 1; maxIters < 0 || n < maxIters; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}

	return nil
}

// Tick runs exactly one sample: client refresh, per-device driver refresh,
// then a push into the bounded history model. Read failures are logged at
// debug level and never abort the tick; the affected metric is left zero or
// unchanged for this sample, per the sampler's error propagation policy.
func (s *Sampler) Tick() {
	if err := s.registry.Refresh(); err != nil {
		s.logger.Debug("sampler: device registry refresh failed", "err", err)
	}

	slots := s.registry.Devices()
	infos := make([]*DeviceInfo, 0, len(slots))

	for _, slot := range slots {
		if dinf := s.registry.DeviceInfo(slot); dinf != nil {
			infos = append(infos, dinf)
		}
	}

	s.model.Push(time.Now().UnixMilli(), infos)
	s.publish(s.model.Snapshot())
}

// Latest returns the most recently published Snapshot, or nil before the
// first tick completes.
func (s *Sampler) Latest() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latest
}

// Subscribe registers for Snapshot updates. The returned channel holds at
// most one pending snapshot: a slow consumer always sees the latest tick,
// never a backlog. Call the returned function to unsubscribe.
func (s *Sampler) Subscribe() (<-chan *Snapshot, func()) {
	sub := newSnapshotSubscriber()

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}

	if s.latest != nil {
		sub.send(s.latest)
	}

	s.mu.Unlock()

	return sub.channel(), func() { s.removeSubscriber(sub) }
}

func (s *Sampler) publish(snap *Snapshot) {
	s.mu.Lock()
	s.latest = snap

	subs := make([]*snapshotSubscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}

	s.mu.Unlock()

	for _, sub := range subs {
		sub.send(snap)
	}
}

func (s *Sampler) removeSubscriber(sub *snapshotSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[sub]; ok {
		delete(s.subscribers, sub)
		sub.close()
	}
}

// snapshotSubscriber is a single-slot, drop-oldest mailbox: send() never
// blocks, overwriting any pending snapshot the consumer hasn't read yet.
type snapshotSubscriber struct {
	ch     chan *Snapshot
	mu     sync.Mutex
	closed bool
}

func newSnapshotSubscriber() *snapshotSubscriber {
	return &snapshotSubscriber{ch: make(chan *Snapshot, 1)}
}

func (s *snapshotSubscriber) channel() <-chan *Snapshot { return s.ch }

func (s *snapshotSubscriber) send(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- snap:
	default:
		select {
		case <-s.ch:
		default:
		}

		select {
		case s.ch <- snap:
		default:
		}
	}
}

func (s *snapshotSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	close(s.ch)
	s.closed = true
}
