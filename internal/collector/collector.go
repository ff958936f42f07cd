// Package collector polls surveillance sources and fans their results out to
// the rest of the engine.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rehoboam/internal/actor"
	"rehoboam/internal/inference"
	"rehoboam/internal/logging"
	"rehoboam/internal/model"
	"rehoboam/internal/ring"
	"rehoboam/internal/scheduler"
)

// SnapshotStream names the log holding merged snapshots.
const SnapshotStream = "snapshots"

var (
	// ErrDuplicateSource is returned when registering a name twice.
	ErrDuplicateSource = errors.New("collector: source already registered")
	// ErrUnknownSource is returned for operations on unregistered names.
	ErrUnknownSource = errors.New("collector: unknown source")
)

// Payload is what one source contributes to a snapshot.
type Payload struct {
	Tickers   []model.Ticker        `json:"tickers,omitempty"`
	Events    []model.BehaviorEvent `json:"events,omitempty"`
	Sentiment *inference.Sentiment  `json:"sentiment,omitempty"`
}

// Source is one surveillance feed.
type Source interface {
	Name() string
	Collect(ctx context.Context) (Payload, error)
}

// SourceStatus records the outcome of one source within a cycle.
type SourceStatus struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Items    int           `json:"items"`
	Duration time.Duration `json:"duration"`
}

// Snapshot is one timestamped, multi-source surveillance bundle.
type Snapshot struct {
	ID        string                `json:"id"`
	Timestamp time.Time             `json:"timestamp"`
	Sources   []SourceStatus        `json:"sources"`
	Tickers   []model.Ticker        `json:"tickers,omitempty"`
	Events    []model.BehaviorEvent `json:"events,omitempty"`
	Sentiment *inference.Sentiment  `json:"sentiment,omitempty"`
}

// Healthy reports how many sources succeeded.
func (s Snapshot) Healthy() int {
	n := 0
	for _, st := range s.Sources {
		if st.OK {
			n++
		}
	}
	return n
}

// MarketSnapshots converts the tickers into detector inputs.
func (s Snapshot) MarketSnapshots() []model.MarketSnapshot {
	out := make([]model.MarketSnapshot, 0, len(s.Tickers))
	for _, t := range s.Tickers {
		ms := model.SnapshotFromTicker(t)
		if ms.Timestamp.IsZero() {
			ms.Timestamp = s.Timestamp
		}
		out = append(out, ms)
	}
	return out
}

// CollectionError is returned when every active source failed.
type CollectionError struct {
	At      time.Time
	Sources []SourceStatus
}

func (e *CollectionError) Error() string {
	if len(e.Sources) == 0 {
		return "collection failed: no active sources"
	}
	reasons := make([]string, 0, len(e.Sources))
	for _, st := range e.Sources {
		reasons = append(reasons, st.Name+": "+st.Error)
	}
	return "collection failed: " + strings.Join(reasons, "; ")
}

// Record is one entry in a per-source stream log.
type Record struct {
	SnapshotID string       `json:"snapshot_id"`
	At         time.Time    `json:"at"`
	Status     SourceStatus `json:"status"`
	Payload    Payload      `json:"payload"`
}

// Sink receives every successful snapshot. Implementations must not block.
type Sink interface {
	Deliver(Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

// Deliver implements Sink.
func (f SinkFunc) Deliver(s Snapshot) { f(s) }

// Options tune the collector.
type Options struct {
	Interval      time.Duration
	SourceTimeout time.Duration
	LogSize       int
}

type registration struct {
	source Source
	active bool
}

type state struct {
	sources   map[string]*registration
	order     []string
	streams   map[string]*ring.Buffer[Record]
	snapshots *ring.Buffer[Snapshot]
	logSize   int
	sinks     []Sink
}

// Collector owns the source registry and rolling logs.
type Collector struct {
	opts   Options
	actor  *actor.Actor[state]
	sched  *scheduler.Scheduler
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a collector. Call Run to start it.
func New(opts Options, logger zerolog.Logger) *Collector {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = 20 * time.Second
	}
	if opts.LogSize <= 0 {
		opts.LogSize = 100
	}
	logger = logging.Component(logger, "collector")
	st := &state{
		sources:   make(map[string]*registration),
		streams:   make(map[string]*ring.Buffer[Record]),
		snapshots: ring.New[Snapshot](opts.LogSize),
		logSize:   opts.LogSize,
	}
	return &Collector{
		opts:   opts,
		actor:  actor.New("collector", st, 64, logger),
		sched:  scheduler.New(scheduler.Options{Name: "collector", Interval: opts.Interval, RunOnStart: true}, logger),
		logger: logger,
		now:    time.Now,
	}
}

// Run serves requests and collects on schedule until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.actor.Run(ctx) })
	g.Go(func() error {
		return c.sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
			_, err := c.Collect(ctx)
			return err
		})
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// TriggerCollection schedules an immediate cycle.
func (c *Collector) TriggerCollection() { c.sched.Trigger() }

// Register adds an active source.
func (c *Collector) Register(ctx context.Context, src Source) error {
	var err error
	doErr := c.actor.Do(ctx, func(s *state) {
		name := src.Name()
		if _, exists := s.sources[name]; exists {
			err = fmt.Errorf("%w: %s", ErrDuplicateSource, name)
			return
		}
		s.sources[name] = &registration{source: src, active: true}
		s.order = append(s.order, name)
		s.streams[name] = ring.New[Record](s.logSize)
	})
	if doErr != nil {
		return doErr
	}
	if err == nil {
		c.logger.Info().Str("source", src.Name()).Msg("source registered")
	}
	return err
}

// Unregister removes a source. Its stream log is kept for inspection.
func (c *Collector) Unregister(ctx context.Context, name string) error {
	var err error
	doErr := c.actor.Do(ctx, func(s *state) {
		if _, ok := s.sources[name]; !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownSource, name)
			return
		}
		delete(s.sources, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// SetActive pauses or resumes a source without unregistering it.
func (c *Collector) SetActive(ctx context.Context, name string, active bool) error {
	var err error
	doErr := c.actor.Do(ctx, func(s *state) {
		reg, ok := s.sources[name]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownSource, name)
			return
		}
		reg.active = active
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// SourceInfo describes a registered source.
type SourceInfo struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Sources lists registered sources in registration order.
func (c *Collector) Sources(ctx context.Context) ([]SourceInfo, error) {
	return actor.Ask(ctx, c.actor, func(s *state) []SourceInfo {
		out := make([]SourceInfo, 0, len(s.order))
		for _, name := range s.order {
			out = append(out, SourceInfo{Name: name, Active: s.sources[name].active})
		}
		return out
	})
}

// AddSink registers a downstream consumer.
func (c *Collector) AddSink(ctx context.Context, sink Sink) error {
	return c.actor.Do(ctx, func(s *state) { s.sinks = append(s.sinks, sink) })
}

// Collect runs one cycle: every active source is queried concurrently, each
// bounded by the source timeout. A failing source only marks its own status.
// When all sources fail the snapshot is logged but not forwarded.
func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	active, err := actor.Ask(ctx, c.actor, func(s *state) []Source {
		out := make([]Source, 0, len(s.order))
		for _, name := range s.order {
			if reg := s.sources[name]; reg.active {
				out = append(out, reg.source)
			}
		}
		return out
	})
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{ID: uuid.NewString(), Timestamp: c.now().UTC()}
	if len(active) == 0 {
		c.logger.Warn().Msg("no active sources")
		return snap, &CollectionError{At: snap.Timestamp}
	}

	statuses := make([]SourceStatus, len(active))
	payloads := make([]Payload, len(active))
	var g errgroup.Group
	for i, src := range active {
		i, src := i, src
		g.Go(func() error {
			statuses[i], payloads[i] = c.collectOne(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	snap.Sources = statuses
	for i, p := range payloads {
		if !statuses[i].OK {
			continue
		}
		snap.Tickers = append(snap.Tickers, p.Tickers...)
		snap.Events = append(snap.Events, p.Events...)
		if p.Sentiment != nil {
			snap.Sentiment = p.Sentiment
		}
	}
	sort.SliceStable(snap.Tickers, func(i, j int) bool { return snap.Tickers[i].Symbol < snap.Tickers[j].Symbol })

	failed := snap.Healthy() == 0
	sinks, err := actor.Ask(ctx, c.actor, func(s *state) []Sink {
		for i, st := range statuses {
			if log, ok := s.streams[st.Name]; ok {
				log.Push(Record{SnapshotID: snap.ID, At: snap.Timestamp, Status: st, Payload: payloads[i]})
			}
		}
		s.snapshots.Push(snap)
		return append([]Sink(nil), s.sinks...)
	})
	if err != nil {
		return snap, err
	}

	if failed {
		cerr := &CollectionError{At: snap.Timestamp, Sources: statuses}
		c.logger.Error().Err(cerr).Msg("all sources failed")
		return snap, cerr
	}

	for _, sink := range sinks {
		sink.Deliver(snap)
	}
	c.logger.Info().
		Str("snapshot", snap.ID).
		Int("sources_ok", snap.Healthy()).
		Int("sources", len(statuses)).
		Int("tickers", len(snap.Tickers)).
		Int("events", len(snap.Events)).
		Msg("snapshot collected")
	return snap, nil
}

func (c *Collector) collectOne(ctx context.Context, src Source) (status SourceStatus, payload Payload) {
	status.Name = src.Name()
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.opts.SourceTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			status.OK = false
			status.Error = fmt.Sprintf("source panicked: %v", r)
			payload = Payload{}
		}
		status.Duration = time.Since(started)
		if !status.OK {
			c.logger.Warn().Str("source", status.Name).Str("error", status.Error).Msg("source failed")
		}
	}()

	p, err := src.Collect(ctx)
	if err != nil {
		status.Error = err.Error()
		return status, Payload{}
	}
	status.OK = true
	status.Items = len(p.Tickers) + len(p.Events)
	if p.Sentiment != nil {
		status.Items++
	}
	return status, p
}

// Latest returns the most recent snapshot.
func (c *Collector) Latest(ctx context.Context) (Snapshot, bool, error) {
	type result struct {
		snap Snapshot
		ok   bool
	}
	r, err := actor.Ask(ctx, c.actor, func(s *state) result {
		snap, ok := s.snapshots.Latest()
		return result{snap: snap, ok: ok}
	})
	return r.snap, r.ok, err
}

// Recent returns up to n records of a source stream, most recent first.
func (c *Collector) Recent(ctx context.Context, stream string, n int) ([]Record, error) {
	var (
		out []Record
		err error
	)
	doErr := c.actor.Do(ctx, func(s *state) {
		log, ok := s.streams[stream]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownSource, stream)
			return
		}
		out = log.Newest(n)
	})
	if doErr != nil {
		return nil, doErr
	}
	return out, err
}

// RecentSnapshots returns up to n merged snapshots, most recent first.
func (c *Collector) RecentSnapshots(ctx context.Context, n int) ([]Snapshot, error) {
	return actor.Ask(ctx, c.actor, func(s *state) []Snapshot { return s.snapshots.Newest(n) })
}
