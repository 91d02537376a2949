package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	accessevents "dorm-access/internal/accessevents/domain"
	"dorm-access/internal/broadcast"
	"dorm-access/internal/observability/metrics"
)

const (
	defaultLookback       = 5 * time.Minute
	defaultMaxCatchUp     = 24 * time.Hour
	defaultPageSize       = 100
	defaultMaxPages       = 50
	defaultSourceTimeout  = 8 * time.Second
	defaultPersistTimeout = 5 * time.Second
	defaultSeedTimeout    = 5 * time.Second
)

// Publisher fans poller output out to live subscribers.
type Publisher interface {
	Publish(topic broadcast.Topic, payload any) int
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// State is the poller lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// TickReport describes one completed tick.
type TickReport struct {
	StartedAt  time.Time                  `json:"startedAt"`
	FinishedAt time.Time                  `json:"finishedAt"`
	Summaries  []accessevents.TickSummary `json:"summaries"`
}

// Failed reports whether any event type in the tick failed.
func (r TickReport) Failed() bool {
	for _, summary := range r.Summaries {
		if summary.Error != "" || summary.Failed > 0 {
			return true
		}
	}
	return false
}

// Status is a point-in-time view of the poller.
type Status struct {
	Running    bool                     `json:"running"`
	State      State                    `json:"state"`
	Config     *accessevents.PollConfig `json:"config"`
	Watermarks []accessevents.Watermark `json:"watermarks"`
	StartedAt  *time.Time               `json:"startedAt,omitempty"`
	LastTick   *TickReport              `json:"lastTick,omitempty"`
}

// Poller incrementally pulls access events, stores them and publishes them live.
type Poller struct {
	source       accessevents.EventSource
	events       accessevents.EventRepository
	publisher    Publisher
	watermarks   *accessevents.WatermarkStore
	checkpointer accessevents.WatermarkCheckpointer
	clock        Clock
	logger       *zap.Logger

	lookback       time.Duration
	maxCatchUp     time.Duration
	pageSize       int
	maxPages       int
	sourceTimeout  time.Duration
	persistTimeout time.Duration

	mu        sync.RWMutex
	state     State
	config    *accessevents.PollConfig
	loopCtx   context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	lastTick  *TickReport
}

// PollerOption customizes the poller.
type PollerOption func(*Poller)

// WithClock assigns a clock.
func WithClock(clock Clock) PollerOption {
	return func(p *Poller) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCheckpointer persists watermarks across restarts.
func WithCheckpointer(checkpointer accessevents.WatermarkCheckpointer) PollerOption {
	return func(p *Poller) {
		p.checkpointer = checkpointer
	}
}

// WithWatermarks shares an existing watermark store.
func WithWatermarks(store *accessevents.WatermarkStore) PollerOption {
	return func(p *Poller) {
		if store != nil {
			p.watermarks = store
		}
	}
}

// WithLookback sets the window used for doors without a watermark.
func WithLookback(lookback time.Duration) PollerOption {
	return func(p *Poller) {
		if lookback > 0 {
			p.lookback = lookback
		}
	}
}

// WithMaxCatchUp bounds how far back a window may start.
func WithMaxCatchUp(maxCatchUp time.Duration) PollerOption {
	return func(p *Poller) {
		if maxCatchUp > 0 {
			p.maxCatchUp = maxCatchUp
		}
	}
}

// WithPaging sets the page size and the per-event-type page cap.
func WithPaging(pageSize, maxPages int) PollerOption {
	return func(p *Poller) {
		if pageSize > 0 {
			p.pageSize = pageSize
		}
		if maxPages > 0 {
			p.maxPages = maxPages
		}
	}
}

// WithSourceTimeout sets the per-call source timeout.
func WithSourceTimeout(timeout time.Duration) PollerOption {
	return func(p *Poller) {
		if timeout > 0 {
			p.sourceTimeout = timeout
		}
	}
}

// WithPersistTimeout sets the per-event store timeout.
func WithPersistTimeout(timeout time.Duration) PollerOption {
	return func(p *Poller) {
		if timeout > 0 {
			p.persistTimeout = timeout
		}
	}
}

// NewPoller constructs a poller.
func NewPoller(source accessevents.EventSource, events accessevents.EventRepository, publisher Publisher, opts ...PollerOption) (*Poller, error) {
	if source == nil {
		return nil, errors.New("poller: nil event source")
	}
	if events == nil {
		return nil, errors.New("poller: nil event repository")
	}
	if publisher == nil {
		return nil, errors.New("poller: nil publisher")
	}
	p := &Poller{
		source:         source,
		events:         events,
		publisher:      publisher,
		watermarks:     accessevents.NewWatermarkStore(),
		clock:          systemClock{},
		logger:         zap.NewNop(),
		lookback:       defaultLookback,
		maxCatchUp:     defaultMaxCatchUp,
		pageSize:       defaultPageSize,
		maxPages:       defaultMaxPages,
		sourceTimeout:  defaultSourceTimeout,
		persistTimeout: defaultPersistTimeout,
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start replaces any running loop with one for cfg. The first tick runs in the background immediately.
// An invalid cfg is rejected and leaves the current loop untouched.
func (p *Poller) Start(ctx context.Context, cfg accessevents.PollConfig) (accessevents.PollConfig, error) {
	if p == nil {
		return accessevents.PollConfig{}, errors.New("poller: nil poller")
	}
	normalized, err := cfg.Normalize()
	if err != nil {
		return accessevents.PollConfig{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	previous := p.done
	stored := normalized.Clone()
	p.config = &stored
	p.state = StateRunning
	p.loopCtx = loopCtx
	p.cancel = cancel
	p.done = done
	p.startedAt = p.clock.Now()
	p.mu.Unlock()

	p.logger.Info("poller started",
		zap.Strings("door_ids", normalized.DoorIDs),
		zap.Ints("event_types", normalized.EventTypes),
		zap.Int("interval_ms", normalized.IntervalMs),
	)
	go p.run(loopCtx, normalized.Clone(), previous, done)
	return normalized, nil
}

// Stop cancels the loop and clears the config. No tick begins after Stop returns.
func (p *Poller) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.state == StateRunning {
		p.logger.Info("poller stopped")
		p.state = StateStopped
	}
	p.config = nil
}

// Shutdown stops the loop and waits for an in-flight tick to finish.
func (p *Poller) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.Stop()
	p.mu.RLock()
	done := p.done
	p.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current state, config and watermarks.
func (p *Poller) Status() Status {
	if p == nil {
		return Status{State: StateIdle}
	}
	p.mu.RLock()
	status := Status{
		Running: p.state == StateRunning,
		State:   p.state,
	}
	if p.config != nil {
		cfg := p.config.Clone()
		status.Config = &cfg
	}
	if status.Running {
		startedAt := p.startedAt
		status.StartedAt = &startedAt
	}
	if p.lastTick != nil {
		report := *p.lastTick
		report.Summaries = append([]accessevents.TickSummary(nil), p.lastTick.Summaries...)
		status.LastTick = &report
	}
	p.mu.RUnlock()
	status.Watermarks = p.watermarks.Snapshot()
	return status
}

func (p *Poller) run(ctx context.Context, cfg accessevents.PollConfig, previous <-chan struct{}, done chan struct{}) {
	defer close(done)
	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			return
		}
	}
	p.seedWatermarks(ctx)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !p.current(ctx) {
			return
		}
		report := p.Tick(context.WithoutCancel(ctx), cfg)
		p.recordTick(report)
		timer.Reset(cfg.Interval())
	}
}

// current reports, under the state lock, whether ctx still owns the loop.
func (p *Poller) current(ctx context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ctx.Err() == nil && p.loopCtx == ctx
}

func (p *Poller) recordTick(report TickReport) {
	p.mu.Lock()
	p.lastTick = &report
	p.mu.Unlock()
}

func (p *Poller) seedWatermarks(ctx context.Context) {
	p.watermarks.Reset()
	if p.checkpointer == nil {
		return
	}
	seedCtx, cancel := context.WithTimeout(ctx, defaultSeedTimeout)
	defer cancel()
	marks, err := p.checkpointer.LoadWatermarks(seedCtx)
	if err != nil {
		p.logger.Warn("watermark checkpoints unavailable, using lookback", zap.Error(err))
		return
	}
	for _, mark := range marks {
		p.watermarks.Seed(mark)
	}
	p.logger.Info("watermarks seeded", zap.Int("count", len(marks)))
}

// Tick runs one poll for every event type in cfg. Event types run concurrently and fail independently.
func (p *Poller) Tick(ctx context.Context, cfg accessevents.PollConfig) TickReport {
	started := time.Now()
	now := p.clock.Now()
	report := TickReport{StartedAt: now, Summaries: make([]accessevents.TickSummary, len(cfg.EventTypes))}

	var group errgroup.Group
	for i, eventType := range cfg.EventTypes {
		group.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("poll event type panicked", zap.Int("event_type", eventType), zap.Any("panic", r))
					report.Summaries[i] = accessevents.TickSummary{
						EventType: eventType,
						WindowEnd: now,
						DoorIDs:   append([]string(nil), cfg.DoorIDs...),
						Error:     fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			report.Summaries[i] = p.syncEventType(ctx, cfg, eventType, now)
			return nil
		})
	}
	_ = group.Wait()

	report.FinishedAt = p.clock.Now()
	result := metrics.ResultSuccess
	if report.Failed() {
		result = metrics.ResultError
	}
	metrics.ObserveTick(result, time.Since(started))
	return report
}

func (p *Poller) syncEventType(ctx context.Context, cfg accessevents.PollConfig, eventType int, now time.Time) accessevents.TickSummary {
	label := strconv.Itoa(eventType)
	logger := p.logger.With(zap.Int("event_type", eventType))
	summary := accessevents.TickSummary{
		EventType: eventType,
		WindowEnd: now,
		DoorIDs:   append([]string(nil), cfg.DoorIDs...),
	}

	windowStart := p.windowStart(cfg.DoorIDs, eventType, now)
	if floor := now.Add(-p.maxCatchUp); windowStart.Before(floor) {
		windowStart = floor
	}
	summary.WindowStart = windowStart

	events, pages, dropped, err := p.fetchAll(ctx, cfg, eventType, windowStart, now)
	summary.Pages = pages
	summary.Dropped = dropped
	if err != nil {
		summary.Error = err.Error()
		logger.Warn("fetch access events failed", zap.Error(err))
		return summary
	}
	summary.Fetched = len(events)
	if len(events) == 0 {
		p.publisher.Publish(broadcast.TopicSummary, summary)
		return summary
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].ExternalID < events[j].ExternalID
	})

	held := make(map[accessevents.WatermarkKey]struct{})
	advanced := make(map[accessevents.WatermarkKey]time.Time)
	for _, event := range events {
		if event.EventType == 0 {
			event.EventType = eventType
		}
		if event.EventTypeName == "" {
			event.EventTypeName = accessevents.EventTypeName(event.EventType)
		}
		doorID := event.DoorID
		if doorID == "" {
			doorID = cfg.DoorIDs[0]
		}
		key := accessevents.WatermarkKey{DoorID: doorID, EventType: eventType}
		if mark, ok := p.watermarks.Get(key); ok && !event.OccurredAt.After(mark) {
			summary.Skipped++
			continue
		}

		result, err := p.persist(ctx, event)
		if err != nil {
			summary.Failed++
			held[key] = struct{}{}
			logger.Warn("persist access event failed",
				zap.String("external_id", event.ExternalID),
				zap.String("door_id", doorID),
				zap.Error(err),
			)
			continue
		}
		if result.Inserted {
			summary.Inserted++
		} else {
			summary.Duplicates++
		}
		published := event
		if result.Event != nil {
			published = *result.Event
		}
		p.publisher.Publish(broadcast.TopicEvent, published)

		// A failed event earlier in the batch pins its key so the next window re-reads it.
		if _, ok := held[key]; ok {
			summary.Deferred++
			continue
		}
		if p.watermarks.Advance(key, event.OccurredAt) {
			advanced[key] = event.OccurredAt
		}
	}

	p.checkpoint(ctx, advanced)
	if mark, ok := p.watermarks.Min(cfg.DoorIDs, eventType); ok {
		metrics.ObserveWatermarkLag(label, now.Sub(mark))
	}
	metrics.AddEvents(label, metrics.OutcomeInserted, summary.Inserted)
	metrics.AddEvents(label, metrics.OutcomeDuplicate, summary.Duplicates)
	metrics.AddEvents(label, metrics.OutcomeSkipped, summary.Skipped)
	metrics.AddEvents(label, metrics.OutcomeDeferred, summary.Deferred)
	metrics.AddEvents(label, metrics.OutcomeFailed, summary.Failed)

	logger.Debug("poll event type done",
		zap.Int("fetched", summary.Fetched),
		zap.Int("inserted", summary.Inserted),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	p.publisher.Publish(broadcast.TopicSummary, summary)
	return summary
}

// windowStart is the oldest door watermark. A door without one pulls the start back to the lookback.
func (p *Poller) windowStart(doorIDs []string, eventType int, now time.Time) time.Time {
	var (
		start    time.Time
		complete = true
	)
	for _, doorID := range doorIDs {
		mark, ok := p.watermarks.Get(accessevents.WatermarkKey{DoorID: doorID, EventType: eventType})
		if !ok {
			complete = false
			continue
		}
		if start.IsZero() || mark.Before(start) {
			start = mark
		}
	}
	if complete && !start.IsZero() {
		return start
	}
	lookback := now.Add(-p.lookback)
	if start.IsZero() || lookback.Before(start) {
		return lookback
	}
	return start
}

// fetchAll pages through the source until a short page, the reported total, or the page cap.
func (p *Poller) fetchAll(ctx context.Context, cfg accessevents.PollConfig, eventType int, start, end time.Time) ([]accessevents.AccessEvent, int, int, error) {
	label := strconv.Itoa(eventType)
	timeout := p.callTimeout(cfg)
	seen := make(map[string]struct{})
	var (
		out     []accessevents.AccessEvent
		pages   int
		dropped int
	)
	for page := 1; page <= p.maxPages; page++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		started := time.Now()
		result, err := p.source.FetchEvents(callCtx, accessevents.FetchRequest{
			DoorIDs:    cfg.DoorIDs,
			EventType:  eventType,
			Start:      start,
			End:        end,
			PageNo:     page,
			PageSize:   p.pageSize,
			PersonName: cfg.PersonName,
		})
		cancel()
		if err == nil && !result.Success {
			err = fmt.Errorf("source status code=%s msg=%s", result.Code, result.Message)
		}
		if err != nil {
			metrics.ObserveSourceCall(label, metrics.ResultError, time.Since(started))
			return nil, pages, dropped, &accessevents.SourceCallError{EventType: eventType, Page: page, Err: err}
		}
		metrics.ObserveSourceCall(label, metrics.ResultSuccess, time.Since(started))
		pages = page

		for _, event := range result.Events {
			if event.EventType == 0 {
				event.EventType = eventType
			}
			if err := event.Validate(); err != nil {
				dropped++
				p.logger.Warn("dropping malformed access event", zap.Int("event_type", eventType), zap.String("external_id", event.ExternalID), zap.Error(err))
				continue
			}
			if _, ok := seen[event.ExternalID]; ok {
				continue
			}
			seen[event.ExternalID] = struct{}{}
			out = append(out, event)
		}

		if len(result.Events) < p.pageSize {
			return out, pages, dropped, nil
		}
		if result.Total > 0 && page*p.pageSize >= result.Total {
			return out, pages, dropped, nil
		}
	}
	p.logger.Warn("page cap reached, remaining events deferred to next tick",
		zap.Int("event_type", eventType),
		zap.Int("max_pages", p.maxPages),
	)
	return out, pages, dropped, nil
}

func (p *Poller) callTimeout(cfg accessevents.PollConfig) time.Duration {
	limit := cfg.Interval() * 8 / 10
	if limit > 0 && limit < p.sourceTimeout {
		return limit
	}
	return p.sourceTimeout
}

func (p *Poller) persist(ctx context.Context, event accessevents.AccessEvent) (accessevents.InsertResult, error) {
	persistCtx, cancel := context.WithTimeout(ctx, p.persistTimeout)
	defer cancel()
	result, err := p.events.InsertIfAbsent(persistCtx, event)
	if err != nil {
		return accessevents.InsertResult{}, &accessevents.PersistenceError{ExternalID: event.ExternalID, Err: err}
	}
	return result, nil
}

func (p *Poller) checkpoint(ctx context.Context, advanced map[accessevents.WatermarkKey]time.Time) {
	if p.checkpointer == nil || len(advanced) == 0 {
		return
	}
	for key, at := range advanced {
		saveCtx, cancel := context.WithTimeout(ctx, p.persistTimeout)
		err := p.checkpointer.SaveWatermark(saveCtx, accessevents.Watermark{DoorID: key.DoorID, EventType: key.EventType, OccurredAt: at})
		cancel()
		if err != nil {
			p.logger.Warn("save watermark checkpoint failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
}
