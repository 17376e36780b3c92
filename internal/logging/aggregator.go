package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type summaryKey struct {
	component string
	event     string
}

type summary struct {
	count  int64
	fields []slog.Attr
}

// Aggregator batches high-frequency events (signal wait timeouts, coalesced
// asset changes) and emits one "event_summary" record per key per interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending map[summaryKey]*summary

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// A nil logger drops everything recorded.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		pending:  make(map[summaryKey]*summary),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.done:
				return
			}
		}
	}()
}

// Stop flushes whatever is pending and stops the background goroutine.
// Safe to call more than once and without a prior Start.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.flush()
	})
}

// Record increments the counter for component/event. Fields from the most
// recent call are kept.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := summaryKey{component: component, event: event}
	s, ok := a.pending[key]
	if !ok {
		s = &summary{}
		a.pending[key] = s
	}
	s.count++
	if len(fields) > 0 {
		s.fields = fields
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.pending
	a.pending = make(map[summaryKey]*summary)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	keys := make([]summaryKey, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].component != keys[j].component {
			return keys[i].component < keys[j].component
		}
		return keys[i].event < keys[j].event
	})

	for _, k := range keys {
		s := batch[k]
		attrs := []any{
			slog.String("component", k.component),
			slog.String("event", k.event),
			slog.Int64("count", s.count),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		}
		for _, f := range s.fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
