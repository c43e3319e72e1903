// Package poller sweeps a station's tag table on a fixed interval, keeps the
// last known value of every tag and forwards changes to sinks.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"s7link/config"
	"s7link/logging"
	"s7link/s7"
	"s7link/tagio"
)

// Reader is the part of tagio.IO the poller needs.
type Reader interface {
	ReadMany(reqs []tagio.Request) []tagio.Result
}

// Sink receives changed samples after every sweep.
type Sink interface {
	Name() string
	Publish(ctx context.Context, station string, samples []Sample) error
}

// ErrSweepFailed is recorded by the breaker when no tag in a sweep could be
// read because the link was down.
var ErrSweepFailed = errors.New("sweep failed")

// Stats describes the most recent sweep.
type Stats struct {
	LastPoll   time.Time
	TagsPolled int
	Changes    int
	Errors     int
	Skipped    int // Sweeps skipped while the breaker was open
	LastError  error
}

// Poller polls one station.
type Poller struct {
	station     string
	reader      Reader
	names       []string // Tag names in sweep order
	reqs        []tagio.Request
	formats     map[string]string // Display format per tag
	rate        time.Duration
	sinkTimeout time.Duration
	sinks       []Sink
	breaker     *gobreaker.CircuitBreaker[[]tagio.Result]

	mu     sync.RWMutex
	values map[string]Sample
	stats  Stats

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

type options struct {
	rate        time.Duration
	sinks       []Sink
	threshold   uint32
	cooldown    time.Duration
	sinkTimeout time.Duration
}

// Option configures a Poller.
type Option func(*options)

// WithRate sets the sweep interval (default config.DefaultPollRate).
func WithRate(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.rate = d
		}
	}
}

// WithSinks adds sinks that receive changed samples.
func WithSinks(sinks ...Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithBreaker sets how many consecutive failed sweeps open the breaker and
// how long it stays open before a trial sweep. Defaults: 3 and 5s.
func WithBreaker(threshold uint32, cooldown time.Duration) Option {
	return func(o *options) {
		if threshold > 0 {
			o.threshold = threshold
		}
		if cooldown > 0 {
			o.cooldown = cooldown
		}
	}
}

// WithSinkTimeout bounds each sink publish (default 5s).
func WithSinkTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sinkTimeout = d
		}
	}
}

// New creates a poller for station's tags. Tags with an unknown type are
// reported as errored samples and never read.
func New(station string, reader Reader, tags map[string]config.Tag, opts ...Option) *Poller {
	o := options{
		rate:        config.DefaultPollRate,
		threshold:   3,
		cooldown:    5 * time.Second,
		sinkTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Poller{
		station:     station,
		reader:      reader,
		formats:     make(map[string]string, len(tags)),
		rate:        o.rate,
		sinkTimeout: o.sinkTimeout,
		sinks:       o.sinks,
		values:      make(map[string]Sample, len(tags)),
	}

	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tag := tags[name]
		sample := Sample{Station: station, Tag: name, Address: tag.Address, Type: tag.Type}
		kind, err := tag.Kind()
		if err != nil {
			sample.markStale(err)
			p.values[name] = sample
			continue
		}
		sample.Type = kind.String()
		p.values[name] = sample
		p.names = append(p.names, name)
		p.reqs = append(p.reqs, tagio.Request{Address: tag.Address, Kind: kind})
		p.formats[name] = tag.DisplayFormat
	}

	threshold := o.threshold
	p.breaker = gobreaker.NewCircuitBreaker[[]tagio.Result](gobreaker.Settings{
		Name:        station,
		MaxRequests: 1,
		Timeout:     o.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Logf("poll %s: breaker %s -> %s", name, from, to)
		},
	})

	return p
}

// Station returns the station name.
func (p *Poller) Station() string { return p.station }

// BreakerState returns "closed", "open" or "half-open".
func (p *Poller) BreakerState() string { return p.breaker.State().String() }

// Start begins the poll loop. Calling Start on a running poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.pollLoop(p.ctx)
}

// Stop halts the poll loop and waits for the current sweep to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs one sweep and returns the samples that changed.
func (p *Poller) PollOnce(ctx context.Context) []Sample {
	if len(p.reqs) == 0 {
		return nil
	}

	results, err := p.breaker.Execute(func() ([]tagio.Result, error) {
		res := p.reader.ReadMany(p.reqs)
		for _, r := range res {
			if r.Err == nil || !linkDown(r.Err) {
				return res, nil
			}
		}
		return res, fmt.Errorf("%w: %v", ErrSweepFailed, res[0].Err)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.skip(err)
		return nil
	}

	changed := p.apply(results, err)
	if len(changed) > 0 {
		p.publish(ctx, changed)
	}
	return changed
}

// skip marks every sample stale without touching the controller.
func (p *Poller) skip(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, name := range p.names {
		s := p.values[name]
		s.markStale(err)
		p.values[name] = s
	}
	p.stats.Skipped++
	p.stats.LastError = err
	logging.DebugLog("poll", "%s: sweep skipped: %v", p.station, err)
}

func (p *Poller) apply(results []tagio.Result, sweepErr error) []Sample {
	now := time.Now()
	var changed []Sample
	errCount := 0

	p.mu.Lock()
	for i, r := range results {
		name := p.names[i]
		s := p.values[name]

		if r.Err != nil {
			errCount++
			s.markStale(r.Err)
			p.values[name] = s
			continue
		}

		isNew := s.Value == nil || *s.Value != r.Value
		v := r.Value
		s.Value = &v
		s.Text = s7.FormatValue(v, p.formats[name])
		s.Err = nil
		s.Error = ""
		s.Stale = false
		s.Timestamp = now
		p.values[name] = s
		if isNew {
			changed = append(changed, s)
		}
	}
	p.stats = Stats{
		LastPoll:   now,
		TagsPolled: len(results),
		Changes:    len(changed),
		Errors:     errCount,
		Skipped:    p.stats.Skipped,
		LastError:  sweepErr,
	}
	p.mu.Unlock()

	if sweepErr != nil {
		logging.DebugLog("poll", "%s: %v", p.station, sweepErr)
	}
	return changed
}

func (p *Poller) publish(ctx context.Context, samples []Sample) {
	for _, sink := range p.sinks {
		sctx, cancel := context.WithTimeout(ctx, p.sinkTimeout)
		if err := sink.Publish(sctx, p.station, samples); err != nil {
			logging.Logf("poll %s: sink %s: %v", p.station, sink.Name(), err)
		}
		cancel()
	}
}

// Values returns a snapshot of every tag's sample, sorted by tag name.
func (p *Poller) Values() []Sample {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Sample, 0, len(p.values))
	for _, s := range p.values {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Value returns the sample for one tag.
func (p *Poller) Value(tag string) (Sample, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.values[tag]
	return s, ok
}

// Stats returns statistics for the most recent sweep.
func (p *Poller) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}
