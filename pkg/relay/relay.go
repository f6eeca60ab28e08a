// Package relay moves data between external systems and a pipeline session:
// change events from a Source are pushed into a table, and the change batches
// of a view are applied to a Sink.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/output"
)

var logger = loggo.GetLogger("feldera.relay")

// Ingestor accepts table changes; *pipeline.Session implements it.
type Ingestor interface {
	PushChanges(ctx context.Context, table string, changes []format.Change) error
}

// Feed yields the change batches of a view; *output.Listener implements it.
type Feed interface {
	Chunks(ctx context.Context) <-chan output.Batch
}

// MetricsRecorder interface for recording relay metrics
type MetricsRecorder interface {
	RecordEventProcessed(relayName, operation string)
	RecordEventError(relayName, component, errorType string)
	RecordProcessingDuration(relayName, component string, duration float64)
	SetRelayRunning(running bool)
	SetSourceConnected(connected bool)
	SetSinkConnected(connected bool)
}

// Relay connects a source to a table and a view to a sink. Either side may be
// omitted.
type Relay struct {
	name          string
	source        Source
	table         string
	ingestor      Ingestor
	transformer   Transformer
	sink          Sink
	feed          Feed
	batchSize     int
	flushInterval time.Duration
	logger        loggo.Logger
	metrics       MetricsRecorder
	startTime     time.Time

	mu              sync.RWMutex // protects the fields below
	lastEventTime   time.Time
	sourceConnected bool
	sinkConnected   bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithSource reads change events from src and pushes them to table.
func WithSource(src Source, table string, into Ingestor) Option {
	return func(r *Relay) {
		r.source, r.table, r.ingestor = src, table, into
	}
}

// WithTransformer maps events before they are pushed.
func WithTransformer(t Transformer) Option {
	return func(r *Relay) { r.transformer = t }
}

// WithSink applies the batches of feed to sink.
func WithSink(sink Sink, feed Feed) Option {
	return func(r *Relay) { r.sink, r.feed = sink, feed }
}

// WithBatchSize sets how many changes are pushed per request.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithFlushInterval sets how long changes may wait before a partial batch is
// pushed.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithLogger overrides the package logger.
func WithLogger(log loggo.Logger) Option {
	return func(r *Relay) { r.logger = log }
}

// WithMetrics records relay metrics.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Relay) { r.metrics = m }
}

// New creates a relay.
func New(name string, opts ...Option) *Relay {
	r := &Relay{
		name:          name,
		batchSize:     500,
		flushInterval: time.Second,
		logger:        logger,
		startTime:     time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsHealthy returns true if every configured side is connected.
func (r *Relay) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthyLocked()
}

func (r *Relay) healthyLocked() bool {
	if r.source == nil && r.sink == nil {
		return false
	}
	return (r.source == nil || r.sourceConnected) && (r.sink == nil || r.sinkConnected)
}

// GetStatus returns the current health status of the relay
func (r *Relay) GetStatus() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var lastEventTime string
	if !r.lastEventTime.IsZero() {
		lastEventTime = r.lastEventTime.Format(time.RFC3339)
	}
	healthy := r.healthyLocked()
	return HealthStatus{
		Healthy:         healthy,
		RelayRunning:    healthy,
		SourceConnected: r.sourceConnected,
		SinkConnected:   r.sinkConnected,
		LastEventTime:   lastEventTime,
		UptimeSeconds:   int64(time.Since(r.startTime).Seconds()),
	}
}

// HealthStatus represents the health status of the relay
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	RelayRunning    bool   `json:"relay_running"`
	SourceConnected bool   `json:"source_connected"`
	SinkConnected   bool   `json:"sink_connected"`
	LastEventTime   string `json:"last_event_time,omitempty"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

func (r *Relay) setConnected(component string, connected bool) {
	r.mu.Lock()
	if component == "source" {
		r.sourceConnected = connected
	} else {
		r.sinkConnected = connected
	}
	r.mu.Unlock()
	if r.metrics == nil {
		return
	}
	if component == "source" {
		r.metrics.SetSourceConnected(connected)
	} else {
		r.metrics.SetSinkConnected(connected)
	}
}

func (r *Relay) recordError(component, errorType string) {
	if r.metrics != nil {
		r.metrics.RecordEventError(r.name, component, errorType)
	}
}

// Run connects both sides and moves data until ctx is cancelled, the source
// is exhausted and the view stream ends, or pushing to the table fails.
func (r *Relay) Run(ctx context.Context) error {
	if r.source == nil && r.sink == nil {
		return errors.NotValidf("relay %s without source or sink", r.name)
	}
	if r.source != nil && (r.ingestor == nil || r.table == "") {
		return errors.NotValidf("relay %s source without target table", r.name)
	}
	if r.sink != nil && r.feed == nil {
		return errors.NotValidf("relay %s sink without view feed", r.name)
	}
	r.logger.Infof("starting relay: %s", r.name)

	if r.metrics != nil {
		r.metrics.SetRelayRunning(true)
		defer r.metrics.SetRelayRunning(false)
	}

	if r.source != nil {
		if err := r.connect(ctx, "source", r.source.Connect); err != nil {
			return err
		}
		defer func() {
			r.source.Close()
			r.setConnected("source", false)
		}()
	}
	if r.sink != nil {
		if err := r.connect(ctx, "sink", r.sink.Connect); err != nil {
			return err
		}
		defer func() {
			r.sink.Close()
			r.setConnected("sink", false)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.source != nil {
		events, sourceErrors := r.source.Read(gctx)
		g.Go(func() error { return r.forward(gctx, events) })
		g.Go(func() error {
			for err := range sourceErrors {
				r.logger.Errorf("source error: %v", err)
				r.recordError("source", "read_error")
			}
			return nil
		})
	}
	if r.sink != nil {
		sinkErrors := r.sink.Write(gctx, r.feed.Chunks(gctx))
		g.Go(func() error {
			for err := range sinkErrors {
				r.logger.Errorf("sink error: %v", err)
				r.recordError("sink", "write_error")
			}
			return nil
		})
	}

	err := g.Wait()
	r.logger.Infof("relay stopped: %s", r.name)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) connect(ctx context.Context, component string, connect func(context.Context) error) error {
	start := time.Now()
	if err := connect(ctx); err != nil {
		r.recordError(component, "connection_error")
		r.setConnected(component, false)
		return errors.Annotatef(err, "failed to connect %s", component)
	}
	r.setConnected(component, true)
	if r.metrics != nil {
		r.metrics.RecordProcessingDuration(r.name, component+"_connect", time.Since(start).Seconds())
	}
	return nil
}

// forward transforms events and pushes their changes in batches. A failed push
// stops the relay.
func (r *Relay) forward(ctx context.Context, events <-chan Event) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	var pending []format.Change
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		start := time.Now()
		if err := r.ingestor.PushChanges(ctx, r.table, pending); err != nil {
			r.recordError("session", "push_error")
			return errors.Annotatef(err, "pushing %d changes to %s", len(pending), r.table)
		}
		if r.metrics != nil {
			r.metrics.RecordProcessingDuration(r.name, "push", time.Since(start).Seconds())
		}
		r.logger.Debugf("pushed %d changes to %s", len(pending), r.table)
		pending = nil
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case event, ok := <-events:
			if !ok {
				return flush()
			}
			changes, ok := r.apply(event)
			if !ok {
				continue
			}
			pending = append(pending, changes...)
			if len(pending) >= r.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

func (r *Relay) apply(event Event) ([]format.Change, bool) {
	start := time.Now()
	r.mu.Lock()
	r.lastEventTime = start
	r.mu.Unlock()

	if r.transformer != nil {
		transformed, err := r.transformer.Transform(event)
		if err != nil {
			r.logger.Warningf("error transforming event %s: %v", event.ID, err)
			r.recordError("transformer", "transform_error")
			return nil, false
		}
		event = transformed
		if r.metrics != nil {
			r.metrics.RecordProcessingDuration(r.name, "transform", time.Since(start).Seconds())
		}
	}

	changes := event.Changes()
	if len(changes) == 0 {
		r.logger.Warningf("skipping event %s with operation %q", event.ID, event.Operation)
		r.recordError("transformer", "unknown_operation")
		return nil, false
	}
	if r.metrics != nil {
		r.metrics.RecordEventProcessed(r.name, event.Operation)
	}
	return changes, true
}
