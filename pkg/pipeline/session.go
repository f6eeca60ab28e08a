// Package pipeline drives the lifecycle of a pipeline session: a named SQL
// program built from registered tables and views, its connectors, and the
// listeners reading its views.
//
// Registration and lifecycle calls follow a single-writer model: one goroutine
// registers tables, views and connectors and calls Start, Pause, Resume,
// Shutdown and Delete. They are not locked against each other. Reads of the
// lifecycle state, waits, inputs and listeners are safe from any goroutine.
package pipeline

import (
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/client"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/connector"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/output"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/schema"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/transform"
)

var logger = loggo.GetLogger("feldera.pipeline")

// State is the lifecycle state of a session.
type State int

const (
	// Created sessions exist locally only.
	Created State = iota
	// Compiled sessions have a program accepted by the service.
	Compiled
	// Running sessions process input.
	Running
	// Paused sessions are deployed but do not process input.
	Paused
	// ShuttingDown sessions are being stopped.
	ShuttingDown
	// Terminated sessions are stopped; they can only be deleted.
	Terminated
	// Failed sessions could not be started; they can only be deleted.
	Failed
	// Deleted sessions no longer exist on the service.
	Deleted
)

var stateNames = map[State]string{
	Created:      "created",
	Compiled:     "compiled",
	Running:      "running",
	Paused:       "paused",
	ShuttingDown: "shutting down",
	Terminated:   "terminated",
	Failed:       "failed",
	Deleted:      "deleted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Resources bounds the compute, memory and storage of the remote pipeline.
type Resources = client.Resources

// MetricsRecorder receives session metrics.
type MetricsRecorder interface {
	RecordRowsPushed(session, table string, rows int)
	RecordBatchReceived(session, view string, changes int)
	RecordError(session, operation, errorType string)
	RecordOperationDuration(session, operation string, seconds float64)
	SetSessionState(session, state string)
}

type tableDef struct {
	name   string
	schema *schema.Schema
	mapper *transform.RecordMapper
}

type viewDef struct {
	name         string
	sql          string
	materialized bool
}

// Session is a client-side handle on a named pipeline.
type Session struct {
	name         string
	client       *client.Client
	description  string
	workers      int
	resources    *Resources
	pollInterval time.Duration
	idleInterval time.Duration
	chunkSize    int
	logger       loggo.Logger
	metrics      MetricsRecorder

	// registration, single writer
	tables     map[string]*tableDef
	tableOrder []string
	views      map[string]*viewDef
	viewOrder  []string

	mu         sync.RWMutex // protects the fields below
	connectors connector.Set
	state      State
	starting   bool
	failure    error
	listeners  []*output.Listener
	terminated chan struct{}
	createdAt  time.Time
	lastPush   time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithResources sets the resources requested for the remote pipeline.
func WithResources(r Resources) Option {
	return func(s *Session) { s.resources = &r }
}

// WithWorkers sets the number of worker threads of the remote pipeline.
func WithWorkers(n int) Option {
	return func(s *Session) { s.workers = n }
}

// WithDescription sets the description stored with the program and pipeline.
func WithDescription(d string) Option {
	return func(s *Session) { s.description = d }
}

// WithLogger overrides the package logger.
func WithLogger(log loggo.Logger) Option {
	return func(s *Session) { s.logger = log }
}

// WithMetrics records session metrics.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Session) { s.metrics = m }
}

// WithPollInterval sets how often compilation, status and statistics are
// polled.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) { s.pollInterval = d }
}

// WithIdleInterval sets how long the processed counters must stay unchanged
// before the pipeline is considered idle.
func WithIdleInterval(d time.Duration) Option {
	return func(s *Session) { s.idleInterval = d }
}

// WithChunkSize sets the maximum number of rows sent per ingress request.
func WithChunkSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// New creates a session named name on the service behind c. Nothing is sent
// to the service until Start.
func New(name string, c *client.Client, opts ...Option) (*Session, error) {
	if !schema.ValidIdentifier(strings.ReplaceAll(name, "-", "_")) {
		return nil, errors.NotValidf("session name %q", name)
	}
	if c == nil {
		return nil, errors.NotValidf("nil client")
	}
	s := &Session{
		name:         name,
		client:       c,
		pollInterval: 100 * time.Millisecond,
		idleInterval: 200 * time.Millisecond,
		chunkSize:    10000,
		logger:       logger,
		tables:       map[string]*tableDef{},
		views:        map[string]*viewDef{},
		state:        Created,
		terminated:   make(chan struct{}),
		createdAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that failed Start, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debugf("session %s is %s", s.name, state)
	if s.metrics != nil {
		s.metrics.SetSessionState(s.name, state.String())
	}
}

func (s *Session) recordError(operation string, err error) {
	if s.metrics == nil || err == nil {
		return
	}
	s.metrics.RecordError(s.name, operation, errorType(err))
}

func errorType(err error) string {
	switch {
	case errors.Is(err, errors.NotValid):
		return "validation"
	case errors.Is(err, errors.NotFound):
		return "not_found"
	case errors.Is(err, errors.NotSupported):
		return "unsupported"
	}
	return "other"
}

func (s *Session) relationExists(name string) bool {
	key := schema.CanonicalName(name)
	_, isTable := s.tables[key]
	_, isView := s.views[key]
	return isTable || isView
}

// RegisterTable adds a table. It fails with errors.NotValid when the name is
// taken or invalid, and with errors.NotSupported once the session started.
func (s *Session) RegisterTable(name string, sc *schema.Schema) error {
	if err := s.checkRegistration(name); err != nil {
		return err
	}
	if sc == nil {
		return errors.NotValidf("nil schema for table %q", name)
	}
	key := schema.CanonicalName(name)
	s.tables[key] = &tableDef{name: name, schema: sc, mapper: transform.NewRecordMapper(sc)}
	s.tableOrder = append(s.tableOrder, key)
	return nil
}

// RegisterView adds a view whose output is streamed but not retained.
func (s *Session) RegisterView(name, sql string) error {
	return s.registerView(name, sql, false)
}

// RegisterMaterializedView adds a view whose current contents can also be
// read with Snapshot.
func (s *Session) RegisterMaterializedView(name, sql string) error {
	return s.registerView(name, sql, true)
}

func (s *Session) registerView(name, sql string, materialized bool) error {
	if err := s.checkRegistration(name); err != nil {
		return err
	}
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")
	if sql == "" {
		return errors.NotValidf("empty query for view %q", name)
	}
	for _, ref := range referencedRelations(sql) {
		if !s.relationExists(ref) {
			return errors.NotValidf("view %q references unknown relation %q", name, ref)
		}
	}
	key := schema.CanonicalName(name)
	s.views[key] = &viewDef{name: name, sql: sql, materialized: materialized}
	s.viewOrder = append(s.viewOrder, key)
	return nil
}

func (s *Session) checkRegistration(name string) error {
	if st := s.State(); st != Created {
		return errors.NotSupportedf("registering %q in a %s session", name, st)
	}
	if !schema.ValidIdentifier(name) {
		return errors.NotValidf("relation name %q", name)
	}
	if s.relationExists(name) {
		return errors.NotValidf("relation %q already registered", name)
	}
	return nil
}

// programCode renders the SQL program of the session.
func (s *Session) programCode() string {
	var b strings.Builder
	for _, key := range s.tableOrder {
		t := s.tables[key]
		b.WriteString(t.schema.DDL(t.name))
		b.WriteString("\n\n")
	}
	for _, key := range s.viewOrder {
		v := s.views[key]
		if v.materialized {
			b.WriteString("CREATE MATERIALIZED VIEW ")
		} else {
			b.WriteString("CREATE VIEW ")
		}
		b.WriteString(v.name)
		b.WriteString(" AS ")
		b.WriteString(v.sql)
		b.WriteString(";\n\n")
	}
	return strings.TrimSpace(b.String())
}

func (s *Session) table(name string) (*tableDef, error) {
	t, ok := s.tables[schema.CanonicalName(name)]
	if !ok {
		return nil, errors.NotFoundf("table %q in session %q", name, s.name)
	}
	return t, nil
}

func (s *Session) view(name string) (*viewDef, error) {
	v, ok := s.views[schema.CanonicalName(name)]
	if !ok {
		return nil, errors.NotFoundf("view %q in session %q", name, s.name)
	}
	return v, nil
}

func (s *Session) isTerminated() bool {
	select {
	case <-s.terminated:
		return true
	default:
		return false
	}
}

// HealthStatus is a snapshot of the session for health endpoints.
type HealthStatus struct {
	Healthy       bool   `json:"healthy"`
	Session       string `json:"session"`
	State         string `json:"state"`
	Connectors    int    `json:"connectors"`
	Listeners     int    `json:"listeners"`
	LastPushTime  string `json:"last_push_time,omitempty"`
	Error         string `json:"error,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// IsHealthy reports whether the session is running.
func (s *Session) IsHealthy() bool {
	return s.State() == Running
}

// Status returns the current health status of the session.
func (s *Session) Status() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastPush string
	if !s.lastPush.IsZero() {
		lastPush = s.lastPush.Format(time.RFC3339)
	}
	var failure string
	if s.failure != nil {
		failure = s.failure.Error()
	}
	return HealthStatus{
		Healthy:       s.state == Running,
		Session:       s.name,
		State:         s.state.String(),
		Connectors:    s.connectors.Len(),
		Listeners:     len(s.listeners),
		LastPushTime:  lastPush,
		Error:         failure,
		UptimeSeconds: int64(time.Since(s.createdAt).Seconds()),
	}
}
