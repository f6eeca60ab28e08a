// Package output implements result listeners: client-side buffers that
// accumulate the change stream of one view.
//
// A listener owns one receiver goroutine while streaming. Every chunk read from
// the service becomes a Batch with a local sequence number; sequence numbers
// start at 0 and have no gaps. Consumers read the buffer in order through Next,
// Chunks or Foreach, or wait for quiescence and materialize everything with
// ToDicts or ToFrame.
//
// Batches emitted by the service before a listener connected are not replayed.
package output

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/errs"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/frame"
)

var logger = loggo.GetLogger("feldera.output")

// DefaultChangeColumn is the column that carries the signed weight of each
// row returned by ToDicts.
const DefaultChangeColumn = "insert_delete"

// State is the lifecycle state of a listener.
type State int

const (
	// Unattached listeners are not bound to a stream yet.
	Unattached State = iota
	// Attached listeners know their stream but the session is not running.
	Attached
	// Streaming listeners have a running receiver.
	Streaming
	// Draining listeners stopped receiving; the buffer may hold unread batches.
	Draining
	// Closed listeners have been released by the caller.
	Closed
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Attached:
		return "attached"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Batch is one chunk of changes received for a view.
type Batch struct {
	// Seq is the local sequence number, gapless from 0.
	Seq uint64
	// ServiceSeq is the sequence number reported by the service.
	ServiceSeq int64
	Changes    []format.Change
}

// Opener opens the change stream of a view. The stream is a sequence of
// newline-delimited chunks.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Quiescer blocks until the session feeding a listener has no records in
// flight. It returns errs.ErrTerminated when the session is gone.
type Quiescer interface {
	Quiesce(ctx context.Context) error
}

// QuiescerFunc adapts a function to the Quiescer interface.
type QuiescerFunc func(ctx context.Context) error

// Quiesce implements Quiescer.
func (f QuiescerFunc) Quiesce(ctx context.Context) error { return f(ctx) }

// Option configures a listener.
type Option func(*Listener)

// WithChangeColumn names the column holding the signed weight in ToDicts.
func WithChangeColumn(name string) Option {
	return func(l *Listener) { l.changeColumn = name }
}

// WithSettle sets how long the stream must stay silent after quiescence
// before ToDicts returns.
func WithSettle(d time.Duration) Option {
	return func(l *Listener) { l.settle = d }
}

// WithMaxReconnects bounds the reconnect attempts after a transport failure.
func WithMaxReconnects(n uint64) Option {
	return func(l *Listener) { l.maxReconnects = n }
}

// WithLogger overrides the package logger.
func WithLogger(log loggo.Logger) Option {
	return func(l *Listener) { l.logger = log }
}

// WithObserver registers a function called for every received batch, on the
// receiver goroutine.
func WithObserver(fn func(Batch)) Option {
	return func(l *Listener) { l.observer = fn }
}

// Listener buffers the change stream of one view.
type Listener struct {
	view          string
	codec         format.Codec
	changeColumn  string
	settle        time.Duration
	maxReconnects uint64
	logger        loggo.Logger
	observer      func(Batch)

	mu       sync.Mutex
	state    State
	open     Opener
	quiescer Quiescer
	batches  []Batch
	err      error
	lastRecv time.Time
	notify   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an unattached listener for view. Chunks are decoded with codec.
func New(view string, codec format.Codec, opts ...Option) *Listener {
	l := &Listener{
		view:          view,
		codec:         codec,
		changeColumn:  DefaultChangeColumn,
		settle:        200 * time.Millisecond,
		maxReconnects: 5,
		logger:        logger,
		notify:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// View returns the name of the view the listener is bound to.
func (l *Listener) View() string { return l.view }

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the error that ended the stream, if any.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Attach binds the listener to its stream and to the quiescence signal of
// the owning session.
func (l *Listener) Attach(open Opener, q Quiescer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Unattached {
		return errors.NotSupportedf("attaching a %s listener", l.state)
	}
	l.open = open
	l.quiescer = q
	l.state = Attached
	return nil
}

// Start connects to the stream and starts the receiver goroutine.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != Attached {
		state := l.state
		l.mu.Unlock()
		return errors.NotSupportedf("starting a %s listener", state)
	}
	l.mu.Unlock()

	// The stream outlives ctx; ctx only bounds the connection attempt.
	rctx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	body, err := l.connect(rctx)
	if !stop() {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		if body != nil {
			body.Close()
		}
		return errors.Annotatef(err, "listening to view %s", l.view)
	}

	l.mu.Lock()
	if l.state != Attached {
		l.mu.Unlock()
		cancel()
		body.Close()
		return errs.Terminatedf("listener for view %s drained while connecting", l.view)
	}
	l.state = Streaming
	l.cancel = cancel
	l.done = make(chan struct{})
	l.lastRecv = time.Now()
	l.broadcastLocked()
	l.mu.Unlock()

	go l.receive(rctx, body)
	l.logger.Debugf("listener for view %s streaming", l.view)
	return nil
}

// connect opens the stream, retrying transport failures with exponential
// backoff.
func (l *Listener) connect(ctx context.Context) (io.ReadCloser, error) {
	var body io.ReadCloser
	op := func() error {
		b, err := l.open(ctx)
		if err != nil {
			if errors.Is(err, errs.ErrTransport) {
				l.logger.Warningf("opening stream of view %s: %v", l.view, err)
				return err
			}
			return backoff.Permanent(err)
		}
		body = b
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), l.maxReconnects), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return body, nil
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	return b
}

type chunk struct {
	SequenceNumber int64           `json:"sequence_number"`
	JSONData       json.RawMessage `json:"json_data"`
}

func (l *Listener) receive(ctx context.Context, body io.ReadCloser) {
	defer close(l.done)
	for {
		current := body
		stop := context.AfterFunc(ctx, func() { current.Close() })
		err := l.read(ctx, current)
		stop()
		current.Close()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// The service closed the stream.
			l.finish(nil)
			return
		}
		if !errors.Is(err, errs.ErrTransport) {
			l.finish(err)
			return
		}
		l.logger.Warningf("stream of view %s interrupted, reconnecting: %v", l.view, err)
		if body, err = l.connect(ctx); err != nil {
			if ctx.Err() == nil {
				l.finish(errors.Annotatef(err, "reconnecting to view %s", l.view))
			}
			return
		}
	}
}

func (l *Listener) read(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return errors.NotValidf("chunk of view %s (%v)", l.view, err)
		}
		if len(c.JSONData) == 0 {
			continue
		}
		changes, err := l.codec.Decode(c.JSONData)
		if err != nil {
			return errors.Annotatef(err, "decoding chunk %d of view %s", c.SequenceNumber, l.view)
		}
		l.append(c.SequenceNumber, changes)
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errs.Transportf("reading stream of view %s: %v", l.view, err)
	}
	return nil
}

func (l *Listener) append(serviceSeq int64, changes []format.Change) {
	l.mu.Lock()
	b := Batch{Seq: uint64(len(l.batches)), ServiceSeq: serviceSeq, Changes: changes}
	l.batches = append(l.batches, b)
	l.lastRecv = time.Now()
	l.broadcastLocked()
	l.mu.Unlock()
	if l.observer != nil {
		l.observer(b)
	}
}

func (l *Listener) finish(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Streaming {
		l.state = Draining
	}
	if err != nil && l.err == nil {
		l.err = err
		l.logger.Errorf("stream of view %s ended: %v", l.view, err)
	}
	l.broadcastLocked()
}

// broadcastLocked wakes every goroutine waiting on the buffer.
func (l *Listener) broadcastLocked() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// Drain stops the receiver. Buffered batches stay readable; readers past the
// end of the buffer get io.EOF.
func (l *Listener) Drain() {
	l.mu.Lock()
	switch l.state {
	case Unattached, Attached:
		l.state = Draining
		l.broadcastLocked()
		l.mu.Unlock()
		return
	case Draining, Closed:
		l.mu.Unlock()
		return
	}
	l.state = Draining
	cancel, done := l.cancel, l.done
	l.broadcastLocked()
	l.mu.Unlock()

	cancel()
	<-done
}

// Close stops the receiver and releases the listener. Buffered batches stay
// readable.
func (l *Listener) Close() error {
	l.Drain()
	l.mu.Lock()
	l.state = Closed
	l.broadcastLocked()
	l.mu.Unlock()
	return nil
}

// Batches returns a copy of the buffered batches.
func (l *Listener) Batches() []Batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Batch, len(l.batches))
	copy(out, l.batches)
	return out
}

// Next returns the batch with sequence number seq, blocking until it arrives.
// It returns io.EOF once the stream ended and seq is past the buffer, or the
// error that ended the stream.
func (l *Listener) Next(ctx context.Context, seq uint64) (Batch, error) {
	for {
		l.mu.Lock()
		if seq < uint64(len(l.batches)) {
			b := l.batches[seq]
			l.mu.Unlock()
			return b, nil
		}
		if l.state == Draining || l.state == Closed {
			err := l.err
			l.mu.Unlock()
			if err != nil {
				return Batch{}, err
			}
			return Batch{}, io.EOF
		}
		wait := l.notify
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
	}
}

// Chunks delivers batches in order on a bounded channel. The channel is
// closed at end of stream or when ctx is done; Err reports a stream failure.
func (l *Listener) Chunks(ctx context.Context) <-chan Batch {
	out := make(chan Batch, 16)
	go func() {
		defer close(out)
		for seq := uint64(0); ; seq++ {
			b, err := l.Next(ctx, seq)
			if err != nil {
				return
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Foreach calls fn for every batch in sequence order on the calling goroutine
// until the stream ends, fn fails or ctx is done. A clean end of stream
// returns nil.
func (l *Listener) Foreach(ctx context.Context, fn func(Batch) error) error {
	for seq := uint64(0); ; seq++ {
		b, err := l.Next(ctx, seq)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(b); err != nil {
			return errors.Annotatef(err, "batch %d of view %s", b.Seq, l.view)
		}
	}
}

// ToDicts waits until the session is quiescent and the stream has settled,
// then returns every buffered row in arrival order. Each row carries its
// signed weight in the change column.
func (l *Listener) ToDicts(ctx context.Context) ([]map[string]interface{}, error) {
	if err := l.waitSettled(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var rows []map[string]interface{}
	for _, b := range l.batches {
		for _, c := range b.Changes {
			row := make(map[string]interface{}, len(c.Row)+1)
			for k, v := range c.Row {
				row[k] = v
			}
			row[l.changeColumn] = c.Weight
			rows = append(rows, row)
		}
	}
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return rows, l.err
}

// ToFrame is like ToDicts but returns a frame with sorted columns.
func (l *Listener) ToFrame(ctx context.Context) (*frame.Frame, error) {
	rows, err := l.ToDicts(ctx)
	if err != nil {
		return nil, err
	}
	return frame.FromRecords(rows)
}

func (l *Listener) waitSettled(ctx context.Context) error {
	l.mu.Lock()
	state, q := l.state, l.quiescer
	l.mu.Unlock()

	switch state {
	case Unattached:
		return errors.NotSupportedf("reading an unattached listener")
	case Draining, Closed:
		return nil
	}

	if err := q.Quiesce(ctx); err != nil && !errors.Is(err, errs.ErrTerminated) {
		return errors.Annotatef(err, "waiting for view %s", l.view)
	}

	for {
		l.mu.Lock()
		if l.state != Streaming {
			l.mu.Unlock()
			return nil
		}
		quiet := time.Since(l.lastRecv)
		wait := l.notify
		l.mu.Unlock()
		if quiet >= l.settle {
			return nil
		}
		timer := time.NewTimer(l.settle - quiet)
		select {
		case <-timer.C:
		case <-wait:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
