package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/juju/errors"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/client"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/connector"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/frame"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/output"
)

var (
	rawArray    = format.NewJSON().WithUpdateFormat(format.Raw).WithArray(true)
	changeArray = format.NewJSON().WithUpdateFormat(format.InsertDelete).WithArray(true)
)

// ConnectSource binds an external source to a table. Before Start the binding
// is recorded and created with the pipeline; afterwards it is attached to the
// running pipeline, which fails with errors.NotSupported where the service
// cannot attach connectors at runtime.
func (s *Session) ConnectSource(ctx context.Context, table, name string, t connector.Transport, f format.Format) error {
	if _, err := s.table(table); err != nil {
		return err
	}
	return s.connect(ctx, connector.Binding{
		Relation:  table,
		Name:      name,
		Direction: connector.Source,
		Transport: t,
		Format:    f,
	})
}

// ConnectSink binds a view to an external sink.
func (s *Session) ConnectSink(ctx context.Context, view, name string, t connector.Transport, f format.Format) error {
	if _, err := s.view(view); err != nil {
		return err
	}
	return s.connect(ctx, connector.Binding{
		Relation:  view,
		Name:      name,
		Direction: connector.Sink,
		Transport: t,
		Format:    f,
	})
}

// ConnectSourceKafka feeds a table from Kafka. The configuration needs at
// least "topics" and "bootstrap.servers".
func (s *Session) ConnectSourceKafka(ctx context.Context, table, name string, config map[string]interface{}, f format.Format) error {
	return s.ConnectSource(ctx, table, name, connector.Kafka(connector.Source, config), f)
}

// ConnectSinkKafka writes a view to Kafka. The configuration needs at least
// "topic" and "bootstrap.servers".
func (s *Session) ConnectSinkKafka(ctx context.Context, view, name string, config map[string]interface{}, f format.Format) error {
	return s.ConnectSink(ctx, view, name, connector.Kafka(connector.Sink, config), f)
}

// ConnectSourceURL feeds a table from the document at path.
func (s *Session) ConnectSourceURL(ctx context.Context, table, name, path string, f format.Format) error {
	return s.ConnectSource(ctx, table, name, connector.URL(path), f)
}

// ConnectSourceFile feeds a table from a file on the service host.
func (s *Session) ConnectSourceFile(ctx context.Context, table, name, path string, f format.Format) error {
	return s.ConnectSource(ctx, table, name, connector.File(connector.Source, path), f)
}

// ConnectSinkFile writes a view to a file on the service host.
func (s *Session) ConnectSinkFile(ctx context.Context, view, name, path string, f format.Format) error {
	return s.ConnectSink(ctx, view, name, connector.File(connector.Sink, path), f)
}

func (s *Session) connect(ctx context.Context, b connector.Binding) error {
	if err := b.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	state := s.state
	switch state {
	case Created, Running, Paused:
	default:
		s.mu.Unlock()
		return errors.NotSupportedf("connecting %q in a %s session", b.Name, state)
	}
	if err := s.connectors.Add(b); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if state == Created {
		s.logger.Debugf("session %s: %s %q bound to %s", s.name, b.Direction, b.Name, b.Relation)
		return nil
	}

	remote := b.RemoteName(s.name)
	err := s.client.PutConnector(ctx, remote, b.Descriptor())
	if err == nil {
		err = s.client.AttachConnector(ctx, s.name, b.Attachment(s.name))
		if err != nil {
			if derr := s.client.DeleteConnector(ctx, remote); derr != nil {
				s.logger.Warningf("removing unattached connector %s: %v", remote, derr)
			}
		}
	}
	if err == nil {
		s.logger.Infof("session %s: attached %s %q to %s", s.name, b.Direction, b.Name, b.Relation)
		return nil
	}

	s.mu.Lock()
	s.connectors.Remove(b.Relation, b.Name)
	s.mu.Unlock()
	s.recordError("connect", err)
	if errors.Is(err, errors.NotSupported) || errors.Is(err, errors.NotFound) {
		return errors.NewNotSupported(err, "attaching connectors to a running pipeline")
	}
	return errors.Annotatef(err, "attaching connector %q", b.Name)
}

// Listen returns a listener for the changes of view. A listener created
// before Start receives the stream from its first change; one created later
// receives changes from the moment it connects.
func (s *Session) Listen(ctx context.Context, view string, opts ...output.Option) (*output.Listener, error) {
	v, err := s.view(view)
	if err != nil {
		return nil, err
	}
	state := s.State()
	switch state {
	case Created, Compiled, Running, Paused:
	default:
		return nil, errors.NotSupportedf("listening in a %s session", state)
	}

	opts = append([]output.Option{
		output.WithLogger(s.logger),
		output.WithObserver(func(b output.Batch) {
			if s.metrics != nil {
				s.metrics.RecordBatchReceived(s.name, v.name, len(b.Changes))
			}
		}),
	}, opts...)
	l := output.New(v.name, changeArray, opts...)

	open := func(ctx context.Context) (io.ReadCloser, error) {
		return s.client.Egress(ctx, s.name, v.name, client.ModeWatch)
	}
	if err := l.Attach(open, output.QuiescerFunc(s.WaitForIdle)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	if state == Running || state == Paused {
		if err := l.Start(ctx); err != nil {
			s.recordError("listen", err)
			return nil, err
		}
	}
	return l, nil
}

// ForeachChunk calls fn for every batch of view, in order, from a dedicated
// goroutine. The goroutine ends with the stream or the first error of fn.
func (s *Session) ForeachChunk(ctx context.Context, view string, fn func(output.Batch) error) (*output.Listener, error) {
	l, err := s.Listen(ctx, view)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := l.Foreach(ctx, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorf("session %s: callback for view %s: %v", s.name, view, err)
		}
	}()
	return l, nil
}

// InputFrame pushes the rows of f to table. The frame's column labels must
// match the table's columns exactly; nothing is sent otherwise. It returns
// once the service accepted the rows, not once they were processed.
func (s *Session) InputFrame(ctx context.Context, table string, f *frame.Frame) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	records, err := t.mapper.MapFrame(f)
	if err != nil {
		return errors.Annotatef(err, "input to table %s", table)
	}
	return s.push(ctx, t, rawArray, records)
}

// InputJSON pushes one record or a list of records to table. data is a
// map[string]interface{}, a slice of them, or a JSON document of either shape.
func (s *Session) InputJSON(ctx context.Context, table string, data interface{}) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	records, err := asRecords(data)
	if err != nil {
		return errors.Annotatef(err, "input to table %s", table)
	}
	mapped, err := t.mapper.MapRecords(records)
	if err != nil {
		return errors.Annotatef(err, "input to table %s", table)
	}
	return s.push(ctx, t, rawArray, mapped)
}

// PushChanges pushes inserts and deletes to table. Rows are coerced to the
// table's column types; unknown keys are dropped.
func (s *Session) PushChanges(ctx context.Context, table string, changes []format.Change) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	mapped := make([]format.Change, 0, len(changes))
	for i, c := range changes {
		row, err := t.mapper.MapRecord(c.Row)
		if err != nil {
			return errors.Annotatef(err, "change %d for table %s", i, table)
		}
		mapped = append(mapped, format.Change{Weight: c.Weight, Row: row})
	}
	return s.pushChanges(ctx, t, changeArray, mapped)
}

func (s *Session) push(ctx context.Context, t *tableDef, codec format.Codec, records []map[string]interface{}) error {
	changes := make([]format.Change, len(records))
	for i, r := range records {
		changes[i] = format.Insert(r)
	}
	return s.pushChanges(ctx, t, codec, changes)
}

func (s *Session) pushChanges(ctx context.Context, t *tableDef, codec format.Codec, changes []format.Change) error {
	if st := s.State(); st != Running && st != Paused {
		return errors.NotSupportedf("pushing to a %s session", st)
	}
	begin := time.Now()
	for start := 0; start < len(changes); start += s.chunkSize {
		end := min(start+s.chunkSize, len(changes))
		payload, err := codec.Encode(changes[start:end])
		if err != nil {
			return errors.Annotatef(err, "encoding input to table %s", t.name)
		}
		if err := s.client.Push(ctx, s.name, t.name, codec, payload); err != nil {
			s.recordError("push", err)
			return errors.Trace(err)
		}
		if s.metrics != nil {
			s.metrics.RecordRowsPushed(s.name, t.name, end-start)
		}
	}

	s.mu.Lock()
	s.lastPush = time.Now()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordOperationDuration(s.name, "push", time.Since(begin).Seconds())
	}
	return nil
}

func asRecords(data interface{}) ([]map[string]interface{}, error) {
	switch v := data.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{v}, nil
	case []map[string]interface{}:
		return v, nil
	case []interface{}:
		out := make([]map[string]interface{}, len(v))
		for i, item := range v {
			rec, ok := item.(map[string]interface{})
			if !ok {
				return nil, errors.NotValidf("item %d of type %T", i, item)
			}
			out[i] = rec
		}
		return out, nil
	case json.RawMessage:
		return decodeRecords(v)
	case []byte:
		return decodeRecords(v)
	case string:
		return decodeRecords([]byte(v))
	}
	return nil, errors.NotValidf("input of type %T", data)
}

func decodeRecords(raw []byte) ([]map[string]interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.NewNotValid(err, "malformed JSON input")
	}
	return asRecords(v)
}

// Snapshot returns the current contents of a materialized view. Rows with a
// multiplicity above one are repeated.
func (s *Session) Snapshot(ctx context.Context, view string) ([]map[string]interface{}, error) {
	v, err := s.view(view)
	if err != nil {
		return nil, err
	}
	if !v.materialized {
		return nil, errors.NotSupportedf("snapshot of view %s that is not materialized", view)
	}
	if st := s.State(); st != Running && st != Paused {
		return nil, errors.NotSupportedf("snapshot in a %s session", st)
	}
	changes, err := s.client.Snapshot(ctx, s.name, v.name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rows := []map[string]interface{}{}
	for _, c := range changes {
		for n := int64(0); n < c.Weight; n++ {
			rows = append(rows, c.Row)
		}
	}
	return rows, nil
}
