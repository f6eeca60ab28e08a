package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	jujuerrors "github.com/juju/errors"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/output"
)

// MockSource is a mock implementation of Source for testing
type MockSource struct {
	events []Event
}

func NewMockSource(events []Event) *MockSource {
	return &MockSource{events: events}
}

func (m *MockSource) Connect(ctx context.Context) error {
	return nil
}

func (m *MockSource) Read(ctx context.Context) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error)

	go func() {
		defer close(events)
		defer close(errs)

		for _, event := range m.events {
			select {
			case <-ctx.Done():
				return
			case events <- event:
			}
		}
	}()

	return events, errs
}

func (m *MockSource) Close() error {
	return nil
}

// MockIngestor records pushed changes
type MockIngestor struct {
	mu     sync.Mutex
	pushes [][]format.Change
	fail   error
}

func (m *MockIngestor) PushChanges(ctx context.Context, table string, changes []format.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.pushes = append(m.pushes, append([]format.Change(nil), changes...))
	return nil
}

func (m *MockIngestor) changes() []format.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []format.Change
	for _, p := range m.pushes {
		out = append(out, p...)
	}
	return out
}

// MockFeed replays fixed batches
type MockFeed struct {
	batches []output.Batch
}

func (m *MockFeed) Chunks(ctx context.Context) <-chan output.Batch {
	ch := make(chan output.Batch)
	go func() {
		defer close(ch)
		for _, b := range m.batches {
			select {
			case <-ctx.Done():
				return
			case ch <- b:
			}
		}
	}()
	return ch
}

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	mu       sync.Mutex
	received []output.Batch
}

func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) Connect(ctx context.Context) error {
	return nil
}

func (m *MockSink) Write(ctx context.Context, batches <-chan output.Batch) <-chan error {
	errs := make(chan error)

	go func() {
		defer close(errs)

		for b := range batches {
			m.mu.Lock()
			m.received = append(m.received, b)
			m.mu.Unlock()
		}
	}()

	return errs
}

func (m *MockSink) Close() error {
	return nil
}

// MockTransformer is a mock implementation of Transformer for testing
type MockTransformer struct {
	prefix string
}

func NewMockTransformer(prefix string) *MockTransformer {
	return &MockTransformer{prefix: prefix}
}

func (m *MockTransformer) Transform(event Event) (Event, error) {
	if event.Data["name"] == "bad" {
		return event, errors.New("rejected")
	}
	data := map[string]interface{}{}
	for k, v := range event.Data {
		data[k] = v
	}
	data["name"] = m.prefix + data["name"].(string)
	event.Data = data
	return event, nil
}

func testEvents() []Event {
	return []Event{
		{
			ID:        "1",
			Timestamp: time.Now(),
			Operation: "insert",
			Data:      map[string]interface{}{"id": 1, "name": "test1"},
		},
		{
			ID:        "2",
			Timestamp: time.Now(),
			Operation: "update",
			Data:      map[string]interface{}{"id": 1, "name": "test2"},
			Before:    map[string]interface{}{"id": 1, "name": "test1"},
		},
	}
}

// TestRelaySource tests that source events reach the table
func TestRelaySource(t *testing.T) {
	ingestor := &MockIngestor{}
	relay := New("test-relay", WithSource(NewMockSource(testEvents()), "t", ingestor))

	if err := relay.Run(context.Background()); err != nil {
		t.Fatalf("Relay.Run() error = %v", err)
	}

	got := ingestor.changes()
	if len(got) != 3 {
		t.Fatalf("Expected 3 changes, got %d", len(got))
	}
	if got[0].Weight != 1 || got[1].Weight != -1 || got[2].Weight != 1 {
		t.Errorf("Unexpected weights: %d %d %d", got[0].Weight, got[1].Weight, got[2].Weight)
	}
	if got[2].Row["name"] != "test2" {
		t.Errorf("Expected 'test2', got '%v'", got[2].Row["name"])
	}
}

// TestRelayWithTransformer tests relay with transformer
func TestRelayWithTransformer(t *testing.T) {
	events := append(testEvents()[:1], Event{ID: "3", Operation: "insert", Data: map[string]interface{}{"name": "bad"}})
	ingestor := &MockIngestor{}
	relay := New("test-relay",
		WithSource(NewMockSource(events), "t", ingestor),
		WithTransformer(NewMockTransformer("PREFIX_")),
	)

	if err := relay.Run(context.Background()); err != nil {
		t.Fatalf("Relay.Run() error = %v", err)
	}

	got := ingestor.changes()
	if len(got) != 1 {
		t.Fatalf("Expected 1 change, got %d", len(got))
	}
	if got[0].Row["name"] != "PREFIX_test1" {
		t.Errorf("Expected 'PREFIX_test1', got '%v'", got[0].Row["name"])
	}
}

func TestRelayBatching(t *testing.T) {
	var events []Event
	for i := 0; i < 5; i++ {
		events = append(events, Event{ID: "x", Operation: "insert", Data: map[string]interface{}{"id": i}})
	}
	ingestor := &MockIngestor{}
	relay := New("test-relay",
		WithSource(NewMockSource(events), "t", ingestor),
		WithBatchSize(2),
		WithFlushInterval(time.Hour),
	)

	if err := relay.Run(context.Background()); err != nil {
		t.Fatalf("Relay.Run() error = %v", err)
	}
	if len(ingestor.pushes) != 3 {
		t.Errorf("Expected 3 pushes, got %d", len(ingestor.pushes))
	}
}

func TestRelayStopsOnPushFailure(t *testing.T) {
	ingestor := &MockIngestor{fail: jujuerrors.NotValidf("column")}
	relay := New("test-relay", WithSource(NewMockSource(testEvents()), "t", ingestor))

	err := relay.Run(context.Background())
	if !jujuerrors.Is(err, jujuerrors.NotValid) {
		t.Fatalf("Expected NotValid, got %v", err)
	}
}

func TestRelaySink(t *testing.T) {
	feed := &MockFeed{batches: []output.Batch{
		{Seq: 0, Changes: []format.Change{format.Insert(map[string]interface{}{"id": 1})}},
		{Seq: 1, Changes: []format.Change{format.Delete(map[string]interface{}{"id": 1})}},
	}}
	sink := NewMockSink()
	relay := New("test-relay", WithSink(sink, feed))

	if err := relay.Run(context.Background()); err != nil {
		t.Fatalf("Relay.Run() error = %v", err)
	}
	if len(sink.received) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(sink.received))
	}
	if sink.received[1].Seq != 1 {
		t.Errorf("Expected batch 1 last, got %d", sink.received[1].Seq)
	}
}

func TestRelayCancel(t *testing.T) {
	blocking := &blockingSource{}
	relay := New("test-relay", WithSource(blocking, "t", &MockIngestor{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !relay.IsHealthy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	status := relay.GetStatus()
	if !status.Healthy || !status.SourceConnected || status.SinkConnected {
		t.Errorf("Unexpected status %+v", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Relay.Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	if relay.IsHealthy() {
		t.Error("Expected unhealthy relay after stop")
	}
}

func TestRelayWithoutSides(t *testing.T) {
	err := New("empty").Run(context.Background())
	if !jujuerrors.Is(err, jujuerrors.NotValid) {
		t.Fatalf("Expected NotValid, got %v", err)
	}
}

type blockingSource struct{}

func (blockingSource) Connect(ctx context.Context) error { return nil }

func (blockingSource) Read(ctx context.Context) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error)
	go func() {
		<-ctx.Done()
		close(events)
		close(errs)
	}()
	return events, errs
}

func (blockingSource) Close() error { return nil }
