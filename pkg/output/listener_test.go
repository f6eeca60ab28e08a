package output

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/errs"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
)

var egressCodec = format.NewJSON().WithUpdateFormat(format.InsertDelete).WithArray(true)

// pipeStream hands out one pipe per open call so tests can write chunks.
type pipeStream struct {
	mu      sync.Mutex
	writers []*io.PipeWriter
	opened  chan struct{}
	fail    []error
}

func newPipeStream(fail ...error) *pipeStream {
	return &pipeStream{opened: make(chan struct{}, 8), fail: fail}
}

func (p *pipeStream) open(ctx context.Context) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fail) > 0 {
		err := p.fail[0]
		p.fail = p.fail[1:]
		return nil, err
	}
	r, w := io.Pipe()
	p.writers = append(p.writers, w)
	p.opened <- struct{}{}
	return r, nil
}

func (p *pipeStream) current() *io.PipeWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writers[len(p.writers)-1]
}

func (p *pipeStream) send(t *testing.T, seq int, records string) {
	t.Helper()
	_, err := fmt.Fprintf(p.current(), "{\"sequence_number\":%d,\"json_data\":%s}\n", seq, records)
	require.NoError(t, err)
}

var quiet = QuiescerFunc(func(context.Context) error { return nil })

func startListener(t *testing.T, stream *pipeStream, q Quiescer, opts ...Option) *Listener {
	t.Helper()
	opts = append([]Option{WithSettle(20 * time.Millisecond)}, opts...)
	l := New("v", egressCodec, opts...)
	require.Equal(t, Unattached, l.State())
	require.NoError(t, l.Attach(stream.open, q))
	require.Equal(t, Attached, l.State())
	require.NoError(t, l.Start(context.Background()))
	require.Equal(t, Streaming, l.State())
	t.Cleanup(func() { l.Close() })
	return l
}

func TestListenerSequencesBatches(t *testing.T) {
	stream := newPipeStream()
	l := startListener(t, stream, quiet)

	stream.send(t, 7, `[{"insert":{"id":1}}]`)
	stream.send(t, 9, `[{"insert":{"id":2}},{"delete":{"id":1}}]`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b0, err := l.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b0.Seq)
	assert.Equal(t, int64(7), b0.ServiceSeq)
	assert.Equal(t, []format.Change{format.Insert(map[string]interface{}{"id": int64(1)})}, b0.Changes)

	b1, err := l.Next(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b1.Seq)
	assert.Len(t, b1.Changes, 2)
}

func TestListenerToDicts(t *testing.T) {
	stream := newPipeStream()
	l := startListener(t, stream, quiet, WithChangeColumn("weight"))

	stream.send(t, 0, `[{"insert":{"id":1,"name":"a"}}]`)
	_, err := l.Next(context.Background(), 0)
	require.NoError(t, err)

	rows, err := l.ToDicts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{
		{"id": int64(1), "name": "a", "weight": int64(1)},
	}, rows)

	f, err := l.ToFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "weight"}, f.Columns())
}

func TestListenerToDictsTerminatedSession(t *testing.T) {
	stream := newPipeStream()
	gone := QuiescerFunc(func(context.Context) error { return errs.Terminatedf("shut down") })
	l := startListener(t, stream, gone)

	stream.send(t, 0, `[{"insert":{"id":1}}]`)
	_, err := l.Next(context.Background(), 0)
	require.NoError(t, err)

	rows, err := l.ToDicts(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestListenerToDictsPropagatesQuiesceFailure(t *testing.T) {
	stream := newPipeStream()
	broken := QuiescerFunc(func(context.Context) error { return errs.Transportf("stats unavailable") })
	l := startListener(t, stream, broken)

	_, err := l.ToDicts(context.Background())
	assert.True(t, errors.Is(err, errs.ErrTransport), "got %v", err)
}

func TestListenerForeachOrderedUntilDrain(t *testing.T) {
	stream := newPipeStream()
	l := startListener(t, stream, quiet)

	var seen []uint64
	done := make(chan error, 1)
	go func() {
		done <- l.Foreach(context.Background(), func(b Batch) error {
			seen = append(seen, b.Seq)
			return nil
		})
	}()

	for i := 0; i < 20; i++ {
		stream.send(t, i*3, fmt.Sprintf(`[{"insert":{"id":%d}}]`, i))
	}
	require.Eventually(t, func() bool { return len(l.Batches()) == 20 }, 5*time.Second, 5*time.Millisecond)

	l.Drain()
	assert.Equal(t, Draining, l.State())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Foreach did not return after drain")
	}
	require.Len(t, seen, 20)
	for i, s := range seen {
		assert.Equal(t, uint64(i), s)
	}
}

func TestListenerChunksClosedAtEndOfStream(t *testing.T) {
	stream := newPipeStream()
	l := startListener(t, stream, quiet)

	ch := l.Chunks(context.Background())
	stream.send(t, 0, `[{"insert":{"id":1}}]`)
	b := <-ch
	assert.Equal(t, uint64(0), b.Seq)

	// service ends the stream
	require.NoError(t, stream.current().Close())
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, Draining, l.State())
	assert.NoError(t, l.Err())

	require.NoError(t, l.Close())
	assert.Equal(t, Closed, l.State())
	assert.Len(t, l.Batches(), 1)
}

func TestListenerReconnectsAfterTransportFailure(t *testing.T) {
	stream := newPipeStream(errs.Transportf("connection refused"))
	l := startListener(t, stream, quiet)

	stream.send(t, 0, `[{"insert":{"id":1}}]`)
	require.NoError(t, stream.current().CloseWithError(errs.Transportf("reset")))

	// a second connection is opened after the broken read
	<-stream.opened
	<-stream.opened
	stream.send(t, 1, `[{"insert":{"id":2}}]`)

	b, err := l.Next(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.ServiceSeq)
	assert.Equal(t, Streaming, l.State())
}

func TestListenerStartFailsOnPermanentError(t *testing.T) {
	stream := newPipeStream(errors.NotFoundf("pipeline p"))
	l := New("v", egressCodec)
	require.NoError(t, l.Attach(stream.open, quiet))

	err := l.Start(context.Background())
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
	assert.Equal(t, Attached, l.State())
}

func TestListenerMalformedChunkEndsStream(t *testing.T) {
	stream := newPipeStream()
	l := startListener(t, stream, quiet)

	_, err := fmt.Fprintln(stream.current(), `{"sequence_number":0,"json_data":[{"upsert":{}}]}`)
	require.NoError(t, err)

	_, err = l.Next(context.Background(), 0)
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
	assert.Equal(t, Draining, l.State())
}

func TestListenerStateTransitions(t *testing.T) {
	l := New("v", egressCodec)
	assert.Error(t, l.Start(context.Background()))
	_, err := l.ToDicts(context.Background())
	assert.True(t, errors.Is(err, errors.NotSupported))

	require.NoError(t, l.Attach(newPipeStream().open, quiet))
	assert.Error(t, l.Attach(newPipeStream().open, quiet))

	l.Drain()
	assert.Equal(t, Draining, l.State())
	_, err = l.Next(context.Background(), 0)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "draining", l.State().String())
}
