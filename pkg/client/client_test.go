package client_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/client"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/client/clienttest"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/connector"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/errs"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
)

const program = `CREATE TABLE t (
    id INT NOT NULL,
    name STRING
);
CREATE MATERIALIZED VIEW v AS SELECT * FROM t;
CREATE VIEW c AS SELECT COUNT(*) AS n FROM t;`

func compiled(t *testing.T, c *client.Client, name, code string) *client.Program {
	t.Helper()
	ctx := context.Background()
	_, err := c.PutProgram(ctx, name, "test program", code)
	require.NoError(t, err)
	require.NoError(t, c.CompileProgram(ctx, name))

	var p *client.Program
	require.Eventually(t, func() bool {
		got, err := c.GetProgram(ctx, name)
		if err != nil {
			return false
		}
		p = got
		return p.Status.Done()
	}, 5*time.Second, 10*time.Millisecond)
	return p
}

func TestProgramCompiles(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	c := srv.Client()
	defer c.Close()

	p := compiled(t, c, "prog", program)
	require.Equal(t, client.ProgramSuccess, p.Status.State)
	require.NoError(t, p.Status.Err("prog"))
	require.NotNil(t, p.Schema)

	in, ok := p.Schema.Input("T")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name"}, in.FieldNames())
	out, ok := p.Schema.Output("v")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name"}, out.FieldNames())
}

func TestProgramCompilationError(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	c := srv.Client()

	p := compiled(t, c, "bad", "CREATE TABLE t (id INT);\nCREATE VIEW v AS SELECT FROM blah;")
	require.True(t, p.Status.Failed())
	assert.Equal(t, client.ProgramSQLError, p.Status.State)
	assert.Contains(t, p.Status.Diagnostic, `Encountered "FROM"`)

	err := p.Status.Err("bad")
	var cerr *errs.CompilationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "bad", cerr.Program)
	assert.True(t, errors.Is(err, errs.ErrCompilation))
}

func TestProgramStatusJSON(t *testing.T) {
	tests := []struct {
		in    string
		state string
		diag  string
	}{
		{`"Pending"`, client.ProgramPending, ""},
		{`"Success"`, client.ProgramSuccess, ""},
		{`{"RustError":"linker failed"}`, client.ProgramRustError, "linker failed"},
		{`{"SqlError":[{"message":"a","warning":false},{"message":"w","warning":true},{"message":"b"}]}`, client.ProgramSQLError, "error: a\nwarning: w\nerror: b"},
		{
			`{"SqlError":[{"start_line_number":2,"start_column":18,"end_line_number":2,"end_column":21,"error_type":"Error parsing SQL","message":"Encountered \"FROM\""}]}`,
			client.ProgramSQLError,
			`error (Error parsing SQL) at 2:18-2:21: Encountered "FROM"`,
		},
	}
	for _, tt := range tests {
		var s client.ProgramStatus
		require.NoError(t, json.Unmarshal([]byte(tt.in), &s), tt.in)
		assert.Equal(t, tt.state, s.State)
		assert.Equal(t, tt.diag, s.Diagnostic)
	}

	var s client.ProgramStatus
	assert.Error(t, json.Unmarshal([]byte(`{}`), &s))
}

func TestProgramStatusKeepsMessages(t *testing.T) {
	in := `{"SqlError":[{"start_line_number":1,"start_column":8,"end_line_number":1,"end_column":12,"warning":true,"error_type":"Unused column","message":"column x is never used"},{"start_line_number":3,"start_column":1,"end_line_number":3,"end_column":9,"error_type":"Not found","message":"Object 'blah' not found"}]}`

	var s client.ProgramStatus
	require.NoError(t, json.Unmarshal([]byte(in), &s))
	require.Len(t, s.Messages, 2)
	assert.True(t, s.Messages[0].Warning)
	assert.Equal(t, 8, s.Messages[0].StartColumn)
	assert.Equal(t, "Not found", s.Messages[1].ErrorType)
	assert.Equal(t, 3, s.Messages[1].StartLine)
	assert.Equal(t,
		"warning (Unused column) at 1:8-1:12: column x is never used\nerror (Not found) at 3:1-3:9: Object 'blah' not found",
		s.Diagnostic)

	var cerr *errs.CompilationError
	require.ErrorAs(t, s.Err("p"), &cerr)
	assert.Equal(t, s.Diagnostic, cerr.Diagnostic)

	out, err := json.Marshal(s)
	require.NoError(t, err)
	var back client.ProgramStatus
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, s, back)
}

func TestStatusMapping(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	c := srv.Client()
	ctx := context.Background()

	_, err := c.GetProgram(ctx, "missing")
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)

	err = c.DeletePipeline(ctx, "missing")
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)

	compiled(t, c, "prog", program)
	_, err = c.PutPipeline(ctx, client.Pipeline{Name: "p", ProgramName: "prog"})
	require.NoError(t, err)
	require.NoError(t, c.Action(ctx, "p", client.ActionStart))

	err = c.AttachConnector(ctx, "p", connector.Attachment{ConnectorName: "x", IsInput: true, Name: "x", RelationName: "t"})
	assert.True(t, errors.Is(err, errors.NotSupported), "got %v", err)

	err = c.DeletePipeline(ctx, "p")
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func TestServerErrorsAreRetriedTransportErrors(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"message":"starting up","error_code":"Unavailable"}`))
	}))
	defer ts.Close()

	c := client.New(ts.URL, client.WithRetries(2))
	_, err := c.GetPipeline(context.Background(), "p")
	assert.True(t, errors.Is(err, errs.ErrTransport), "got %v", err)
	assert.Contains(t, err.Error(), "starting up")
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestPushIsNotRetried(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := client.New(ts.URL, client.WithRetries(5))
	err := c.Push(context.Background(), "p", "t", format.NewJSON(), []byte(`{"insert":{}}`))
	assert.True(t, errors.Is(err, errs.ErrTransport), "got %v", err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestUnreachableService(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := client.New(url, client.WithRetries(0), client.WithTimeout(time.Second))
	_, err := c.GetProgram(context.Background(), "p")
	assert.True(t, errors.Is(err, errs.ErrTransport), "got %v", err)
}

func TestAPIKeyIsSent(t *testing.T) {
	auth := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"p","status":"Running"}`))
	}))
	defer ts.Close()

	c := client.New(ts.URL, client.WithAPIKey("secret"))
	p, err := c.GetPipeline(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, client.StatusRunning, p.Status)
	assert.Equal(t, "Bearer secret", <-auth)
}

func TestPushStatsAndEgress(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	c := srv.Client()
	ctx := context.Background()

	compiled(t, c, "prog", program)
	cpu := 2.0
	_, err := c.PutPipeline(ctx, client.Pipeline{
		Name:        "p",
		ProgramName: "prog",
		Config:      client.RuntimeConfig{Workers: 4, Resources: &client.Resources{CPUCoresMax: &cpu}},
	})
	require.NoError(t, err)
	require.NoError(t, c.Action(ctx, "p", client.ActionStart))

	cfg, err := c.GetPipelineConfig(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	require.NotNil(t, cfg.Resources)
	assert.Equal(t, 2.0, *cfg.Resources.CPUCoresMax)

	body, err := c.Egress(ctx, "p", "c", client.ModeWatch)
	require.NoError(t, err)
	defer body.Close()

	raw := format.NewJSON().WithUpdateFormat(format.Raw).WithArray(true)
	payload, err := raw.Encode([]format.Change{
		format.Insert(map[string]interface{}{"id": 1, "name": "a"}),
		format.Insert(map[string]interface{}{"id": 2, "name": "b"}),
	})
	require.NoError(t, err)
	require.NoError(t, c.Push(ctx, "p", "t", raw, payload))

	require.Eventually(t, func() bool {
		st, err := c.Stats(ctx, "p")
		return err == nil && st.Idle() && st.Global.TotalProcessedRecords == 2
	}, 5*time.Second, 10*time.Millisecond)

	line, err := bufio.NewReader(body).ReadBytes('\n')
	require.NoError(t, err)
	changes, err := format.NewJSON().WithArray(true).Decode(mustJSONData(t, line))
	require.NoError(t, err)
	assert.Equal(t, []format.Change{format.Insert(map[string]interface{}{"n": int64(2)})}, changes)

	snap, err := c.Snapshot(ctx, "p", "v")
	require.NoError(t, err)
	assert.Len(t, snap, 2)

	_, err = c.Snapshot(ctx, "p", "c")
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	_, err = c.Egress(ctx, "p", "nope", client.ModeWatch)
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)

	err = c.Push(ctx, "p", "t", raw, []byte(`[{"id":3,"color":"red"}]`))
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func mustJSONData(t *testing.T, line []byte) []byte {
	t.Helper()
	var chunk struct {
		JSONData json.RawMessage `json:"json_data"`
	}
	require.NoError(t, json.Unmarshal(line, &chunk))
	return chunk.JSONData
}
