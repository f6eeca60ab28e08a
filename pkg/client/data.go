package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/juju/errors"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
)

// Egress modes.
const (
	// ModeWatch streams every change from the moment of connection.
	ModeWatch = "watch"
	// ModeSnapshot returns the current contents of a materialized view and
	// ends the stream.
	ModeSnapshot = "snapshot"
)

// GlobalMetrics are the pipeline-wide counters used to detect completion and
// quiescence.
type GlobalMetrics struct {
	BufferedInputRecords  uint64 `json:"buffered_input_records"`
	TotalInputRecords     uint64 `json:"total_input_records"`
	TotalProcessedRecords uint64 `json:"total_processed_records"`
	PipelineComplete      bool   `json:"pipeline_complete"`
}

// EndpointStats are the counters of one connector endpoint.
type EndpointStats struct {
	Endpoint string                 `json:"endpoint_name"`
	Config   map[string]interface{} `json:"config,omitempty"`
	Metrics  map[string]interface{} `json:"metrics"`
}

// Stats is the statistics document of a running pipeline.
type Stats struct {
	Global  GlobalMetrics   `json:"global_metrics"`
	Inputs  []EndpointStats `json:"inputs"`
	Outputs []EndpointStats `json:"outputs"`
}

// Idle reports whether every received record has been processed.
func (s Stats) Idle() bool {
	g := s.Global
	return g.BufferedInputRecords == 0 && g.TotalInputRecords == g.TotalProcessedRecords
}

// Stats returns the runtime statistics of a pipeline.
func (c *Client) Stats(ctx context.Context, pipeline string) (*Stats, error) {
	var out Stats
	_, err := c.call(ctx, "getting stats of pipeline "+pipeline, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", pipeline).
			SetResult(&out).
			Get("/pipelines/{name}/stats")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Push sends an encoded payload to a table of a running pipeline. It returns
// once the service acknowledged the payload, not once it was processed.
// Pushes are not retried.
func (c *Client) Push(ctx context.Context, pipeline, table string, f format.Format, payload []byte) error {
	query := map[string]string{"format": f.Name()}
	for k, v := range f.Config() {
		query[k] = fmt.Sprint(v)
	}
	_, err := c.call(ctx, "pushing to table "+table+" of pipeline "+pipeline, false, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParams(map[string]string{"name": pipeline, "table": table}).
			SetQueryParams(query).
			SetHeader("Content-Type", "application/json").
			SetBody(payload).
			Post("/pipelines/{name}/ingress/{table}")
	})
	return err
}

// Egress opens the change stream of a view. The body is a sequence of
// newline-delimited chunks and must be closed by the caller. Cancelling ctx
// ends the stream.
func (c *Client) Egress(ctx context.Context, pipeline, view, mode string) (io.ReadCloser, error) {
	what := "reading view " + view + " of pipeline " + pipeline
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetPathParams(map[string]string{"name": pipeline, "view": view}).
		SetQueryParams(map[string]string{"format": "json", "mode": mode, "array": "true"}).
		Post("/pipelines/{name}/egress/{view}")
	if err != nil {
		return nil, c.check(ctx, what, resp, err)
	}
	body := resp.RawBody()
	if resp.IsError() {
		defer body.Close()
		raw, _ := io.ReadAll(io.LimitReader(body, 64*1024))
		apiErr := &APIError{}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		apiErr.StatusCode = resp.StatusCode()
		return nil, statusError(what, resp.StatusCode(), apiErr)
	}
	c.logger.Debugf("opened %s stream of view %s", mode, view)
	return body, nil
}

// Snapshot reads the current contents of a materialized view.
func (c *Client) Snapshot(ctx context.Context, pipeline, view string) ([]format.Change, error) {
	body, err := c.Egress(ctx, pipeline, view, ModeSnapshot)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	codec := format.NewJSON().WithUpdateFormat(format.InsertDelete).WithArray(true)
	dec := json.NewDecoder(body)
	var changes []format.Change
	for {
		var chunk struct {
			JSONData json.RawMessage `json:"json_data"`
		}
		err := dec.Decode(&chunk)
		if err == io.EOF {
			return changes, nil
		}
		if err != nil {
			return nil, errors.NotValidf("snapshot of view %s (%v)", view, err)
		}
		if len(chunk.JSONData) == 0 {
			continue
		}
		decoded, err := codec.Decode(chunk.JSONData)
		if err != nil {
			return nil, errors.Annotatef(err, "snapshot of view %s", view)
		}
		changes = append(changes, decoded...)
	}
}
