package main

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/client/clienttest"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/config"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/metrics"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/pipeline"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/transform"
)

const partsURL = "https://example.com/parts.json"

func partsConfig(url string) *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{URL: url},
		Pipeline: config.PipelineConfig{
			Name: "parts",
			Tables: []config.TableConfig{{
				Name: "part",
				Columns: []config.ColumnConfig{
					{Name: "id", Type: "INT NOT NULL PRIMARY KEY"},
					{Name: "name", Type: "VARCHAR"},
				},
			}},
			Views: []config.ViewConfig{
				{Name: "named", SQL: "SELECT * FROM part"},
			},
			Connectors: []config.ConnectorConfig{{
				Name:      "parts_url",
				Relation:  "part",
				Direction: "source",
				Transport: "url_input",
				Config:    map[string]interface{}{"path": partsURL},
			}},
		},
	}
}

func TestBuildSessionRunsConfiguredProgram(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	srv.SetURLContent(partsURL, `{"insert": {"id": 1, "name": "bolt"}}
{"insert": {"id": 2, "name": "nut"}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := partsConfig(srv.URL())
	require.NoError(t, cfg.Validate())

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("parts", reg)
	s, err := buildSession(ctx, cfg, srv.Client(), m)
	require.NoError(t, err)

	l, err := s.Listen(ctx, "named")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	defer teardown(s, true, 5*time.Second)

	require.NoError(t, s.WaitForCompletion(ctx, true))
	rows, err := l.ToDicts(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionState.WithLabelValues("parts", "running")))
}

func TestBuildSessionRejectsUnknownRelation(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()

	cfg := partsConfig(srv.URL())
	cfg.Pipeline.Views = append(cfg.Pipeline.Views, config.ViewConfig{Name: "bad", SQL: "SELECT * FROM missing"})

	_, err := buildSession(context.Background(), cfg, srv.Client(), nil)
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func TestTeardownDeletesSession(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	srv.SetURLContent(partsURL, `{"insert": {"id": 1, "name": "bolt"}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := buildSession(ctx, partsConfig(srv.URL()), srv.Client(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	teardown(s, true, 5*time.Second)
	assert.Equal(t, pipeline.Deleted, s.State())
	assert.Empty(t, srv.Pipelines())
	assert.Empty(t, srv.Programs())
	assert.Empty(t, srv.Connectors())
}

func TestBuildTransformer(t *testing.T) {
	cfg := partsConfig("http://localhost")
	cfg.Source.Table = "part"

	tr, err := buildTransformer(cfg)
	require.NoError(t, err)
	assert.IsType(t, &transform.PassThroughTransformer{}, tr)

	cfg.Transformer = config.TransformerConfig{Type: "fieldmapper", Settings: map[string]interface{}{
		"mappings": []interface{}{map[string]interface{}{"source": "_id", "destination": "id"}},
	}}
	tr, err = buildTransformer(cfg)
	require.NoError(t, err)
	assert.IsType(t, &transform.FieldMapper{}, tr)

	cfg.Transformer.Settings["mappings"] = []interface{}{map[string]interface{}{"source": "x", "destination": "nope"}}
	_, err = buildTransformer(cfg)
	assert.Error(t, err)

	cfg.Transformer.Type = "convex"
	_, err = buildTransformer(cfg)
	assert.True(t, errors.Is(err, errors.NotSupported))
}

func TestInitialSyncWithoutSink(t *testing.T) {
	cfg := partsConfig("http://localhost")

	sync, err := initialSync(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, sync.Enabled)

	cfg.Pipeline.Sync = config.SyncConfig{InitialSync: true, TimestampField: "updated_at"}
	sync, err = initialSync(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, sync.Enabled)
	assert.Equal(t, 1000, sync.BatchSize)
	assert.Nil(t, sync.FromTimestamp)
}

func TestBuildRelayWithoutSides(t *testing.T) {
	r, err := buildRelay(context.Background(), partsConfig("http://localhost"), nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, r)
}
