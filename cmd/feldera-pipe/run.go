package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/urfave/cli/v2"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/config"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/metrics"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/output"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/pipeline"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/relay"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/sink"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/source"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/transform"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the session and relay data until interrupted",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "until-complete",
				Usage: "without a relay, stop once every input connector is exhausted and the session is idle",
			},
			&cli.BoolFlag{
				Name:  "delete",
				Usage: "delete the pipeline, program and connectors on exit",
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Value: time.Minute,
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger.Infof("loaded configuration for pipeline: %s", cfg.Pipeline.Name)

	cl, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer cl.Close()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Infof("received shutdown signal, stopping")
			cancel()
		case <-ctx.Done():
		}
	}()

	m := newMetrics(cfg)
	s, err := buildSession(ctx, cfg, cl, m)
	if err != nil {
		return err
	}

	var feed *output.Listener
	if cfg.Sink.Type != "" {
		if feed, err = s.Listen(ctx, cfg.Sink.View); err != nil {
			return err
		}
	}
	r, err := buildRelay(ctx, cfg, s, feed, m)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		opts := []metrics.ServerOption{metrics.WithSession(s)}
		if r != nil {
			opts = append(opts, metrics.WithRelay(r))
		}
		srv := metrics.NewServer(cfg.Metrics.Addr, opts...)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warningf("metrics server shutdown: %v", err)
			}
		}()
	}

	defer teardown(s, c.Bool("delete"), c.Duration("shutdown-timeout"))
	if err := s.Start(ctx); err != nil {
		return err
	}

	switch {
	case r != nil:
		logger.Infof("starting relay for %s", cfg.Pipeline.Name)
		err = r.Run(ctx)
	case c.Bool("until-complete"):
		err = s.WaitForCompletion(ctx, true)
	default:
		<-ctx.Done()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// teardown shuts the session down, and deletes it when asked. It runs on a
// fresh context because the run context is usually cancelled by now.
func teardown(s *pipeline.Session, del bool, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch s.State() {
	case pipeline.Running, pipeline.Paused:
		if err := s.Shutdown(ctx); err != nil {
			logger.Errorf("shutting down %s: %v", s.Name(), err)
		}
	}
	if del {
		if err := s.Delete(ctx, true); err != nil && !errors.Is(err, errors.NotFound) {
			logger.Errorf("deleting %s: %v", s.Name(), err)
		}
	}
	logger.Infof("session %s stopped", s.Name())
}

// buildRelay returns nil when neither a relay source nor sink is configured.
func buildRelay(ctx context.Context, cfg *config.Config, s *pipeline.Session, feed *output.Listener, m *metrics.Metrics) (*relay.Relay, error) {
	var opts []relay.Option

	if cfg.Source.Type != "" {
		sync, err := initialSync(ctx, cfg)
		if err != nil {
			return nil, err
		}
		src := source.NewMongoDBSource(
			cfg.Source.GetString("uri"),
			cfg.Source.GetString("database"),
			cfg.Source.GetString("collection"),
			sync,
		)
		tr, err := buildTransformer(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, relay.WithSource(src, cfg.Source.Table, s), relay.WithTransformer(tr))
	}
	if cfg.Sink.Type != "" {
		snk := sink.NewPostgreSQLSink(
			cfg.Sink.GetString("connection_string"),
			cfg.Sink.GetString("table"),
			cfg.Sink.GetStrings("keys")...,
		)
		opts = append(opts, relay.WithSink(snk, feed))
	}
	if len(opts) == 0 {
		return nil, nil
	}
	if cfg.Pipeline.Sync.BatchSize > 0 {
		opts = append(opts, relay.WithBatchSize(cfg.Pipeline.Sync.BatchSize))
	}
	opts = append(opts, relay.WithMetrics(m))
	return relay.New(cfg.Pipeline.Name, opts...), nil
}

func buildTransformer(cfg *config.Config) (relay.Transformer, error) {
	switch cfg.Transformer.Type {
	case "fieldmapper":
		fmConfig, err := cfg.Transformer.FieldMapper()
		if err != nil {
			return nil, err
		}
		table, _ := cfg.Pipeline.Table(cfg.Source.Table)
		sc, err := table.Schema()
		if err != nil {
			return nil, err
		}
		fm, err := transform.NewFieldMapper(fmConfig, sc)
		if err != nil {
			return nil, errors.Annotate(err, "failed to create field mapper")
		}
		return fm, nil
	case "", "passthrough":
		return transform.NewPassThroughTransformer(), nil
	}
	return nil, errors.NotSupportedf("transformer type %q", cfg.Transformer.Type)
}

// initialSync decides whether the source replays existing documents, and from
// which timestamp. With a PostgreSQL sink holding rows, only documents at or
// after the newest timestamp in the sink table are replayed.
func initialSync(ctx context.Context, cfg *config.Config) (source.InitialSyncConfig, error) {
	sync := cfg.Pipeline.Sync
	if !sync.InitialSync {
		return source.InitialSyncConfig{}, nil
	}
	out := source.InitialSyncConfig{
		Enabled:        true,
		TimestampField: sync.TimestampField,
		BatchSize:      sync.BatchSize,
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 1000
	}

	switch {
	case sync.ForceInitialSync:
		logger.Infof("force initial sync is enabled, syncing all data")
		return out, nil
	case sync.TimestampField == "":
		logger.Infof("no timestamp field configured, performing full initial sync")
		return out, nil
	case cfg.Sink.Type == "":
		logger.Infof("no sink to resume from, performing full initial sync")
		return out, nil
	}

	probe := sink.NewPostgreSQLSink(cfg.Sink.GetString("connection_string"), cfg.Sink.GetString("table"))
	if err := probe.Connect(ctx); err != nil {
		return out, errors.Annotate(err, "failed to connect to sink for initial sync")
	}
	defer probe.Close()

	empty, err := probe.IsTableEmpty(ctx)
	if err != nil {
		return out, errors.Annotate(err, "failed to check if sink table is empty")
	}
	if empty {
		logger.Infof("sink table is empty, performing full initial sync")
		return out, nil
	}
	ts, err := probe.GetLatestTimestamp(ctx, sync.TimestampField)
	switch {
	case err != nil:
		logger.Warningf("failed to get latest timestamp from sink, falling back to full initial sync: %v", err)
	case ts != nil:
		out.FromTimestamp = ts
		logger.Infof("starting incremental initial sync from timestamp: %v", ts)
	default:
		logger.Infof("no timestamp found in sink, performing full initial sync")
	}
	return out, nil
}
