// Command feldera-pipe runs a streaming SQL session on a pipeline service,
// optionally relaying a MongoDB collection into one of its tables and one of
// its views into PostgreSQL.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/client"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/config"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/connector"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/metrics"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/pipeline"
)

var logger = loggo.GetLogger("feldera.cmd")

func main() {
	app := &cli.App{
		Name:  "feldera-pipe",
		Usage: "run streaming SQL sessions and relay external databases through them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.json",
				Usage:   "path to a JSON or YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "<root>=INFO",
				Usage: "logging configuration, e.g. \"<root>=INFO;feldera.client=DEBUG\"",
			},
		},
		Before: func(c *cli.Context) error {
			if err := loggo.ConfigureLoggers(c.String("log-level")); err != nil {
				return errors.Annotate(err, "invalid log level")
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			deleteCommand(),
			topicsCommand(),
			produceCommand(),
			consumeCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadFromFile(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid configuration")
	}
	return cfg, nil
}

func newClient(cfg *config.Config) (*client.Client, error) {
	timeout, err := cfg.Service.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	opts := []client.Option{client.WithAPIKey(cfg.Service.APIKey)}
	if timeout > 0 {
		opts = append(opts, client.WithTimeout(timeout))
	}
	if cfg.Service.RetryAttempts > 0 {
		opts = append(opts, client.WithRetries(cfg.Service.RetryAttempts))
	}
	return client.New(cfg.Service.URL, opts...), nil
}

// buildSession declares the configured tables, views and connectors on a new
// session. Nothing is sent to the service.
func buildSession(ctx context.Context, cfg *config.Config, cl *client.Client, m *metrics.Metrics) (*pipeline.Session, error) {
	opts := []pipeline.Option{
		pipeline.WithDescription(cfg.Pipeline.Description),
		pipeline.WithWorkers(cfg.Pipeline.Workers),
	}
	if cfg.Pipeline.Resources != nil {
		opts = append(opts, pipeline.WithResources(*cfg.Pipeline.Resources))
	}
	if m != nil {
		opts = append(opts, pipeline.WithMetrics(m))
	}
	s, err := pipeline.New(cfg.Pipeline.Name, cl, opts...)
	if err != nil {
		return nil, err
	}

	for _, t := range cfg.Pipeline.Tables {
		sc, err := t.Schema()
		if err != nil {
			return nil, err
		}
		if err := s.RegisterTable(t.Name, sc); err != nil {
			return nil, errors.Annotatef(err, "table %s", t.Name)
		}
	}
	for _, v := range cfg.Pipeline.Views {
		register := s.RegisterView
		if v.Materialized {
			register = s.RegisterMaterializedView
		}
		if err := register(v.Name, v.SQL); err != nil {
			return nil, errors.Annotatef(err, "view %s", v.Name)
		}
	}

	bindings, err := cfg.Pipeline.Bindings()
	if err != nil {
		return nil, err
	}
	for _, b := range bindings {
		if b.Direction == connector.Sink {
			err = s.ConnectSink(ctx, b.Relation, b.Name, b.Transport, b.Format)
		} else {
			err = s.ConnectSource(ctx, b.Relation, b.Name, b.Transport, b.Format)
		}
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.NewMetrics(cfg.Pipeline.Name, prometheus.DefaultRegisterer)
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "check the configuration and the session declarations without contacting the service",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			cl, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer cl.Close()
			if _, err := buildSession(c.Context, cfg, cl, nil); err != nil {
				return err
			}
			fmt.Printf("configuration of %s is valid\n", cfg.Pipeline.Name)
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "shut down and delete the configured pipeline and its program",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "connectors", Usage: "also delete the connectors"},
			&cli.DurationFlag{Name: "timeout", Value: time.Minute},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			cl, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer cl.Close()
			s, err := buildSession(c.Context, cfg, cl, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			if err := s.Delete(ctx, c.Bool("connectors")); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", cfg.Pipeline.Name)
			return nil
		},
	}
}
