package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/urfave/cli/v2"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/kafka"
)

var brokersFlag = &cli.StringSliceFlag{
	Name:    "brokers",
	Aliases: []string{"b"},
	Value:   cli.NewStringSlice("localhost:19092"),
	Usage:   "kafka seed brokers",
}

var updateFormatFlag = &cli.StringFlag{
	Name:  "update-format",
	Value: string(format.InsertDelete),
	Usage: "json update format of the records",
}

func recordFormat(c *cli.Context) format.JSON {
	return format.NewJSON().WithUpdateFormat(format.UpdateFormat(c.String("update-format")))
}

func topicsCommand() *cli.Command {
	return &cli.Command{
		Name:      "topics",
		Usage:     "delete and recreate kafka topics",
		ArgsUsage: "TOPIC...",
		Flags: []cli.Flag{
			brokersFlag,
			&cli.IntFlag{Name: "partitions", Value: 1},
			&cli.IntFlag{Name: "replication-factor", Value: 1},
		},
		Action: func(c *cli.Context) error {
			topics := c.Args().Slice()
			if len(topics) == 0 {
				return errors.NotValidf("no topics")
			}
			admin, err := kafka.NewAdmin(c.StringSlice("brokers"))
			if err != nil {
				return err
			}
			defer admin.Close()
			if err := admin.RecreateTopics(c.Context, int32(c.Int("partitions")), int16(c.Int("replication-factor")), topics...); err != nil {
				return err
			}
			fmt.Printf("topics ready: %v\n", topics)
			return nil
		},
	}
}

func produceCommand() *cli.Command {
	return &cli.Command{
		Name:      "produce",
		Usage:     "write the rows of a JSON file (array or one object per line) to a topic as inserts",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			brokersFlag,
			updateFormatFlag,
			&cli.StringFlag{Name: "topic", Required: true},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.NotValidf("expected one input file")
			}
			data, err := os.ReadFile(c.Args().First())
			if err != nil {
				return errors.Trace(err)
			}
			rows, err := format.NewJSON().WithUpdateFormat(format.Raw).Decode(data)
			if err != nil {
				return errors.Annotate(err, "reading rows")
			}

			p, err := kafka.NewProducer(c.StringSlice("brokers"), recordFormat(c))
			if err != nil {
				return err
			}
			defer p.Close()
			if err := p.Produce(c.Context, c.String("topic"), rows); err != nil {
				return err
			}
			fmt.Printf("produced %d rows to %s\n", len(rows), c.String("topic"))
			return nil
		},
	}
}

func consumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "consume",
		Usage: "print the changes written to a topic from its beginning",
		Flags: []cli.Flag{
			brokersFlag,
			updateFormatFlag,
			&cli.StringFlag{Name: "topic", Required: true},
			&cli.IntFlag{Name: "count", Value: 1, Usage: "stop after this many changes"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
		},
		Action: func(c *cli.Context) error {
			codec := recordFormat(c)
			cons, err := kafka.NewConsumer(c.StringSlice("brokers"), c.String("topic"), codec)
			if err != nil {
				return err
			}
			defer cons.Close()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			changes, readErr := cons.Read(ctx, c.Int("count"))
			out, err := codec.Encode(changes)
			if err != nil {
				return err
			}
			os.Stdout.Write(out)
			return readErr
		},
	}
}
