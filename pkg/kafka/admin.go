// Package kafka holds the broker-side helpers used next to Kafka connectors:
// topic administration, producing change records into an input topic and
// reading them back from an output topic.
package kafka

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

var logger = loggo.GetLogger("feldera.kafka")

// Admin manages topics on a cluster.
type Admin struct {
	client *kgo.Client
	admin  *kadm.Client
	logger loggo.Logger
}

// NewAdmin creates an admin client for the given seed brokers.
func NewAdmin(brokers []string, opts ...kgo.Opt) (*Admin, error) {
	if len(brokers) == 0 {
		return nil, errors.NotValidf("empty broker list")
	}
	cl, err := kgo.NewClient(append([]kgo.Opt{kgo.SeedBrokers(brokers...)}, opts...)...)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create kafka client")
	}
	return &Admin{client: cl, admin: kadm.NewClient(cl), logger: logger}, nil
}

// Close closes the underlying client.
func (a *Admin) Close() {
	a.admin.Close()
}

// RecreateTopics deletes the topics if they exist and creates them again
// empty. Deletion is asynchronous on the broker, so creation is retried while
// the broker still reports the topic as existing.
func (a *Admin) RecreateTopics(ctx context.Context, partitions int32, replicationFactor int16, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}

	existing, err := a.admin.ListTopics(ctx, topics...)
	if err != nil {
		return errors.Annotate(err, "failed to list topics")
	}
	var stale []string
	for _, t := range topics {
		if existing.Has(t) {
			stale = append(stale, t)
		}
	}
	if len(stale) > 0 {
		a.logger.Infof("deleting topics %v", stale)
		if err := a.DeleteTopics(ctx, stale...); err != nil {
			return err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	pending := topics
	create := func() error {
		resps, err := a.admin.CreateTopics(ctx, partitions, replicationFactor, nil, pending...)
		if err != nil {
			return errors.Annotate(err, "failed to create topics")
		}
		var retry []string
		for _, t := range pending {
			r, ok := resps[t]
			if !ok || r.Err == nil {
				continue
			}
			if errors.Is(r.Err, kerr.TopicAlreadyExists) {
				retry = append(retry, t)
				continue
			}
			return backoff.Permanent(errors.Annotatef(r.Err, "failed to create topic %q", t))
		}
		pending = retry
		if len(pending) > 0 {
			return errors.Errorf("topics %v still being deleted", pending)
		}
		return nil
	}
	if err := backoff.Retry(create, backoff.WithContext(b, ctx)); err != nil {
		return errors.Trace(err)
	}
	a.logger.Infof("topics ready: %v", topics)
	return nil
}

// DeleteTopics removes the topics, ignoring those that do not exist.
func (a *Admin) DeleteTopics(ctx context.Context, topics ...string) error {
	resps, err := a.admin.DeleteTopics(ctx, topics...)
	if err != nil {
		return errors.Annotate(err, "failed to delete topics")
	}
	for _, r := range resps {
		if r.Err != nil && !errors.Is(r.Err, kerr.UnknownTopicOrPartition) {
			return errors.Annotatef(r.Err, "failed to delete topic %q", r.Topic)
		}
	}
	return nil
}
