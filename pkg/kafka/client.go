package kafka

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
)

// Producer writes changes into a topic, one record per change.
type Producer struct {
	client *kgo.Client
	codec  format.Codec
}

// NewProducer creates a producer encoding changes with codec. The codec must
// not use array framing, since each record carries a single change.
func NewProducer(brokers []string, codec format.Codec, opts ...kgo.Opt) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.NotValidf("empty broker list")
	}
	if err := recordCodec(codec); err != nil {
		return nil, err
	}
	cl, err := kgo.NewClient(append([]kgo.Opt{kgo.SeedBrokers(brokers...)}, opts...)...)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create kafka client")
	}
	return &Producer{client: cl, codec: codec}, nil
}

func recordCodec(codec format.Codec) error {
	if codec == nil {
		return errors.NotValidf("nil codec")
	}
	if err := codec.Validate(); err != nil {
		return errors.Trace(err)
	}
	if j, ok := codec.(format.JSON); ok && j.Array() {
		return errors.NotValidf("array framing for kafka records")
	}
	return nil
}

// Produce synchronously writes the changes to topic.
func (p *Producer) Produce(ctx context.Context, topic string, changes []format.Change) error {
	records, err := encodeRecords(p.codec, topic, changes)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return errors.Annotatef(err, "failed to produce %d records to %s", len(records), topic)
	}
	logger.Debugf("produced %d records to %s", len(records), topic)
	return nil
}

// Close flushes and closes the producer.
func (p *Producer) Close() {
	p.client.Close()
}

func encodeRecords(codec format.Codec, topic string, changes []format.Change) ([]*kgo.Record, error) {
	records := make([]*kgo.Record, 0, len(changes))
	for i, c := range changes {
		value, err := codec.Encode([]format.Change{c})
		if err != nil {
			return nil, errors.Annotatef(err, "encoding change %d", i)
		}
		records = append(records, &kgo.Record{Topic: topic, Value: value})
	}
	return records, nil
}

// Consumer reads the changes of a topic from its beginning.
type Consumer struct {
	client *kgo.Client
	codec  format.Codec
	topic  string
}

// NewConsumer creates a consumer of topic decoding records with codec.
func NewConsumer(brokers []string, topic string, codec format.Codec, opts ...kgo.Opt) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.NotValidf("empty broker list")
	}
	if topic == "" {
		return nil, errors.NotValidf("empty topic")
	}
	if err := recordCodec(codec); err != nil {
		return nil, err
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	cl, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create kafka client")
	}
	return &Consumer{client: cl, codec: codec, topic: topic}, nil
}

// Read polls until at least n changes were decoded or ctx is done. The
// changes read so far are returned with the context error.
func (c *Consumer) Read(ctx context.Context, n int) ([]format.Change, error) {
	var changes []format.Change
	for len(changes) < n {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return changes, errors.Annotatef(ctx.Err(), "read %d of %d changes from %s", len(changes), n, c.topic)
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return changes, errors.Annotatef(errs[0].Err, "fetching %s partition %d", errs[0].Topic, errs[0].Partition)
		}
		var decodeErr error
		fetches.EachRecord(func(r *kgo.Record) {
			if decodeErr != nil {
				return
			}
			decoded, err := c.codec.Decode(r.Value)
			if err != nil {
				decodeErr = errors.Annotatef(err, "record at offset %d", r.Offset)
				return
			}
			changes = append(changes, decoded...)
		})
		if decodeErr != nil {
			return changes, decodeErr
		}
		if fetches.Empty() {
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return changes, nil
}

// Close closes the consumer.
func (c *Consumer) Close() {
	c.client.Close()
}
