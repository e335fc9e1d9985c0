package repartition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/util/ptr"
)

const kafkaPollTimeout = 250 * time.Millisecond

// KafkaTransport backs repartition streams with Kafka topics. Topics get
// unlimited retention and Purge truncates them with DeleteRecords, so the
// broker never expires records a join still needs.
type KafkaTransport struct {
	brokers []string
	client  *kgo.Client
	admin   *kadm.Client
}

func NewKafkaTransport(brokers []string) (*KafkaTransport, error) {
	// Routers assign partitions themselves, so the producer must not
	// re-partition by key.
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &KafkaTransport{
		brokers: brokers,
		client:  client,
		admin:   kadm.NewClient(client),
	}, nil
}

func (t *KafkaTransport) CreateStream(ctx context.Context, topic string, partitions int32) error {
	configs := map[string]*string{"retention.ms": ptr.New("-1")}
	resps, err := t.admin.CreateTopics(ctx, partitions, -1, configs, topic)
	if err != nil {
		return fmt.Errorf("creating repartition topic %s: %w", topic, err)
	}
	for _, resp := range resps.Sorted() {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("creating repartition topic %s: %w", topic, resp.Err)
		}
	}
	return nil
}

func (t *KafkaTransport) NewWriter(topic string) Writer {
	return &kafkaWriter{client: t.client, topic: topic}
}

func (t *KafkaTransport) NewReader(topic string, partition int32, offset int64) (Reader, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(t.brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			topic: {partition: kgo.NewOffset().At(offset)},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka consumer for %s/%d: %w", topic, partition, err)
	}
	return &kafkaReader{
		client:    client,
		admin:     t.admin,
		topic:     topic,
		partition: partition,
		pos:       offset,
	}, nil
}

func (t *KafkaTransport) EndOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	offsets, err := t.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("listing end offsets for %s: %w", topic, err)
	}
	offset, ok := offsets.Lookup(topic, partition)
	if !ok {
		return 0, fmt.Errorf("topic %s has no partition %d", topic, partition)
	}
	if offset.Err != nil {
		return 0, fmt.Errorf("listing end offset for %s/%d: %w", topic, partition, offset.Err)
	}
	return offset.Offset, nil
}

func (t *KafkaTransport) Close() error {
	t.client.Close()
	return nil
}

type kafkaWriter struct {
	client  *kgo.Client
	topic   string
	pending []*kgo.Record
}

func (w *kafkaWriter) Append(rec streams.Record) error {
	w.pending = append(w.pending, &kgo.Record{
		Topic:     w.topic,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
		Partition: rec.Partition,
	})
	return nil
}

func (w *kafkaWriter) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	if err := w.client.ProduceSync(ctx, w.pending...).FirstErr(); err != nil {
		return fmt.Errorf("producing to repartition topic %s: %w", w.topic, err)
	}
	w.pending = nil
	return nil
}

type kafkaReader struct {
	client    *kgo.Client
	admin     *kadm.Client
	topic     string
	partition int32
	pos       int64
}

func (r *kafkaReader) Read(ctx context.Context) ([]streams.Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, kafkaPollTimeout)
	defer cancel()

	fetches := r.client.PollFetches(pollCtx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := fetches.Err(); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("polling repartition topic %s: %w", r.topic, err)
	}

	var batch []streams.Record
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()
		batch = append(batch, streams.Record{
			Key:       record.Key,
			Value:     record.Value,
			Timestamp: record.Timestamp,
			Partition: record.Partition,
		})
		r.pos = record.Offset + 1
	}
	return batch, nil
}

func (r *kafkaReader) Position() int64 {
	return r.pos
}

func (r *kafkaReader) Purge(ctx context.Context, upTo int64) error {
	offsets := make(kadm.Offsets)
	offsets.Add(kadm.Offset{Topic: r.topic, Partition: r.partition, At: upTo})

	resps, err := r.admin.DeleteRecords(ctx, offsets)
	if err != nil {
		return fmt.Errorf("purging repartition topic %s: %w", r.topic, err)
	}
	for _, resp := range resps.Sorted() {
		if resp.Err != nil {
			return fmt.Errorf("purging repartition topic %s partition %d: %w", r.topic, resp.Partition, resp.Err)
		}
	}
	return nil
}

func (r *kafkaReader) Close() error {
	r.client.Close()
	return nil
}

var _ Transport = (*KafkaTransport)(nil)
