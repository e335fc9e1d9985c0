package tasks

import (
	"context"
	"fmt"
	"time"

	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/connectors/embedded"
	"tributary.dev/tributary/partitioning"
	"tributary.dev/tributary/repartition"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
)

// SyncOptions configure a SyncRunner. The zero value runs on a fresh
// in-memory filesystem with in-memory stores and a recording sink per
// output topic.
type SyncOptions struct {
	// FileSystem holds changelogs and checkpoints. Reuse one across two
	// runners to exercise recovery.
	FileSystem storage.FileSystem

	OpenStore OpenStoreFunc

	// Sinks overrides connectors for specific output topics. Topics
	// without an entry record into an embedded sink readable through
	// Sink.
	Sinks map[string]connectors.SinkConfig
}

// SyncRunner runs every task of a topology on the caller's goroutine.
// Records fed in are processed to completion before Feed returns,
// including records crossing repartition boundaries, which makes output
// deterministic. It exists for tests; production runs use the Engine.
type SyncRunner struct {
	topology    *streams.Topology
	fs          storage.FileSystem
	tasks       map[syncTaskKey]*Task
	order       []*Task
	globals     map[*streams.GlobalTableSpec]*globalTable
	feeds       map[string][]syncFeed
	globalFeeds map[string][]*globalTable
	recorders   map[string]*embedded.RecordingSink
	nodeGroup   map[*streams.Node]*streams.Group
	repNodes    map[string]*streams.Node
}

type syncTaskKey struct {
	group     *streams.Group
	partition int32
}

// syncFeed is one task input reading an external topic.
type syncFeed struct {
	group        *streams.Group
	partitioning partitioning.Partitioning
	node         *streams.Node
	table        *streams.TableSpec
}

func NewSyncRunner(topology *streams.Topology, opts SyncOptions) (*SyncRunner, error) {
	if opts.FileSystem == nil {
		opts.FileSystem = storage.NewMemoryFilesystem()
	}
	if opts.OpenStore == nil {
		opts.OpenStore = defaultOpenStore
	}

	r := &SyncRunner{
		topology:    topology,
		fs:          opts.FileSystem,
		tasks:       make(map[syncTaskKey]*Task),
		globals:     make(map[*streams.GlobalTableSpec]*globalTable),
		feeds:       make(map[string][]syncFeed),
		globalFeeds: make(map[string][]*globalTable),
		recorders:   make(map[string]*embedded.RecordingSink),
		nodeGroup:   make(map[*streams.Node]*streams.Group),
		repNodes:    make(map[string]*streams.Node),
	}

	sinkConfigs := make(map[string]connectors.SinkConfig)
	for topic, cfg := range opts.Sinks {
		sinkConfigs[topic] = cfg
	}
	for _, node := range topology.Nodes {
		switch node.Kind {
		case streams.KindSink:
			if _, ok := sinkConfigs[node.Sink.Topic]; !ok {
				rec := &embedded.RecordingSink{}
				r.recorders[node.Sink.Topic] = rec
				sinkConfigs[node.Sink.Topic] = rec
			}
		case streams.KindRepartition:
			topic := repartition.TopicName(topology.AppID, node.Repartition.ShortName)
			r.repNodes[topic] = node
		}
	}

	for _, spec := range topology.GlobalTables {
		r.globals[spec] = newGlobalTable(spec)
		r.globalFeeds[spec.Topic] = append(r.globalFeeds[spec.Topic], r.globals[spec])
	}

	for _, group := range topology.Groups {
		for _, node := range group.Nodes {
			r.nodeGroup[node] = group
		}
		for _, in := range group.Inputs {
			if in.Table != nil {
				r.feeds[in.Table.Topic] = append(r.feeds[in.Table.Topic], syncFeed{
					group:        group,
					partitioning: in.Table.Partitioning,
					table:        in.Table,
				})
			} else if in.Node.Kind == streams.KindSource {
				r.feeds[in.Node.Source.Topic] = append(r.feeds[in.Node.Source.Topic], syncFeed{
					group:        group,
					partitioning: in.Node.Source.Partitioning,
					node:         in.Node,
				})
			}
		}
	}

	for _, group := range topology.Groups {
		for partition := int32(0); partition < group.Partitions; partition++ {
			task, err := newTask(taskParams{
				topology:  topology,
				group:     group,
				partition: partition,
				fs:        opts.FileSystem,
				openStore: opts.OpenStore,
				newWriter: func(topic string) repartition.Writer {
					return &loopbackWriter{runner: r, node: r.repNodes[topic]}
				},
				newSink: func(topic string) (connectors.SinkWriter, error) {
					return sinkConfigs[topic].NewWriter()
				},
				globals: r.globals,
			})
			if err != nil {
				r.Close()
				return nil, err
			}
			r.tasks[syncTaskKey{group: group, partition: partition}] = task
			r.order = append(r.order, task)
		}
	}
	return r, nil
}

// Feed delivers one record to every input reading the topic, partitioned
// by the topic's declared partitioning, and processes it to completion.
func (r *SyncRunner) Feed(topic string, rec streams.Record) error {
	fed := false
	for _, gt := range r.globalFeeds[topic] {
		if err := gt.apply(rec); err != nil {
			return err
		}
		fed = true
	}
	for _, f := range r.feeds[topic] {
		routed := rec
		routed.Partition = f.partitioning.PartitionFor(rec.Key)
		task := r.tasks[syncTaskKey{group: f.group, partition: routed.Partition}]
		if err := task.processRecord(task.inputFor(f.node, f.table), routed); err != nil {
			return err
		}
		fed = true
	}
	if !fed {
		return fmt.Errorf("topic %s feeds nothing in this topology", topic)
	}
	return nil
}

// AdvanceTime moves stream time forward on every task, as a record with
// timestamp ts would, popping due deferred work and expiring stores. No
// record enters any store.
func (r *SyncRunner) AdvanceTime(ts time.Time) error {
	for _, task := range r.order {
		if err := task.advanceTime(ts); err != nil {
			return err
		}
	}
	return nil
}

// Sink returns the recording sink collecting an output topic's records.
func (r *SyncRunner) Sink(topic string) *embedded.RecordingSink {
	sink, ok := r.recorders[topic]
	if !ok {
		panic(fmt.Sprintf("no recording sink for topic %s", topic))
	}
	return sink
}

// Checkpoint persists every task's state. Repartition records are
// delivered synchronously and never staged, so the written cursors cover
// external inputs only.
func (r *SyncRunner) Checkpoint() error {
	for _, task := range r.order {
		if err := task.checkpoint(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

func (r *SyncRunner) Close() {
	for _, task := range r.order {
		task.close()
	}
}

func (t *Task) inputFor(node *streams.Node, table *streams.TableSpec) *taskInput {
	if node != nil {
		return t.inputByNode[node]
	}
	for _, in := range t.inputs {
		if in.table == table {
			return in
		}
	}
	panic("BUG: task has no input for fed topic")
}

// loopbackWriter hands routed records straight to the consuming task.
type loopbackWriter struct {
	runner *SyncRunner
	node   *streams.Node
}

func (w *loopbackWriter) Append(rec streams.Record) error {
	group := w.runner.nodeGroup[w.node]
	task := w.runner.tasks[syncTaskKey{group: group, partition: rec.Partition}]
	return task.processRecord(task.inputByNode[w.node], rec)
}

func (w *loopbackWriter) Flush(context.Context) error {
	return nil
}
