package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"
	"tributary.dev/tributary/clocks"
	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/repartition"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
)

const defaultCheckpointInterval = 10 * time.Second

type EngineOptions struct {
	Topology *streams.Topology

	// FileSystem holds changelog segments and checkpoint manifests.
	FileSystem storage.FileSystem

	// Transport backs repartition streams. Required only for topologies
	// that repartition.
	Transport repartition.Transport

	// Sources maps every input topic, table topic, and global table topic
	// to its connector.
	Sources map[string]connectors.SourceConfig

	// Sinks maps every output topic to its connector.
	Sinks map[string]connectors.SinkConfig

	// OpenStore opens local store engines. Defaults to in-memory stores.
	OpenStore OpenStoreFunc

	// CheckpointInterval defaults to 10s.
	CheckpointInterval time.Duration

	Clock clocks.Clock

	// QueueLimit bounds each input queue's staged records.
	QueueLimit int
}

// Engine runs every task of a topology in one process. Tasks and their
// pumps run as goroutines under one errgroup: the first failure cancels
// everything, and durability comes from the last completed checkpoints.
type Engine struct {
	opts     EngineOptions
	topology *streams.Topology
	log      *slog.Logger

	nodeGroup map[*streams.Node]*streams.Group
	globals   map[*streams.GlobalTableSpec]*globalTable

	mu             sync.Mutex
	remaining      map[*streams.Group]int
	totalRemaining int
	finishOffsets  map[*streams.Node][]int64
	repPumps       map[repPumpKey]*repartitionPump
	stopUpdaters   context.CancelFunc
}

type repPumpKey struct {
	node      *streams.Node
	partition int32
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Topology == nil {
		return nil, errors.New("engine requires a topology")
	}
	if opts.FileSystem == nil {
		return nil, errors.New("engine requires a filesystem for changelogs and checkpoints")
	}
	if opts.OpenStore == nil {
		opts.OpenStore = defaultOpenStore
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = defaultCheckpointInterval
	}
	if opts.Clock == nil {
		opts.Clock = clocks.NewSystemClock()
	}

	var errs []error
	requireSource := func(topic, what string) {
		cfg, ok := opts.Sources[topic]
		if !ok {
			errs = append(errs, fmt.Errorf("no source configured for %s %s", what, topic))
			return
		}
		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", topic, err))
		}
	}

	hasRepartition := false
	for _, node := range opts.Topology.Nodes {
		switch node.Kind {
		case streams.KindSource:
			requireSource(node.Source.Topic, "stream topic")
		case streams.KindRepartition:
			hasRepartition = true
		case streams.KindSink:
			cfg, ok := opts.Sinks[node.Sink.Topic]
			if !ok {
				errs = append(errs, fmt.Errorf("no sink configured for topic %s", node.Sink.Topic))
			} else if err := cfg.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("sink %s: %w", node.Sink.Topic, err))
			}
		}
	}
	for _, table := range opts.Topology.Tables {
		requireSource(table.Topic, "table topic")
	}
	for _, global := range opts.Topology.GlobalTables {
		requireSource(global.Topic, "global table topic")
	}
	if hasRepartition && opts.Transport == nil {
		errs = append(errs, errors.New("topology repartitions but no transport is configured"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	nodeGroup := make(map[*streams.Node]*streams.Group)
	remaining := make(map[*streams.Group]int)
	total := 0
	for _, group := range opts.Topology.Groups {
		for _, node := range group.Nodes {
			nodeGroup[node] = group
		}
		remaining[group] = int(group.Partitions)
		total += int(group.Partitions)
	}

	id := ksuid.New().String()
	return &Engine{
		opts:           opts,
		topology:       opts.Topology,
		log:            slog.With("instanceID", "engine-"+id[len(id)-4:]),
		nodeGroup:      nodeGroup,
		globals:        make(map[*streams.GlobalTableSpec]*globalTable),
		remaining:      remaining,
		totalRemaining: total,
		finishOffsets:  make(map[*streams.Node][]int64),
		repPumps:       make(map[repPumpKey]*repartitionPump),
	}, nil
}

// Run processes until ctx is canceled, a task fails, or every input is
// finite and fully consumed. Global tables replicate to their current end
// before any task starts.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting",
		"groups", len(e.topology.Groups),
		"tasks", e.totalRemaining,
		"globalTables", len(e.topology.GlobalTables))

	for _, node := range e.topology.Nodes {
		if node.Kind != streams.KindRepartition {
			continue
		}
		topic := repartition.TopicName(e.topology.AppID, node.Repartition.ShortName)
		if err := e.opts.Transport.CreateStream(ctx, topic, node.Repartition.Partitioning.Count); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	updaterCtx, cancelUpdaters := context.WithCancel(gctx)
	defer cancelUpdaters()
	e.mu.Lock()
	e.stopUpdaters = cancelUpdaters
	e.mu.Unlock()

	for _, spec := range e.topology.GlobalTables {
		gt := newGlobalTable(spec)
		e.globals[spec] = gt
		if err := e.startGlobalTable(updaterCtx, g, gt); err != nil {
			cancelUpdaters()
			return errors.Join(err, g.Wait())
		}
	}

	// Lookups against a half-replicated table would join against arbitrary
	// history, so tasks wait for the catch-up barrier.
	for _, gt := range e.globals {
		select {
		case <-gt.ready:
			e.log.Info("global table caught up", "table", gt.spec.Name)
		case <-gctx.Done():
			return g.Wait()
		}
	}

	for _, group := range e.topology.Groups {
		for partition := int32(0); partition < group.Partitions; partition++ {
			g.Go(func() error {
				return e.runTask(gctx, g, group, partition)
			})
		}
	}

	return g.Wait()
}

func (e *Engine) runTask(ctx context.Context, g *errgroup.Group, group *streams.Group, partition int32) error {
	task, pumps, err := e.startTask(ctx, group, partition)
	if err != nil {
		return err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := e.opts.Clock.Every(e.opts.CheckpointInterval, func(*clocks.EveryContext) {
		select {
		case task.events <- func() error { return task.checkpoint(taskCtx) }:
		case <-taskCtx.Done():
		}
	}, "checkpoint-"+task.id)
	defer ticker.Stop()

	for _, p := range pumps {
		g.Go(func() error { return p.run(taskCtx) })
	}

	if err := task.run(taskCtx); err != nil {
		return err
	}
	return e.noteTaskDone(ctx, group)
}

// startTask builds the task and its pumps, restoring reader cursors from
// the task's last checkpoint.
func (e *Engine) startTask(ctx context.Context, group *streams.Group, partition int32) (*Task, []pump, error) {
	task, err := newTask(taskParams{
		topology:   e.topology,
		group:      group,
		partition:  partition,
		fs:         e.opts.FileSystem,
		openStore:  e.opts.OpenStore,
		newWriter:  func(topic string) repartition.Writer { return e.opts.Transport.NewWriter(topic) },
		newSink:    e.openSink,
		globals:    e.globals,
		queueLimit: e.opts.QueueLimit,
	})
	if err != nil {
		return nil, nil, err
	}

	var pumps []pump
	for _, in := range task.inputs {
		p, err := e.newPump(task, in, partition)
		if err != nil {
			task.close()
			return nil, nil, fmt.Errorf("task %s: %w", task.id, err)
		}
		pumps = append(pumps, p)
	}
	return task, pumps, nil
}

func (e *Engine) newPump(task *Task, in *taskInput, partition int32) (pump, error) {
	if in.node != nil && in.node.Kind == streams.KindRepartition {
		offset, err := repartition.DecodeCursor(in.cursor)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.name, err)
		}
		topic := repartition.TopicName(e.topology.AppID, in.node.Repartition.ShortName)
		reader, err := e.opts.Transport.NewReader(topic, partition, offset)
		if err != nil {
			return nil, err
		}
		in.purger = reader
		p := newRepartitionPump(in, reader, task.log)
		e.registerRepartitionPump(in.node, partition, p)
		return p, nil
	}

	cfg := e.opts.Sources[in.name]
	reader, err := cfg.NewReader(partition)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", in.name, err)
	}
	if err := reader.Restore(in.cursor); err != nil {
		reader.Close()
		return nil, fmt.Errorf("restoring cursor for %s: %w", in.name, err)
	}
	return &sourcePump{in: in, reader: reader, log: task.log}, nil
}

func (e *Engine) openSink(topic string) (connectors.SinkWriter, error) {
	return e.opts.Sinks[topic].NewWriter()
}

func (e *Engine) registerRepartitionPump(node *streams.Node, partition int32, p *repartitionPump) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repPumps[repPumpKey{node: node, partition: partition}] = p
	// The stream may already have completed while this task was still
	// restoring.
	if offsets, ok := e.finishOffsets[node]; ok {
		p.finishOnce(offsets[partition])
	}
}

// noteTaskDone records a clean task completion. When the completion
// finishes a whole group, repartition streams fed only by finished groups
// are sealed at their current end offsets so downstream tasks can finish
// too.
func (e *Engine) noteTaskDone(ctx context.Context, group *streams.Group) error {
	e.mu.Lock()
	e.remaining[group]--
	e.totalRemaining--
	groupDone := e.remaining[group] == 0
	allDone := e.totalRemaining == 0
	stop := e.stopUpdaters
	e.mu.Unlock()

	if allDone && stop != nil {
		stop()
	}
	if !groupDone {
		return nil
	}
	e.log.Info("group finished", "group", group.ID)
	return e.propagateFinish(ctx)
}

func (e *Engine) propagateFinish(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, node := range e.topology.Nodes {
		if node.Kind != streams.KindRepartition {
			continue
		}
		if _, sealed := e.finishOffsets[node]; sealed {
			continue
		}
		if !e.feedersFinishedLocked(node) {
			continue
		}

		topic := repartition.TopicName(e.topology.AppID, node.Repartition.ShortName)
		count := node.Repartition.Partitioning.Count
		offsets := make([]int64, count)
		for p := int32(0); p < count; p++ {
			offset, err := e.opts.Transport.EndOffset(ctx, topic, p)
			if err != nil {
				return fmt.Errorf("sealing repartition stream %s: %w", topic, err)
			}
			offsets[p] = offset
		}
		e.finishOffsets[node] = offsets
		e.log.Info("repartition stream complete", "topic", topic)

		for p := int32(0); p < count; p++ {
			if pump, ok := e.repPumps[repPumpKey{node: node, partition: p}]; ok {
				pump.finishOnce(offsets[p])
			}
		}
	}
	return nil
}

// feedersFinishedLocked reports whether every group writing to the
// repartition node has completed. A stream fed by its own consumer group
// never satisfies this; such topologies run until canceled.
func (e *Engine) feedersFinishedLocked(node *streams.Node) bool {
	for _, up := range node.Upstreams {
		if e.remaining[e.nodeGroup[up]] != 0 {
			return false
		}
	}
	return true
}

// startGlobalTable launches one replication goroutine per partition of the
// table's topic. The table reports ready once every partition has caught up
// to the state published at startup, or hit end of input.
func (e *Engine) startGlobalTable(ctx context.Context, g *errgroup.Group, gt *globalTable) error {
	cfg := e.opts.Sources[gt.spec.Topic]
	remaining := new(atomic.Int32)
	remaining.Store(gt.spec.Partitions)

	for partition := int32(0); partition < gt.spec.Partitions; partition++ {
		reader, err := cfg.NewReader(partition)
		if err != nil {
			return fmt.Errorf("global table %s: %w", gt.spec.Name, err)
		}
		if err := reader.Restore(nil); err != nil {
			reader.Close()
			return fmt.Errorf("global table %s: %w", gt.spec.Name, err)
		}
		g.Go(func() error {
			return e.replicateGlobalPartition(ctx, gt, reader, remaining)
		})
	}
	return nil
}

func (e *Engine) replicateGlobalPartition(ctx context.Context, gt *globalTable, reader connectors.SourceReader, remaining *atomic.Int32) error {
	defer reader.Close()

	reported := false
	caughtUp := func() {
		if reported {
			return
		}
		reported = true
		if remaining.Add(-1) == 0 {
			close(gt.ready)
		}
	}

	var consecutiveFailures int
	for {
		batch, err := reader.ReadBatch(ctx)
		switch {
		case errors.Is(err, connectors.ErrEndOfInput):
			caughtUp()
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil && !connectors.IsRetryable(err):
			return fmt.Errorf("replicating global table %s: %w", gt.spec.Name, err)
		case err != nil:
			consecutiveFailures++
			wait := backoffDuration(consecutiveFailures)
			e.log.Warn("global table read failed, backing off",
				"table", gt.spec.Name, "err", err, "backoff", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		consecutiveFailures = 0

		for _, rec := range batch {
			if err := gt.apply(rec); err != nil {
				return err
			}
		}
		if len(batch) == 0 {
			caughtUp()
			if !sleep(ctx, pollInterval) {
				return nil
			}
		}
	}
}
