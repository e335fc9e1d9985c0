// Package tasks runs built topologies. Each partition of a topology group
// becomes one task: a single goroutine that merges the group's input
// streams in timestamp order, drives the join processors and their stores,
// and checkpoints its progress. Pumps feed the task from source readers and
// repartition streams; the Engine supervises all of it.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	"tributary.dev/tributary/changelog"
	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/repartition"
	"tributary.dev/tributary/state"
	"tributary.dev/tributary/state/memory"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/streamtime"
	"tributary.dev/tributary/telemetry"
)

// OpenStoreFunc opens the local engine behind one store of one task. The
// default keeps state in memory; production jobs point it at pebble.
type OpenStoreFunc func(taskID, storeName string) (state.Store, error)

func defaultOpenStore(taskID, storeName string) (state.Store, error) {
	return memory.NewStore(), nil
}

// handler processes a record arriving at an in-group node. The edge it
// arrived over identifies the join side.
type handler func(from *streams.Node, rec streams.Record) error

// timeDriven processors owe work whenever stream time advances: deferred
// emissions and store expiry.
type timeDriven interface {
	onTimeAdvanced(now time.Time) error
}

// A Task processes one partition of one topology group. Everything it owns
// is single-threaded: pumps hand records over through input queues and the
// clock hands checkpoint ticks over through the events channel, and only
// the task goroutine touches stores and processors.
type Task struct {
	id        string
	log       *slog.Logger
	group     *streams.Group
	partition int32

	ctx    context.Context
	events chan func() error
	wake   chan struct{}

	inputs      []*taskInput
	inputByNode map[*streams.Node]*taskInput
	time        streamtime.Tracker

	handlers   map[*streams.Node]handler
	timeDriven []timeDriven
	routers    map[*streams.Node]*repartition.Router
	tables     map[*streams.TableSpec]*tableState
	sinks      map[string]connectors.SinkWriter

	fs               storage.FileSystem
	logs             map[string]*changelog.Log
	checkpoints      *changelog.CheckpointStore
	nextCheckpointID uint64
	engines          []state.Store
}

// taskInput is one partitioned stream the task consumes, paired with the
// cursor of the last fully consumed batch.
type taskInput struct {
	id     string // manifest key, unique within the task
	name   string // topic or repartition short name
	node   *streams.Node
	table  *streams.TableSpec
	queue  *inputQueue
	cursor []byte
	purger repartition.Reader // set for repartition inputs
}

type taskParams struct {
	topology   *streams.Topology
	group      *streams.Group
	partition  int32
	fs         storage.FileSystem
	openStore  OpenStoreFunc
	newWriter  func(topic string) repartition.Writer
	newSink    func(topic string) (connectors.SinkWriter, error)
	globals    map[*streams.GlobalTableSpec]*globalTable
	queueLimit int
}

// newTask builds the runtime for one (group, partition): opens every store
// the group's nodes need, replays their changelogs, and wires the node
// graph into handlers. The returned task has not started; the async engine
// attaches pumps and calls run, the sync runner feeds it directly.
func newTask(params taskParams) (*Task, error) {
	if params.queueLimit <= 0 {
		params.queueLimit = defaultQueueLimit
	}

	id := fmt.Sprintf("%d_%d", params.group.ID, params.partition)
	t := &Task{
		id:          id,
		log:         slog.With("instanceID", "task-"+id),
		group:       params.group,
		partition:   params.partition,
		ctx:         context.Background(),
		events:      make(chan func() error),
		wake:        make(chan struct{}, 1),
		inputByNode: make(map[*streams.Node]*taskInput),
		handlers:    make(map[*streams.Node]handler),
		routers:     make(map[*streams.Node]*repartition.Router),
		tables:      make(map[*streams.TableSpec]*tableState),
		sinks:       make(map[string]connectors.SinkWriter),
		fs:          params.fs,
		logs:        make(map[string]*changelog.Log),
		checkpoints: changelog.NewCheckpointStore(params.fs, path.Join("checkpoints", id)),
	}

	manifest, err := t.checkpoints.LoadLatest()
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	t.nextCheckpointID = 1
	if manifest != nil {
		t.nextCheckpointID = manifest.ID + 1
	}

	for i, in := range params.group.Inputs {
		input := &taskInput{
			id:    fmt.Sprintf("%d:%s", i, in.Name()),
			name:  in.Name(),
			node:  in.Node,
			table: in.Table,
			queue: newInputQueue(params.queueLimit, t.wake),
		}
		if manifest != nil {
			input.cursor = manifest.Sources[input.id]
		}
		t.inputs = append(t.inputs, input)
		if in.Node != nil {
			t.inputByNode[in.Node] = input
		}
	}

	for _, node := range params.group.Nodes {
		if err := t.buildNode(params, manifest, node); err != nil {
			t.close()
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
	}

	return t, nil
}

func (t *Task) buildNode(params taskParams, manifest *changelog.Manifest, node *streams.Node) error {
	switch node.Kind {
	case streams.KindSource, streams.KindRepartition:
		// Entry points; records flow from their input queues.

	case streams.KindTransform:
		t.handlers[node] = func(_ *streams.Node, rec streams.Record) error {
			for _, out := range node.Transform.Apply(rec) {
				if err := t.forward(node, out); err != nil {
					return err
				}
			}
			return nil
		}

	case streams.KindStreamJoin:
		join, err := t.buildStreamJoin(params, manifest, node)
		if err != nil {
			return err
		}
		t.handlers[node] = func(from *streams.Node, rec streams.Record) error {
			// A self-join's record passes through both sides.
			seen := false
			if from == node.Upstreams[0] {
				seen = true
				if err := join.onRecord(state.SideLeft, rec); err != nil {
					return err
				}
			}
			if from == node.Upstreams[1] {
				seen = true
				if err := join.onRecord(state.SideRight, rec); err != nil {
					return err
				}
			}
			if !seen {
				panic(fmt.Sprintf("BUG: record reached join %s from non-upstream %s", node.Name, from.Name))
			}
			return nil
		}
		t.timeDriven = append(t.timeDriven, join)

	case streams.KindTableJoin:
		join, err := t.buildTableJoin(params, manifest, node)
		if err != nil {
			return err
		}
		t.handlers[node] = func(_ *streams.Node, rec streams.Record) error {
			return join.onRecord(rec)
		}
		t.timeDriven = append(t.timeDriven, join)

	case streams.KindGlobalJoin:
		table, ok := params.globals[node.GlobalJoin.Table]
		if !ok {
			panic(fmt.Sprintf("BUG: global table %s was never built", node.GlobalJoin.Table.Name))
		}
		join := &globalJoin{
			task:        t,
			node:        node,
			table:       table,
			keySelector: node.GlobalJoin.KeySelector,
			mode:        node.GlobalJoin.Mode,
			joiner:      node.GlobalJoin.Joiner,
		}
		t.handlers[node] = func(_ *streams.Node, rec streams.Record) error {
			return join.onRecord(rec)
		}

	case streams.KindSink:
		topic := node.Sink.Topic
		if _, ok := t.sinks[topic]; !ok {
			writer, err := params.newSink(topic)
			if err != nil {
				return fmt.Errorf("opening sink %s: %w", topic, err)
			}
			t.sinks[topic] = writer
		}
		writer := t.sinks[topic]
		t.handlers[node] = func(_ *streams.Node, rec streams.Record) error {
			return writer.Write(t.ctx, rec)
		}

	default:
		panic(fmt.Sprintf("BUG: unhandled node kind %s", node.Kind))
	}

	// Any edge into a repartition node crosses a partitioning boundary, so
	// it goes through a router even when producer and consumer groups
	// coincide.
	for _, down := range node.Downstreams {
		if down.Kind != streams.KindRepartition {
			continue
		}
		if _, ok := t.routers[down]; !ok {
			topic := repartition.TopicName(params.topology.AppID, down.Repartition.ShortName)
			t.routers[down] = repartition.NewRouter(down.Repartition.Partitioning, params.newWriter(topic))
		}
	}
	return nil
}

func (t *Task) buildStreamJoin(params taskParams, manifest *changelog.Manifest, node *streams.Node) (*streamJoin, error) {
	spec := node.StreamJoin
	join := &streamJoin{
		task:    t,
		node:    node,
		windows: spec.Windows,
		mode:    spec.Mode,
		joiner:  spec.Joiner,
	}

	var err error
	retention := spec.Windows.Retention()
	join.left, err = t.openWindowedStore(params, manifest, spec.LeftStore, retention)
	if err != nil {
		return nil, err
	}
	join.right, err = t.openWindowedStore(params, manifest, spec.RightStore, retention)
	if err != nil {
		return nil, err
	}
	if spec.Mode != streams.JoinInner {
		join.pending, err = t.openPendingStore(params, manifest, spec.PendingStore)
		if err != nil {
			return nil, err
		}
	}
	return join, nil
}

func (t *Task) buildTableJoin(params taskParams, manifest *changelog.Manifest, node *streams.Node) (*tableJoin, error) {
	spec := node.TableJoin
	table, err := t.ensureTable(params, manifest, spec.Table)
	if err != nil {
		return nil, err
	}

	join := &tableJoin{
		task:   t,
		node:   node,
		table:  table,
		mode:   spec.Mode,
		joiner: spec.Joiner,
		grace:  spec.Grace,
	}
	if spec.Grace > 0 {
		join.pending, err = t.openPendingStore(params, manifest, spec.PendingStore)
		if err != nil {
			return nil, err
		}
	}
	return join, nil
}

// ensureTable materializes a table's store once per task, no matter how
// many joins read it.
func (t *Task) ensureTable(params taskParams, manifest *changelog.Manifest, spec *streams.TableSpec) (*tableState, error) {
	if table, ok := t.tables[spec]; ok {
		return table, nil
	}

	engine, log, doc, err := t.openEngine(params, manifest, spec.Name)
	if err != nil {
		return nil, err
	}
	table := &tableState{spec: spec}
	if spec.Versioned {
		table.versioned = state.NewVersionedStore(state.VersionedStoreOptions{
			Engine:           engine,
			Mirror:           log,
			Name:             spec.Name,
			HistoryRetention: spec.HistoryRetention,
		})
		err = t.replay(doc, table.versioned, spec.Name)
	} else {
		table.plain = state.NewTableStore(state.TableStoreOptions{
			Engine: engine,
			Mirror: log,
			Name:   spec.Name,
		})
		err = t.replay(doc, table.plain, spec.Name)
	}
	if err != nil {
		return nil, err
	}

	t.tables[spec] = table
	return table, nil
}

func (t *Task) openWindowedStore(params taskParams, manifest *changelog.Manifest, name string, retention time.Duration) (*state.WindowedStore, error) {
	engine, log, doc, err := t.openEngine(params, manifest, name)
	if err != nil {
		return nil, err
	}
	store := state.NewWindowedStore(state.WindowedStoreOptions{
		Engine:    engine,
		Mirror:    log,
		Name:      name,
		Retention: retention,
	})
	if err := t.replay(doc, store, name); err != nil {
		return nil, err
	}
	return store, nil
}

func (t *Task) openPendingStore(params taskParams, manifest *changelog.Manifest, name string) (*state.PendingStore, error) {
	engine, log, doc, err := t.openEngine(params, manifest, name)
	if err != nil {
		return nil, err
	}
	store := state.NewPendingStore(state.PendingStoreOptions{
		Engine: engine,
		Mirror: log,
		Name:   name,
	})
	if err := t.replay(doc, store, name); err != nil {
		return nil, err
	}

	count, err := store.Count()
	if err != nil {
		return nil, err
	}
	if count > 0 {
		telemetry.DeferredRestored(name, count)
	}
	return store, nil
}

// openEngine opens a store's local engine and changelog. Segments from
// checkpoints that never completed are removed first; a recovered store
// resumes its recorded changelog, a fresh one starts a new log. The
// returned doc is nil when there is nothing to replay.
func (t *Task) openEngine(params taskParams, manifest *changelog.Manifest, storeName string) (state.Store, *changelog.Log, *changelog.StoreDocument, error) {
	topic := taskChangelogTopic(params.topology.AppID, storeName, t.partition)

	var doc changelog.StoreDocument
	hasDoc := false
	if manifest != nil {
		doc, hasDoc = manifest.Stores[topic]
	}
	if err := changelog.RemoveStraySegments(params.fs, topic, doc); err != nil {
		return nil, nil, nil, fmt.Errorf("store %s: %w", storeName, err)
	}

	engine, err := params.openStore(t.id, storeName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening store %s: %w", storeName, err)
	}
	t.engines = append(t.engines, engine)

	logOpts := changelog.LogOptions{FileSystem: params.fs, Topic: topic}
	if !hasDoc {
		log := changelog.NewLog(logOpts)
		t.logs[topic] = log
		return engine, log, nil, nil
	}
	log := changelog.ResumeLog(logOpts, doc)
	t.logs[topic] = log
	return engine, log, &doc, nil
}

// replay rebuilds a store from its changelog document. A corrupt changelog
// fails the task; serving a partially restored store would misjoin.
func (t *Task) replay(doc *changelog.StoreDocument, restorer state.Restorer, storeName string) error {
	if doc == nil {
		return nil
	}
	start := time.Now()
	if err := changelog.Replay(t.fs, *doc, restorer); err != nil {
		return fmt.Errorf("restoring store %s: %w", storeName, err)
	}
	elapsed := time.Since(start)
	telemetry.ObserveRestore(elapsed)
	t.log.Info("restored store", "store", storeName, "lastSeq", doc.LastSeq, "duration", elapsed)
	return nil
}

func taskChangelogTopic(appID, storeName string, partition int32) string {
	return path.Join(changelog.TopicName(appID, storeName), strconv.Itoa(int(partition)))
}

// run is the task loop: merge input queues in timestamp order, process, and
// service control events between records. It returns when every input is
// finished or on the first error.
func (t *Task) run(ctx context.Context) error {
	t.ctx = ctx
	defer t.close()
	t.log.Info("task starting", "inputs", len(t.inputs), "streamTime", t.time.Now())

	for {
		select {
		case ev := <-t.events:
			if err := ev(); err != nil {
				return err
			}
		default:
		}

		processed, err := t.processNext()
		if err != nil {
			return err
		}
		if processed {
			continue
		}

		if t.allInputsFinished() {
			if err := t.checkpoint(ctx); err != nil {
				return err
			}
			t.log.Info("all inputs finished", "streamTime", t.time.Now())
			return nil
		}

		// Publish routed records before going idle so downstream tasks are
		// not left waiting on a buffered batch.
		if err := t.flushRouters(ctx); err != nil {
			return err
		}

		select {
		case ev := <-t.events:
			if err := ev(); err != nil {
				return err
			}
		case <-t.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// processNext pops the buffered record with the smallest timestamp across
// inputs. Inputs with nothing buffered are not waited for; their records
// merge in whenever the pump delivers them.
func (t *Task) processNext() (bool, error) {
	var chosen *taskInput
	var best time.Time
	for _, in := range t.inputs {
		rec, ok := in.queue.Peek()
		if !ok {
			continue
		}
		if chosen == nil || rec.Timestamp.Before(best) {
			chosen, best = in, rec.Timestamp
		}
	}
	if chosen == nil {
		return false, nil
	}

	rec, cursor, endOfBatch, ok := chosen.queue.Pop()
	if !ok {
		panic("BUG: peeked input has no record to pop")
	}
	if endOfBatch {
		chosen.cursor = cursor
	}
	return true, t.processRecord(chosen, rec)
}

func (t *Task) processRecord(in *taskInput, rec streams.Record) error {
	telemetry.CountProcessed(in.name)
	advanced := t.time.Observe(rec.Timestamp)

	var err error
	if in.table != nil {
		err = t.tables[in.table].apply(rec)
	} else {
		err = t.forward(in.node, rec)
	}
	if err != nil {
		return err
	}

	if advanced {
		return t.onTimeAdvanced()
	}
	return nil
}

func (t *Task) onTimeAdvanced() error {
	now := t.time.Now()
	for _, p := range t.timeDriven {
		if err := p.onTimeAdvanced(now); err != nil {
			return err
		}
	}
	return nil
}

// advanceTime observes ts as if a record carried it, without any record.
func (t *Task) advanceTime(ts time.Time) error {
	if t.time.Observe(ts) {
		return t.onTimeAdvanced()
	}
	return nil
}

// forward hands a node's output to each of its downstream nodes.
func (t *Task) forward(from *streams.Node, rec streams.Record) error {
	for _, down := range from.Downstreams {
		if err := t.dispatch(from, down, rec); err != nil {
			return err
		}
	}
	return nil
}

func (t *Task) dispatch(from, to *streams.Node, rec streams.Record) error {
	if to.Kind == streams.KindRepartition {
		return t.routers[to].Route(rec)
	}
	h, ok := t.handlers[to]
	if !ok {
		panic(fmt.Sprintf("BUG: no handler for node %s", to.Name))
	}
	return h(from, rec)
}

func (t *Task) allInputsFinished() bool {
	for _, in := range t.inputs {
		if !in.queue.Finished() {
			return false
		}
	}
	return true
}

func (t *Task) flushRouters(ctx context.Context) error {
	for _, router := range t.routers {
		if err := router.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint makes the task's progress durable: the changelog position of
// every store plus the input cursors that produced that state. Inputs are
// drained to their batch boundary first, because a cursor only describes
// fully consumed batches.
func (t *Task) checkpoint(ctx context.Context) error {
	if err := t.drainToBatchBoundaries(); err != nil {
		return err
	}
	if err := t.flushRouters(ctx); err != nil {
		return err
	}

	manifest := changelog.Manifest{
		ID:      t.nextCheckpointID,
		Stores:  make(map[string]changelog.StoreDocument, len(t.logs)),
		Sources: make(map[string][]byte, len(t.inputs)),
	}
	for topic, log := range t.logs {
		doc, err := log.Checkpoint()
		if err != nil {
			return fmt.Errorf("checkpointing %s: %w", topic, err)
		}
		manifest.Stores[topic] = doc
	}
	for _, in := range t.inputs {
		manifest.Sources[in.id] = in.cursor
	}

	if _, err := t.checkpoints.Write(manifest); err != nil {
		return err
	}
	t.nextCheckpointID++
	telemetry.CountCheckpoint()
	t.log.Info("checkpoint complete", "id", manifest.ID)

	t.purgeConsumed(ctx)
	return nil
}

func (t *Task) drainToBatchBoundaries() error {
	for _, in := range t.inputs {
		for in.queue.MidBatch() {
			rec, cursor, endOfBatch, ok := in.queue.Pop()
			if !ok {
				panic("BUG: mid-batch queue has no record")
			}
			if endOfBatch {
				in.cursor = cursor
			}
			if err := t.processRecord(in, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// purgeConsumed reclaims repartition records below the cursors the
// checkpoint just covered. Reclamation is best effort; a failure costs
// storage, not correctness.
func (t *Task) purgeConsumed(ctx context.Context) {
	for _, in := range t.inputs {
		if in.purger == nil {
			continue
		}
		offset, err := repartition.DecodeCursor(in.cursor)
		if err != nil {
			t.log.Warn("skipping purge", "input", in.name, "err", err)
			continue
		}
		if err := in.purger.Purge(ctx, offset); err != nil {
			t.log.Warn("purging repartition input failed", "input", in.name, "err", err)
		}
	}
}

func (t *Task) close() {
	for _, in := range t.inputs {
		in.queue.Close()
	}
	for topic, sink := range t.sinks {
		if err := sink.Close(); err != nil {
			t.log.Warn("closing sink failed", "topic", topic, "err", err)
		}
	}
	for _, in := range t.inputs {
		if in.purger != nil {
			if err := in.purger.Close(); err != nil {
				t.log.Warn("closing repartition reader failed", "input", in.name, "err", err)
			}
		}
	}
	for _, engine := range t.engines {
		if err := engine.Close(); err != nil {
			t.log.Warn("closing store engine failed", "err", err)
		}
	}
}
