package streams

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"tributary.dev/tributary/partitioning"
)

type NodeKind uint8

const (
	KindSource NodeKind = iota + 1
	KindTransform
	KindRepartition
	KindStreamJoin
	KindTableJoin
	KindGlobalJoin
	KindSink
)

func (k NodeKind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindTransform:
		return "transform"
	case KindRepartition:
		return "repartition"
	case KindStreamJoin:
		return "stream-join"
	case KindTableJoin:
		return "table-join"
	case KindGlobalJoin:
		return "global-join"
	case KindSink:
		return "sink"
	default:
		return fmt.Sprintf("NodeKind(%d)", uint8(k))
	}
}

// Node is one vertex of a built topology. Exactly one spec field matching
// Kind is set.
type Node struct {
	Kind        NodeKind
	Name        string
	Upstreams   []*Node
	Downstreams []*Node

	Source      *SourceSpec
	Transform   *TransformSpec
	Repartition *RepartitionSpec
	StreamJoin  *StreamJoinSpec
	TableJoin   *TableJoinSpec
	GlobalJoin  *GlobalJoinSpec
	Sink        *SinkSpec
}

type SourceSpec struct {
	Topic        string
	Partitioning partitioning.Partitioning
	forced       bool // partitioner explicitly assigned by the caller
}

type TransformSpec struct {
	// Apply maps one input record to zero or more output records. Input
	// timestamps and partitions carry through.
	Apply func(rec Record) []Record
	// KeyChanging transforms invalidate upstream partitioning and force a
	// repartition before the next keyed operation.
	KeyChanging bool
}

type RepartitionSpec struct {
	// ShortName is the middle piece of the topic name,
	// "{appID}-{ShortName}-repartition".
	ShortName    string
	Partitioning partitioning.Partitioning
	forced       bool
}

type StreamJoinSpec struct {
	Windows JoinWindows
	Mode    JoinMode
	Joiner  ValueJoiner
	// Store names for the two windowed stores and the deferred-emission
	// store backing this join.
	LeftStore    string
	RightStore   string
	PendingStore string
}

type TableJoinSpec struct {
	Table  *TableSpec
	Mode   JoinMode
	Joiner ValueJoiner
	// Grace buffers stream records and joins them against the table state as
	// of their own event time. Zero means immediate current-value lookup.
	Grace        time.Duration
	PendingStore string // set only when Grace > 0
}

type GlobalJoinSpec struct {
	Table       *GlobalTableSpec
	KeySelector KeySelector
	Mode        JoinMode
	Joiner      ValueJoiner
}

type SinkSpec struct {
	Topic string
}

// TableSpec declares a partitioned table materialized from a topic. Table
// records mutate the store and never emit on their own.
type TableSpec struct {
	Topic        string
	Name         string // store name
	Partitioning partitioning.Partitioning
	forced       bool
	Versioned    bool
	// HistoryRetention bounds as-of lookups for versioned tables.
	HistoryRetention time.Duration
}

// GlobalTableSpec declares an unpartitioned table replicated to every worker.
type GlobalTableSpec struct {
	Topic string
	Name  string // store name
	// Partitions is how many partitions the backing topic has. The
	// replication loop reads them all; lookups ignore partitioning entirely.
	Partitions int32
}

// A Group is a set of co-partitioned inputs and the nodes processing them.
// One task runs per group partition; repartition streams split the topology
// into groups.
type Group struct {
	ID         int
	Inputs     []GroupInput
	Nodes      []*Node
	Partitions int32
}

// GroupInput is one partitioned stream a group's tasks consume: a source or
// repartition node, or a table's backing topic.
type GroupInput struct {
	Node  *Node      // source or repartition node, nil for table inputs
	Table *TableSpec // set when the input feeds a table store
}

// Name identifies the input stream: the source or table topic, or the
// repartition stream's short name.
func (in GroupInput) Name() string {
	if in.Table != nil {
		return in.Table.Topic
	}
	if in.Node.Kind == KindSource {
		return in.Node.Source.Topic
	}
	return in.Node.Repartition.ShortName
}

// Topology is the built, partitioning-resolved processing graph.
type Topology struct {
	AppID        string
	Nodes        []*Node
	Tables       []*TableSpec
	GlobalTables []*GlobalTableSpec
	Groups       []*Group
}

// Describe renders the groups and nodes for logs and the CLI.
func (t *Topology) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "topology %s\n", t.AppID)
	for _, group := range t.Groups {
		fmt.Fprintf(&sb, "  group %d (%d partitions)\n", group.ID, group.Partitions)
		for _, input := range group.Inputs {
			kind := "stream"
			if input.Table != nil {
				kind = "table"
			} else if input.Node.Kind == KindRepartition {
				kind = "repartition"
			}
			fmt.Fprintf(&sb, "    <- %s %s\n", kind, input.Name())
		}
		for _, node := range group.Nodes {
			if node.Kind == KindSource || node.Kind == KindRepartition {
				continue
			}
			fmt.Fprintf(&sb, "    %s %s\n", node.Kind, node.Name)
		}
	}
	for _, gt := range t.GlobalTables {
		fmt.Fprintf(&sb, "  global table %s <- %s\n", gt.Name, gt.Topic)
	}
	return sb.String()
}

// Builder accumulates topology declarations. Declaration errors are
// collected and reported together by Build.
type Builder struct {
	appID   string
	nodes   []*Node
	tables  []*TableSpec
	globals []*GlobalTableSpec
	seq     map[string]int
	errs    []error
}

func NewBuilder(appID string) *Builder {
	return &Builder{
		appID: appID,
		seq:   make(map[string]int),
	}
}

func (b *Builder) genName(kind string) string {
	n := b.seq[kind]
	b.seq[kind] = n + 1
	return fmt.Sprintf("%s-%06d", kind, n)
}

func (b *Builder) errf(format string, args ...any) {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
}

func (b *Builder) addNode(node *Node, upstreams ...*Node) *Node {
	node.Upstreams = upstreams
	for i, up := range upstreams {
		// A self-join names the same upstream twice; the record still flows
		// over a single edge and the join feeds it to both sides.
		if slices.Contains(upstreams[:i], up) {
			continue
		}
		up.Downstreams = append(up.Downstreams, node)
	}
	b.nodes = append(b.nodes, node)
	return node
}

type StreamOptions struct {
	// Partitions defaults to 1.
	Partitions int32
	// Partitioner forces the partitioning scheme. Leaving it nil uses hash
	// partitioning and lets joins reconcile counts automatically.
	Partitioner partitioning.Partitioner
}

// Stream declares a partitioned input stream read from topic.
func (b *Builder) Stream(topic string, opts StreamOptions) *Stream {
	if topic == "" {
		b.errf("stream topic must not be empty")
	}
	node := b.addNode(&Node{
		Kind:   KindSource,
		Name:   b.genName("source"),
		Source: &SourceSpec{Topic: topic, Partitioning: declaredPartitioning(opts.Partitions, opts.Partitioner)},
	})
	node.Source.forced = opts.Partitioner != nil
	return &Stream{b: b, node: node}
}

type TableOptions struct {
	Partitions  int32
	Partitioner partitioning.Partitioner
	// Name overrides the generated store name.
	Name      string
	Versioned bool
	// HistoryRetention is required for versioned tables.
	HistoryRetention time.Duration
}

// Table declares a partitioned table materialized from topic. Records with a
// nil value are tombstones deleting the row.
func (b *Builder) Table(topic string, opts TableOptions) *Table {
	if topic == "" {
		b.errf("table topic must not be empty")
	}
	if opts.Versioned && opts.HistoryRetention <= 0 {
		b.errf("versioned table %s requires a positive history retention", topic)
	}
	if !opts.Versioned && opts.HistoryRetention > 0 {
		b.errf("history retention on table %s requires Versioned", topic)
	}

	name := opts.Name
	if name == "" {
		name = b.genName("table")
	}
	spec := &TableSpec{
		Topic:            topic,
		Name:             name,
		Partitioning:     declaredPartitioning(opts.Partitions, opts.Partitioner),
		forced:           opts.Partitioner != nil,
		Versioned:        opts.Versioned,
		HistoryRetention: opts.HistoryRetention,
	}
	b.tables = append(b.tables, spec)
	return &Table{spec: spec}
}

type GlobalTableOptions struct {
	// Name overrides the generated store name.
	Name string
	// Partitions is the backing topic's partition count. Defaults to 1.
	Partitions int32
}

// GlobalTable declares an unpartitioned table replicated in full to every
// worker. Lookups against it need no co-partitioning.
func (b *Builder) GlobalTable(topic string, opts GlobalTableOptions) *GlobalTable {
	if topic == "" {
		b.errf("global table topic must not be empty")
	}
	name := opts.Name
	if name == "" {
		name = b.genName("global-table")
	}
	partitions := opts.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	spec := &GlobalTableSpec{Topic: topic, Name: name, Partitions: partitions}
	b.globals = append(b.globals, spec)
	return &GlobalTable{spec: spec}
}

func declaredPartitioning(count int32, partitioner partitioning.Partitioner) partitioning.Partitioning {
	if count <= 0 {
		count = 1
	}
	p := partitioning.NewPartitioning(count)
	if partitioner != nil {
		p.Partitioner = partitioner
	}
	return p
}

// Stream is a handle to a point in the topology producing keyed records.
type Stream struct {
	b    *Builder
	node *Node
}

// Table is a handle to a declared table, usable as the right side of a
// stream-table join.
type Table struct {
	spec *TableSpec
}

// GlobalTable is a handle to a declared global table.
type GlobalTable struct {
	spec *GlobalTableSpec
}

func (s *Stream) transform(kind string, keyChanging bool, apply func(rec Record) []Record) *Stream {
	node := s.b.addNode(&Node{
		Kind:      KindTransform,
		Name:      s.b.genName(kind),
		Transform: &TransformSpec{Apply: apply, KeyChanging: keyChanging},
	}, s.node)
	return &Stream{b: s.b, node: node}
}

// Filter keeps records the predicate accepts.
func (s *Stream) Filter(pred func(rec Record) bool) *Stream {
	return s.transform("filter", false, func(rec Record) []Record {
		if pred(rec) {
			return []Record{rec}
		}
		return nil
	})
}

// Map replaces the record's key and value. The input timestamp and partition
// carry through regardless of what the mapper sets. Changing keys invalidates
// partitioning, so a repartition precedes the next keyed operation.
func (s *Stream) Map(fn func(rec Record) Record) *Stream {
	return s.transform("map", true, func(rec Record) []Record {
		out := fn(rec)
		out.Timestamp = rec.Timestamp
		out.Partition = rec.Partition
		return []Record{out}
	})
}

// MapValues replaces the record's value only. Keys are untouched, so
// partitioning survives.
func (s *Stream) MapValues(fn func(value []byte) []byte) *Stream {
	return s.transform("map-values", false, func(rec Record) []Record {
		rec.Value = fn(rec.Value)
		return []Record{rec}
	})
}

// SelectKey rekeys the record, invalidating partitioning.
func (s *Stream) SelectKey(fn func(rec Record) []byte) *Stream {
	return s.transform("select-key", true, func(rec Record) []Record {
		rec.Key = fn(rec)
		return []Record{rec}
	})
}

// FlatMap maps one record to zero or more rekeyed records.
func (s *Stream) FlatMap(fn func(rec Record) []Record) *Stream {
	return s.transform("flat-map", true, func(rec Record) []Record {
		outs := fn(rec)
		for i := range outs {
			outs[i].Timestamp = rec.Timestamp
			outs[i].Partition = rec.Partition
		}
		return outs
	})
}

// FlatMapValues maps one record's value to zero or more values.
func (s *Stream) FlatMapValues(fn func(value []byte) [][]byte) *Stream {
	return s.transform("flat-map-values", false, func(rec Record) []Record {
		values := fn(rec.Value)
		outs := make([]Record, len(values))
		for i, v := range values {
			outs[i] = rec
			outs[i].Value = v
		}
		return outs
	})
}

type RepartitionOptions struct {
	// Partitions defaults to the stream's current partition count.
	Partitions  int32
	Partitioner partitioning.Partitioner
}

// Repartition forces the stream through an intermediate partitioned topic.
// Downstream keyed operations see it as a fresh partitioning boundary.
func (s *Stream) Repartition(opts RepartitionOptions) *Stream {
	count := opts.Partitions
	if count <= 0 {
		boundary, _ := chainInfo(s.node)
		count = boundaryPartitioning(boundary).Count
	}
	name := s.b.genName("repartition")
	node := s.b.addNode(&Node{
		Kind: KindRepartition,
		Name: name,
		Repartition: &RepartitionSpec{
			ShortName:    name,
			Partitioning: declaredPartitioning(count, opts.Partitioner),
			forced:       opts.Partitioner != nil,
		},
	}, s.node)
	return &Stream{b: s.b, node: node}
}

// JoinStream joins this stream (left) with other (right) over a symmetric
// time window. Unmatched records emit per mode, deferred until a late match
// is no longer possible.
func (s *Stream) JoinStream(other *Stream, windows JoinWindows, mode JoinMode, joiner ValueJoiner) *Stream {
	if err := windows.Validate(); err != nil {
		s.b.errs = append(s.b.errs, err)
	}
	if mode != JoinInner && mode != JoinLeft && mode != JoinOuter {
		s.b.errf("stream join mode must be inner, left, or outer, got %s", mode)
	}
	if joiner == nil {
		s.b.errf("stream join requires a joiner")
	}

	name := s.b.genName("join")
	node := s.b.addNode(&Node{
		Kind: KindStreamJoin,
		Name: name,
		StreamJoin: &StreamJoinSpec{
			Windows:      windows,
			Mode:         mode,
			Joiner:       joiner,
			LeftStore:    name + "-left",
			RightStore:   name + "-right",
			PendingStore: name + "-pending",
		},
	}, s.node, other.node)
	return &Stream{b: s.b, node: node}
}

// JoinTable looks up the table's current value for each stream record. Inner
// emits only on a present row; Left emits joiner(v, nil) on an absent one.
func (s *Stream) JoinTable(table *Table, mode JoinMode, joiner ValueJoiner) *Stream {
	return s.joinTable(table, mode, joiner, 0)
}

// JoinTableWithGrace buffers stream records for grace and then joins each
// against the table value as of the record's own event time. The table must
// be versioned.
func (s *Stream) JoinTableWithGrace(table *Table, mode JoinMode, joiner ValueJoiner, grace time.Duration) *Stream {
	if grace <= 0 {
		s.b.errf("table join grace must be positive, got %s", grace)
	}
	if !table.spec.Versioned {
		s.b.errf("table join grace requires versioned table %s", table.spec.Name)
	}
	return s.joinTable(table, mode, joiner, grace)
}

func (s *Stream) joinTable(table *Table, mode JoinMode, joiner ValueJoiner, grace time.Duration) *Stream {
	if mode != JoinInner && mode != JoinLeft {
		s.b.errf("table join mode must be inner or left, got %s", mode)
	}
	if joiner == nil {
		s.b.errf("table join requires a joiner")
	}

	name := s.b.genName("join")
	spec := &TableJoinSpec{Table: table.spec, Mode: mode, Joiner: joiner, Grace: grace}
	if grace > 0 {
		spec.PendingStore = name + "-pending"
	}
	node := s.b.addNode(&Node{Kind: KindTableJoin, Name: name, TableJoin: spec}, s.node)
	return &Stream{b: s.b, node: node}
}

// JoinGlobal looks up a global table row using a key computed from the
// record. No co-partitioning applies; the lookup reads whatever table state
// the replication loop has applied so far.
func (s *Stream) JoinGlobal(table *GlobalTable, keySelector KeySelector, mode JoinMode, joiner ValueJoiner) *Stream {
	if mode != JoinInner && mode != JoinLeft {
		s.b.errf("global table join mode must be inner or left, got %s", mode)
	}
	if keySelector == nil {
		s.b.errf("global table join requires a key selector")
	}
	if joiner == nil {
		s.b.errf("global table join requires a joiner")
	}

	node := s.b.addNode(&Node{
		Kind:       KindGlobalJoin,
		Name:       s.b.genName("join"),
		GlobalJoin: &GlobalJoinSpec{Table: table.spec, KeySelector: keySelector, Mode: mode, Joiner: joiner},
	}, s.node)
	return &Stream{b: s.b, node: node}
}

// To writes the stream's records to the named output topic.
func (s *Stream) To(topic string) {
	if topic == "" {
		s.b.errf("sink topic must not be empty")
	}
	s.b.addNode(&Node{
		Kind: KindSink,
		Name: s.b.genName("sink"),
		Sink: &SinkSpec{Topic: topic},
	}, s.node)
}

// Build resolves partitioning and returns the runnable topology. Joins whose
// inputs are not co-partitioned get repartition streams inserted; a
// partitioning conflict that cannot be reconciled automatically fails the
// build.
func (b *Builder) Build() (*Topology, error) {
	// Nodes were appended in creation order, so every join sees its upstream
	// joins already resolved.
	for _, node := range b.nodes {
		switch node.Kind {
		case KindStreamJoin:
			b.resolveStreamJoin(node)
		case KindTableJoin:
			b.resolveTableJoin(node)
		}
	}

	groups, err := b.buildGroups()
	if err != nil {
		b.errs = append(b.errs, err)
	}

	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	return &Topology{
		AppID:        b.appID,
		Nodes:        b.nodes,
		Tables:       b.tables,
		GlobalTables: b.globals,
		Groups:       groups,
	}, nil
}

// chainInfo walks up from a node to its partitioning boundary, the nearest
// source or repartition node, and reports whether any transform along the way
// changed keys.
func chainInfo(n *Node) (boundary *Node, keyChanged bool) {
	for {
		switch n.Kind {
		case KindSource, KindRepartition:
			return n, keyChanged
		case KindTransform:
			keyChanged = keyChanged || n.Transform.KeyChanging
			n = n.Upstreams[0]
		default:
			// Join outputs keep the join key, which matches the resolved
			// partitioning of the join's left input.
			n = n.Upstreams[0]
		}
	}
}

func boundaryPartitioning(boundary *Node) partitioning.Partitioning {
	if boundary.Kind == KindSource {
		return boundary.Source.Partitioning
	}
	return boundary.Repartition.Partitioning
}

func boundaryForced(boundary *Node) bool {
	if boundary.Kind == KindSource {
		return boundary.Source.forced
	}
	return boundary.Repartition.forced
}

func (b *Builder) resolveStreamJoin(join *Node) {
	leftBoundary, leftChanged := chainInfo(join.Upstreams[0])
	rightBoundary, rightChanged := chainInfo(join.Upstreams[1])
	left := boundaryPartitioning(leftBoundary)
	right := boundaryPartitioning(rightBoundary)

	needLeft := leftChanged || !left.CoPartitionedWith(right)
	needRight := rightChanged || !left.CoPartitionedWith(right)
	if !needLeft && !needRight {
		return
	}

	var target partitioning.Partitioning
	switch {
	case !needLeft:
		target = left
	case !needRight:
		target = right
	default:
		reconciled, err := reconcilePartitioning(left, boundaryForced(leftBoundary), right, boundaryForced(rightBoundary))
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("stream join %s: %w", join.Name, err))
			return
		}
		target = reconciled
	}

	if needLeft {
		b.insertRepartition(join, 0, join.Name+"-left", target)
	}
	if needRight {
		b.insertRepartition(join, 1, join.Name+"-right", target)
	}
}

func (b *Builder) resolveTableJoin(join *Node) {
	table := join.TableJoin.Table
	boundary, keyChanged := chainInfo(join.Upstreams[0])
	stream := boundaryPartitioning(boundary)

	if !keyChanged && stream.CoPartitionedWith(table.Partitioning) {
		return
	}

	// The table cannot move, so the stream adopts the table's partitioning.
	if boundaryForced(boundary) && table.forced &&
		stream.Partitioner.Name() != table.Partitioning.Partitioner.Name() {
		b.errs = append(b.errs, fmt.Errorf(
			"table join %s: stream partitioner %s and table partitioner %s are both explicitly assigned and disagree",
			join.Name, stream.Partitioner.Name(), table.Partitioning.Partitioner.Name()))
		return
	}
	b.insertRepartition(join, 0, join.Name, table.Partitioning)
}

// reconcilePartitioning picks the partitioning both repartitioned join sides
// adopt: the larger partition count and the one explicitly assigned
// partitioner, if any. Two disagreeing explicit partitioners cannot be
// reconciled.
func reconcilePartitioning(left partitioning.Partitioning, leftForced bool, right partitioning.Partitioning, rightForced bool) (partitioning.Partitioning, error) {
	target := partitioning.Partitioning{Count: max(left.Count, right.Count)}
	switch {
	case leftForced && rightForced && left.Partitioner.Name() != right.Partitioner.Name():
		return target, fmt.Errorf(
			"partitioners %s and %s are both explicitly assigned and disagree",
			left.Partitioner.Name(), right.Partitioner.Name())
	case leftForced:
		target.Partitioner = left.Partitioner
	case rightForced:
		target.Partitioner = right.Partitioner
	default:
		target.Partitioner = partitioning.HashPartitioner{}
	}
	return target, nil
}

func (b *Builder) insertRepartition(join *Node, side int, shortName string, target partitioning.Partitioning) {
	upstream := join.Upstreams[side]
	rep := &Node{
		Kind: KindRepartition,
		Name: b.genName("repartition"),
		Repartition: &RepartitionSpec{
			ShortName:    shortName,
			Partitioning: target,
		},
	}

	// A repartitioned self-join has one join edge on the upstream but two
	// sides to rewire: the first insertion replaces the edge, the second
	// adds its own.
	if i := slices.Index(upstream.Downstreams, join); i >= 0 {
		upstream.Downstreams[i] = rep
	} else {
		upstream.Downstreams = append(upstream.Downstreams, rep)
	}
	rep.Upstreams = []*Node{upstream}
	rep.Downstreams = []*Node{join}
	join.Upstreams[side] = rep
	b.nodes = append(b.nodes, rep)
}

// buildGroups splits the topology at repartition boundaries: a repartition
// node starts the downstream group, and the upstream group's tasks write to
// its topic.
func (b *Builder) buildGroups() ([]*Group, error) {
	parent := make(map[*Node]*Node, len(b.nodes))
	var find func(n *Node) *Node
	find = func(n *Node) *Node {
		root, ok := parent[n]
		if !ok || root == n {
			parent[n] = n
			return n
		}
		root = find(root)
		parent[n] = root
		return root
	}
	union := func(a, c *Node) {
		parent[find(a)] = find(c)
	}

	for _, node := range b.nodes {
		for _, down := range node.Downstreams {
			if down.Kind == KindRepartition {
				continue // the repartition groups with its consumers
			}
			union(node, down)
		}
	}

	groupByRoot := make(map[*Node]*Group)
	tablesSeen := make(map[*Group]map[*TableSpec]bool)
	var groups []*Group
	for _, node := range b.nodes {
		root := find(node)
		group, ok := groupByRoot[root]
		if !ok {
			group = &Group{ID: len(groups)}
			groupByRoot[root] = group
			groups = append(groups, group)
			tablesSeen[group] = make(map[*TableSpec]bool)
		}
		group.Nodes = append(group.Nodes, node)

		switch node.Kind {
		case KindSource, KindRepartition:
			group.Inputs = append(group.Inputs, GroupInput{Node: node})
		case KindTableJoin:
			if table := node.TableJoin.Table; !tablesSeen[group][table] {
				tablesSeen[group][table] = true
				group.Inputs = append(group.Inputs, GroupInput{Table: table})
			}
		}
	}

	for _, group := range groups {
		for _, input := range group.Inputs {
			var count int32
			if input.Table != nil {
				count = input.Table.Partitioning.Count
			} else {
				count = boundaryPartitioning(input.Node).Count
			}
			if group.Partitions == 0 {
				group.Partitions = count
			} else if group.Partitions != count {
				return nil, fmt.Errorf(
					"inputs of group %d disagree on partition count (%d vs %d for %s)",
					group.ID, group.Partitions, count, input.Name())
			}
		}
	}

	return groups, nil
}
