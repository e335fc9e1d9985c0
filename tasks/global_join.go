package tasks

import (
	"errors"
	"sync"

	"tributary.dev/tributary/state"
	"tributary.dev/tributary/state/memory"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/telemetry"
)

// A globalTable is one fully replicated table shared by every task in the
// process. The replication loop writes it from all partitions of its topic
// while tasks read it, so access goes through a lock. Global state is
// rebuilt from the topic on every start and never checkpointed.
type globalTable struct {
	spec  *streams.GlobalTableSpec
	ready chan struct{} // closed once replication has caught up

	mu    sync.RWMutex
	store *state.TableStore
}

func newGlobalTable(spec *streams.GlobalTableSpec) *globalTable {
	return &globalTable{
		spec:  spec,
		ready: make(chan struct{}),
		store: state.NewTableStore(state.TableStoreOptions{
			Engine: memory.NewStore(),
			Name:   spec.Name,
		}),
	}
}

func (g *globalTable) apply(rec streams.Record) error {
	if len(rec.Key) == 0 {
		telemetry.CountDropped(telemetry.ReasonNullKey)
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if rec.Value == nil {
		return g.store.Delete(rec.Key)
	}
	return g.store.Put(rec.Key, rec.Value)
}

func (g *globalTable) get(key []byte) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.store.Get(key)
}

// globalJoin looks stream records up against a global table using a key
// computed from the record. Lookups read whatever state replication has
// applied so far.
type globalJoin struct {
	task        *Task
	node        *streams.Node
	table       *globalTable
	keySelector streams.KeySelector
	mode        streams.JoinMode
	joiner      streams.ValueJoiner
}

func (j *globalJoin) onRecord(rec streams.Record) error {
	if len(rec.Key) == 0 {
		telemetry.CountDropped(telemetry.ReasonNullKey)
		return nil
	}
	if rec.Value == nil {
		telemetry.CountDropped(telemetry.ReasonNullValue)
		return nil
	}

	lookupKey := j.keySelector(rec)
	if len(lookupKey) == 0 {
		// No key to look up with. Left joins still emit the stream side.
		if j.mode == streams.JoinLeft {
			return j.emitWith(rec, nil)
		}
		telemetry.CountDropped(telemetry.ReasonNullKey)
		return nil
	}

	tableValue, err := j.table.get(lookupKey)
	switch {
	case errors.Is(err, state.ErrNotFound):
		if j.mode == streams.JoinLeft {
			return j.emitWith(rec, nil)
		}
		return nil
	case err != nil:
		return err
	}
	return j.emitWith(rec, tableValue)
}

func (j *globalJoin) emitWith(rec streams.Record, tableValue []byte) error {
	telemetry.CountJoinOutput(telemetry.KindGlobalJoin)
	return j.task.forward(j.node, streams.Record{
		Key:       rec.Key,
		Value:     j.joiner(rec.Value, tableValue),
		Timestamp: rec.Timestamp,
		Partition: rec.Partition,
	})
}
