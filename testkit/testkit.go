// Package testkit drives built topologies deterministically in tests. A
// Driver processes fed records to completion on the caller's goroutine,
// collects sink output, and can advance stream time or restart from the
// last checkpoint without any real engine running.
package testkit

import (
	"testing"
	"time"

	"tributary.dev/tributary/connectors/embedded"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/tasks"
)

type Driver struct {
	tb     testing.TB
	topo   *streams.Topology
	fs     storage.FileSystem
	runner *tasks.SyncRunner
}

// NewDriver starts every task of the topology on an in-memory filesystem.
// Failures fail the test; the driver closes itself when the test ends.
func NewDriver(tb testing.TB, topo *streams.Topology) *Driver {
	tb.Helper()
	d := &Driver{tb: tb, topo: topo, fs: storage.NewMemoryFilesystem()}
	d.start()
	tb.Cleanup(func() { d.runner.Close() })
	return d
}

func (d *Driver) start() {
	d.tb.Helper()
	runner, err := tasks.NewSyncRunner(d.topo, tasks.SyncOptions{FileSystem: d.fs})
	if err != nil {
		d.tb.Fatalf("starting topology: %v", err)
	}
	d.runner = runner
}

// Feed delivers one keyed record to a topic and processes it to
// completion, including everything it triggers downstream.
func (d *Driver) Feed(topic, key, value string, ts time.Time) {
	d.tb.Helper()
	d.FeedRecord(topic, streams.Record{Key: []byte(key), Value: []byte(value), Timestamp: ts})
}

func (d *Driver) FeedRecord(topic string, rec streams.Record) {
	d.tb.Helper()
	if err := d.runner.Feed(topic, rec); err != nil {
		d.tb.Fatalf("feeding %s: %v", topic, err)
	}
}

// FeedTombstone delivers a nil-value record, deleting the key's row when
// the topic backs a table.
func (d *Driver) FeedTombstone(topic, key string, ts time.Time) {
	d.tb.Helper()
	d.FeedRecord(topic, streams.Record{Key: []byte(key), Timestamp: ts})
}

// AdvanceTime moves stream time to ts on every task, popping deferred
// non-matches and grace-buffered records that are now due.
func (d *Driver) AdvanceTime(ts time.Time) {
	d.tb.Helper()
	if err := d.runner.AdvanceTime(ts); err != nil {
		d.tb.Fatalf("advancing stream time: %v", err)
	}
}

// Checkpoint persists every task's state to the driver's filesystem.
func (d *Driver) Checkpoint() {
	d.tb.Helper()
	if err := d.runner.Checkpoint(); err != nil {
		d.tb.Fatalf("checkpointing: %v", err)
	}
}

// Restart tears the tasks down and rebuilds them from their last
// checkpoints, keeping the filesystem. Output recorded before the restart
// is discarded along with the old sinks.
func (d *Driver) Restart() {
	d.tb.Helper()
	d.runner.Close()
	d.start()
}

// Outputs returns the records a sink topic has collected since the last
// start.
func (d *Driver) Outputs(topic string) []streams.Record {
	return d.runner.Sink(topic).Records()
}

// OutputValues returns the collected record values as strings, in emission
// order.
func (d *Driver) OutputValues(topic string) []string {
	var values []string
	for _, rec := range d.Outputs(topic) {
		values = append(values, string(rec.Value))
	}
	return values
}

// FixtureSource is a finite pre-loaded source for engine-level tests:
// readers serve the given records and then report end of input.
func FixtureSource(partitions int32, records ...streams.Record) *embedded.Source {
	source := embedded.NewSource(partitions)
	for _, rec := range records {
		source.Append(rec)
	}
	source.Finish()
	return source
}
