// Package e2e runs whole topologies on the async engine: real pumps, real
// repartition streams, checkpoints on a shared filesystem, and state in
// pebble where a test asks for it.
package e2e_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/connectors/embedded"
	"tributary.dev/tributary/partitioning"
	"tributary.dev/tributary/repartition"
	"tributary.dev/tributary/state"
	"tributary.dev/tributary/state/pebbledb"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/tasks"
	"tributary.dev/tributary/util/sliceu"
)

// TestEnrichmentPipeline chains a rekey through a repartition stream, a
// versioned table join with grace, and a global table lookup, with every
// store backed by pebble.
func TestEnrichmentPipeline(t *testing.T) {
	base := time.Now()

	b := streams.NewBuilder("enrich")
	rates := b.GlobalTable("rates", streams.GlobalTableOptions{Name: "rates"})
	users := b.Table("users", streams.TableOptions{
		Partitions:       2,
		Name:             "users",
		Versioned:        true,
		HistoryRetention: time.Hour,
	})
	orders := b.Stream("orders", streams.StreamOptions{Partitions: 2})

	orders.
		SelectKey(func(rec streams.Record) []byte { return fieldAt(rec.Value, 0) }).
		JoinTableWithGrace(users, streams.JoinInner, nameOrder, 30*time.Second).
		JoinGlobal(rates, func(rec streams.Record) []byte { return fieldAt(rec.Value, 1) }, streams.JoinInner, applyRate).
		To("enriched")

	topology, err := b.Build()
	require.NoError(t, err)

	ratesSource := embedded.NewSource(1)
	ratesSource.Append(streams.Record{Key: []byte("usd"), Value: []byte("1.08"), Timestamp: base.Add(-time.Hour)})
	ratesSource.Append(streams.Record{Key: []byte("eur"), Value: []byte("0.92"), Timestamp: base.Add(-time.Hour)})
	ratesSource.Finish()

	usersSource := embedded.NewSource(2)
	usersSource.Append(streams.Record{Key: []byte("user-1"), Value: []byte("ada"), Timestamp: base.Add(-time.Minute)})
	usersSource.Append(streams.Record{Key: []byte("user-2"), Value: []byte("nia"), Timestamp: base.Add(-time.Minute)})
	usersSource.Finish()

	ordersSource := embedded.NewSource(2)
	ordersSource.Append(streams.Record{Key: []byte("o1"), Value: []byte("user-1 usd 25"), Timestamp: base.Add(1 * time.Second)})
	ordersSource.Append(streams.Record{Key: []byte("o2"), Value: []byte("user-2 eur 40"), Timestamp: base.Add(2 * time.Second)})
	ordersSource.Append(streams.Record{Key: []byte("o3"), Value: []byte("user-1 eur 10"), Timestamp: base.Add(3 * time.Second)})
	appendClosingOrders(ordersSource, 2, base.Add(60*time.Second))
	ordersSource.Finish()

	sink := &embedded.RecordingSink{}
	fs := storage.NewMemoryFilesystem()
	stateDir := t.TempDir()

	engine, err := tasks.NewEngine(tasks.EngineOptions{
		Topology:   topology,
		FileSystem: fs,
		Transport:  repartition.NewFileTransport(repartition.FileTransportOptions{FileSystem: fs}),
		Sources: map[string]connectors.SourceConfig{
			"orders": ordersSource,
			"users":  usersSource,
			"rates":  ratesSource,
		},
		Sinks: map[string]connectors.SinkConfig{"enriched": sink},
		OpenStore: func(taskID, storeName string) (state.Store, error) {
			return pebbledb.NewStore(pebbledb.StoreOptions{
				Path: filepath.Join(stateDir, taskID, storeName),
			})
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, engine.Run(ctx))

	values := sliceu.Map(sink.Records(), func(rec streams.Record) string { return string(rec.Value) })
	assert.ElementsMatch(t, []string{
		"ada usd 25 @1.08",
		"nia eur 40 @0.92",
		"ada eur 10 @0.92",
	}, values)

	// Output keys carry the rekeyed user IDs.
	for _, rec := range sink.Records() {
		assert.Contains(t, []string{"user-1", "user-2"}, string(rec.Key))
	}
}

// appendClosingOrders adds one order per join partition referencing no user,
// timestamped past every grace period so buffered joins flush before the
// source finishes.
func appendClosingOrders(source *embedded.Source, partitions int32, at time.Time) {
	scheme := partitioning.NewPartitioning(partitions)
	covered := make(map[int32]bool)
	for i := 0; len(covered) < int(partitions); i++ {
		userRef := fmt.Sprintf("close-%d", i)
		partition := scheme.PartitionFor([]byte(userRef))
		if covered[partition] {
			continue
		}
		covered[partition] = true
		source.Append(streams.Record{
			Key:       fmt.Appendf(nil, "order-%s", userRef),
			Value:     fmt.Appendf(nil, "%s usd 0", userRef),
			Timestamp: at,
		})
	}
}

func fieldAt(value []byte, i int) []byte {
	fields := bytes.Fields(value)
	if i >= len(fields) {
		return nil
	}
	return fields[i]
}

// nameOrder swaps the order's user reference for the user's name.
func nameOrder(order, user []byte) []byte {
	rest := order
	if i := bytes.IndexByte(order, ' '); i >= 0 {
		rest = order[i+1:]
	}
	return fmt.Appendf(nil, "%s %s", user, rest)
}

func applyRate(order, rate []byte) []byte {
	return fmt.Appendf(nil, "%s @%s", order, rate)
}
