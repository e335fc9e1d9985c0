package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tributary.dev/tributary/config/jsontemplate"
	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/connectors/embedded"
	"tributary.dev/tributary/connectors/stdio"
	"tributary.dev/tributary/logging"
	"tributary.dev/tributary/repartition"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/tasks"
	"tributary.dev/tributary/telemetry"
)

type demoParams struct {
	storageLocation string
	orderCount      int
	configPath      string
	configParams    jsontemplate.Params
	metricsAddr     string
}

// runDemo joins orders against their payments within a 15 second window.
// Payments arrive keyed by payment ID and repartition by order ID before the
// join; orders that see no payment in time come out marked unpaid.
func runDemo(params demoParams) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if params.metricsAddr != "" {
		serveMetrics(ctx, params.metricsAddr)
	}

	topology, err := demoTopology()
	if err != nil {
		return err
	}

	var opts tasks.EngineOptions
	if params.configPath != "" {
		cfg, err := loadConfig(params.configPath, params.configParams)
		if err != nil {
			return err
		}
		opts, err = cfg.EngineOptions(topology)
		if err != nil {
			return err
		}
	} else {
		opts, err = embeddedDemoOptions(topology, params)
		if err != nil {
			return err
		}
	}

	engine, err := tasks.NewEngine(opts)
	if err != nil {
		return err
	}
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("demo complete")
	return nil
}

// embeddedDemoOptions generates the demo's input in memory and prints joined
// records to stdout.
func embeddedDemoOptions(topology *streams.Topology, params demoParams) (tasks.EngineOptions, error) {
	fs, err := storage.NewFileSystemFromLocation(params.storageLocation)
	if err != nil {
		return tasks.EngineOptions{}, fmt.Errorf("opening storage location: %w", err)
	}

	orders := embedded.NewSource(1)
	payments := embedded.NewSource(1)
	generateDemoInput(orders, payments, params.orderCount)

	return tasks.EngineOptions{
		Topology:   topology,
		FileSystem: fs,
		Transport:  repartition.NewFileTransport(repartition.FileTransportOptions{FileSystem: fs}),
		Sources: map[string]connectors.SourceConfig{
			"orders":   orders,
			"payments": payments,
		},
		Sinks: map[string]connectors.SinkConfig{
			"joined": stdio.SinkConfig{},
		},
	}, nil
}

func demoTopology() (*streams.Topology, error) {
	b := streams.NewBuilder("demo")
	orders := b.Stream("orders", streams.StreamOptions{Partitions: 1})
	payments := b.Stream("payments", streams.StreamOptions{Partitions: 1})

	// A payment's value leads with the order ID it settles, so rekeying by
	// order co-partitions the two sides.
	byOrder := payments.SelectKey(paymentOrderID)

	joined := orders.JoinStream(byOrder, streams.NewJoinWindows(15*time.Second), streams.JoinLeft, labelOrder)
	joined.To("joined")
	return b.Build()
}

func paymentOrderID(rec streams.Record) []byte {
	if i := bytes.IndexByte(rec.Value, ' '); i >= 0 {
		return rec.Value[:i]
	}
	return rec.Value
}

func labelOrder(order, payment []byte) []byte {
	if payment == nil {
		return fmt.Appendf(nil, "%s unpaid", order)
	}
	method := payment
	if i := bytes.IndexByte(payment, ' '); i >= 0 {
		method = payment[i+1:]
	}
	return fmt.Appendf(nil, "%s paid via %s", order, method)
}

// generateDemoInput appends count orders and a payment for two out of every
// three, each settling three seconds after its order. A closing payment past
// the last window moves stream time far enough that every unpaid order
// flushes before the sources finish.
func generateDemoInput(orders, payments *embedded.Source, count int) {
	base := time.Now().Add(-time.Minute)
	methods := []string{"card", "wire", "giro"}

	for i := range count {
		orderID := fmt.Sprintf("order-%04d", i)
		placedAt := base.Add(time.Duration(i) * 100 * time.Millisecond)
		orders.Append(streams.Record{
			Key:       []byte(orderID),
			Value:     fmt.Appendf(nil, "amount=%d.%02d", 10+i%90, i%100),
			Timestamp: placedAt,
		})

		if i%3 == 2 {
			continue
		}
		payments.Append(streams.Record{
			Key:       fmt.Appendf(nil, "pay-%04d", i),
			Value:     fmt.Appendf(nil, "%s %s", orderID, methods[i%len(methods)]),
			Timestamp: placedAt.Add(3 * time.Second),
		})
	}

	payments.Append(streams.Record{
		Key:       []byte("pay-closing"),
		Value:     []byte("closing none"),
		Timestamp: base.Add(time.Duration(count)*100*time.Millisecond + 16*time.Second),
	})

	orders.Finish()
	payments.Finish()
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", logging.NewHTTPHandler(telemetry.Handler(), slog.With("instanceID", "metrics")))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		server.Close()
	}()
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
