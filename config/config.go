// Package config loads engine configuration documents. A document binds a
// topology's topics to concrete connectors and names the storage location
// that roots checkpoints and changelogs; the topology itself is built in
// code.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/repartition"
	"tributary.dev/tributary/state"
	"tributary.dev/tributary/state/pebbledb"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/tasks"
)

const (
	TransportFile  = "file"
	TransportKafka = "kafka"

	StoreMemory = "memory"
	StorePebble = "pebble"
)

type Config struct {
	// StorageLocation roots checkpoint and changelog data. Accepts a local
	// path, a memory:// location, or an s3:// URI.
	StorageLocation    string
	CheckpointInterval time.Duration
	QueueLimit         int

	// Sources and Sinks are keyed by the topic names the topology declares.
	Sources map[string]connectors.SourceConfig
	Sinks   map[string]connectors.SinkConfig

	Transport TransportConfig
	Stores    StoreConfig
}

// TransportConfig selects how repartition streams move between groups.
type TransportConfig struct {
	// Kind is TransportFile (default) or TransportKafka.
	Kind    string
	Brokers []string
}

// StoreConfig selects the state store engine backing every task.
type StoreConfig struct {
	// Engine is StoreMemory (default) or StorePebble.
	Engine string
	// Dir roots pebble store directories, one per task and store.
	Dir string
}

func (c *Config) Validate() error {
	var errs []error
	if c.StorageLocation == "" {
		errs = append(errs, errors.New("storage location is required"))
	}
	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("at least one source is required"))
	}
	for topic, source := range c.Sources {
		if err := source.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", topic, err))
		}
	}
	for topic, sink := range c.Sinks {
		if err := sink.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", topic, err))
		}
	}

	switch c.Transport.Kind {
	case "", TransportFile:
	case TransportKafka:
		if len(c.Transport.Brokers) == 0 {
			errs = append(errs, errors.New("kafka transport requires brokers"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport kind %q", c.Transport.Kind))
	}

	switch c.Stores.Engine {
	case "", StoreMemory:
	case StorePebble:
		if c.Stores.Dir == "" {
			errs = append(errs, errors.New("pebble stores require a dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store engine %q", c.Stores.Engine))
	}

	return errors.Join(errs...)
}

// EngineOptions assembles the runtime pieces the configuration describes
// around a topology built in code.
func (c *Config) EngineOptions(topology *streams.Topology) (tasks.EngineOptions, error) {
	fs, err := storage.NewFileSystemFromLocation(c.StorageLocation)
	if err != nil {
		return tasks.EngineOptions{}, fmt.Errorf("opening storage location: %w", err)
	}

	var transport repartition.Transport
	switch c.Transport.Kind {
	case "", TransportFile:
		transport = repartition.NewFileTransport(repartition.FileTransportOptions{FileSystem: fs})
	case TransportKafka:
		transport, err = repartition.NewKafkaTransport(c.Transport.Brokers)
		if err != nil {
			return tasks.EngineOptions{}, err
		}
	default:
		return tasks.EngineOptions{}, fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	openStore, err := c.Stores.openFunc()
	if err != nil {
		return tasks.EngineOptions{}, err
	}

	return tasks.EngineOptions{
		Topology:           topology,
		FileSystem:         fs,
		Transport:          transport,
		Sources:            c.Sources,
		Sinks:              c.Sinks,
		OpenStore:          openStore,
		CheckpointInterval: c.CheckpointInterval,
		QueueLimit:         c.QueueLimit,
	}, nil
}

func (s StoreConfig) openFunc() (tasks.OpenStoreFunc, error) {
	switch s.Engine {
	case "", StoreMemory:
		return nil, nil // engine default
	case StorePebble:
		if s.Dir == "" {
			return nil, errors.New("pebble stores require a dir")
		}
		dir := s.Dir
		return func(taskID, storeName string) (state.Store, error) {
			return pebbledb.NewStore(pebbledb.StoreOptions{
				Path: filepath.Join(dir, taskID, storeName),
			})
		}, nil
	default:
		return nil, fmt.Errorf("unknown store engine %q", s.Engine)
	}
}
