package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"
	"tributary.dev/tributary/changelog"
	"tributary.dev/tributary/config"
	"tributary.dev/tributary/config/jsontemplate"
	"tributary.dev/tributary/logging"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/util/fileu"
)

func main() {
	app := &cli.App{
		Name:  "tributary",
		Usage: "Join and reshape streams of events",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "debug, info, warn, or error",
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := logging.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)
			slog.SetDefault(slog.New(logging.NewTextHandler()))
			return nil
		},
		Commands: []*cli.Command{{
			Name:  "demo",
			Usage: "Run a windowed order/payment join end to end",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "storage",
					Value: "memory://",
					Usage: "storage location for checkpoints and changelogs",
				},
				&cli.IntFlag{
					Name:  "orders",
					Value: 24,
					Usage: "number of orders to generate",
				},
				&cli.StringFlag{
					Name:  "config",
					Usage: "bind the demo topics to connectors from this config file instead of generating input",
				},
				&cli.StringSliceFlag{
					Name:  "param",
					Usage: "config parameter as name=value, repeatable",
				},
				&cli.StringFlag{
					Name:  "metrics-addr",
					Usage: "serve Prometheus metrics on this address",
				},
			},
			Action: func(ctx *cli.Context) error {
				params, err := parseParams(ctx.StringSlice("param"))
				if err != nil {
					return err
				}
				return runDemo(demoParams{
					storageLocation: ctx.String("storage"),
					orderCount:      ctx.Int("orders"),
					configPath:      ctx.String("config"),
					configParams:    params,
					metricsAddr:     ctx.String("metrics-addr"),
				})
			},
		}, {
			Name:      "validate",
			Usage:     "Check a config document and report what it binds",
			Args:      true,
			ArgsUsage: "<config.json>",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:  "param",
					Usage: "config parameter as name=value, repeatable",
				},
			},
			Action: func(ctx *cli.Context) error {
				configPath := ctx.Args().First()
				if configPath == "" {
					return fmt.Errorf("config path is required")
				}
				params, err := parseParams(ctx.StringSlice("param"))
				if err != nil {
					return err
				}
				return validateConfig(configPath, params)
			},
		}, {
			Name:      "checkpoints",
			Usage:     "Print the latest checkpoint manifest of every task",
			Args:      true,
			ArgsUsage: "<storage-location>",
			Action: func(ctx *cli.Context) error {
				location := ctx.Args().First()
				if location == "" {
					return fmt.Errorf("storage location is required")
				}
				return printCheckpoints(location)
			},
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func parseParams(pairs []string) (jsontemplate.Params, error) {
	params := jsontemplate.Params{}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("param %q must be name=value", pair)
		}
		params[name] = value
	}
	return params, nil
}

// loadConfig reads a config document from a local path or an s3:// URL.
func loadConfig(path string, params jsontemplate.Params) (*config.Config, error) {
	data, err := fileu.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Unmarshal(data, params)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func validateConfig(path string, params jsontemplate.Params) error {
	cfg, err := loadConfig(path, params)
	if err != nil {
		return err
	}

	fmt.Printf("%s is valid\n", path)
	fmt.Printf("  storage %s\n", cfg.StorageLocation)
	for _, topic := range sortedKeys(cfg.Sources) {
		fmt.Printf("  source %s: %T\n", topic, cfg.Sources[topic])
	}
	for _, topic := range sortedKeys(cfg.Sinks) {
		fmt.Printf("  sink %s: %T\n", topic, cfg.Sinks[topic])
	}
	return nil
}

// printCheckpoints walks the checkpoints directory of a storage location and
// dumps the manifest each task would recover from.
func printCheckpoints(location string) error {
	fs, err := storage.NewFileSystemFromLocation(location)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	var taskIDs []string
	for filePath, err := range fs.List("checkpoints/") {
		if err != nil {
			return fmt.Errorf("listing checkpoints: %w", err)
		}
		id := path.Base(path.Dir(filePath))
		if !seen[id] {
			seen[id] = true
			taskIDs = append(taskIDs, id)
		}
	}
	if len(taskIDs) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}
	sort.Strings(taskIDs)

	for _, id := range taskIDs {
		manifest, err := changelog.NewCheckpointStore(fs, path.Join("checkpoints", id)).LoadLatest()
		if err != nil {
			return fmt.Errorf("loading checkpoint for task %s: %w", id, err)
		}
		if manifest == nil {
			continue
		}

		fmt.Printf("task %s checkpoint %d\n", id, manifest.ID)
		for _, topic := range sortedKeys(manifest.Stores) {
			doc := manifest.Stores[topic]
			fmt.Printf("  store %s: %d segments, last seq %d\n", topic, len(doc.Segments), doc.LastSeq)
		}
		for _, name := range sortedKeys(manifest.Sources) {
			fmt.Printf("  source %s: cursor %q\n", name, manifest.Sources[name])
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
