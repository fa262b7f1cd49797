package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pensum/common"
	"github.com/ternarybob/pensum/handlers"
	"github.com/ternarybob/pensum/models"
	"github.com/ternarybob/pensum/processor"
	"github.com/ternarybob/pensum/storage"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Pensum version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Auto-discover a config file when none is given.
	if len(configFiles) == 0 {
		if _, err := os.Stat("pensum.toml"); err == nil {
			configFiles = append(configFiles, "pensum.toml")
		}
	}

	// Startup order: config (defaults -> files -> env), logger, banner.
	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("storage_type", config.Storage.Type).
		Str("log_level", config.Logging.Level).
		Msg("Configuration loaded")

	store, err := storage.NewJobStorage(logger, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize job storage")
	}
	defer store.Close()

	registry := handlers.NewRegistry(logger)
	registerHandlers(registry)

	proc := processor.NewProcessor(store, registry, config, logger)
	if err := proc.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start job processor")
	}

	logger.Info().Msg("Pensum ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := proc.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Processor shutdown incomplete")
	}

	logger.Info().Msg("Pensum stopped")
}

// registerHandlers wires the built-in example handler. Real
// deployments embed the library and register their own types.
func registerHandlers(registry *handlers.Registry) {
	type echoArgs struct {
		Message string `json:"message"`
	}

	registry.MustRegister(handlers.NewTyped("echo", func(ctx context.Context, args echoArgs) models.ExecutionResult {
		logger.Info().Str("message", args.Message).Msg("Echo job executed")
		return models.SuccessWithResult(args.Message)
	}))
}
