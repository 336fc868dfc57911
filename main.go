package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Arca/internal"
	"github.com/hbomb79/Arca/pkg/logger"
)

var log = logger.Get("Main")

// main loads the user configuration, starts the Arca services and
// submits any file paths provided as arguments. Arca runs until
// interrupted.
func main() {
	configPath := flag.String("config", internal.DefaultConfigPath(), "path to the YAML configuration file")
	verbosity := flag.Int("verbosity", logger.INFO.Level(), "minimum log level to emit")
	flag.Parse()

	logger.SetMinLoggingLevel(*verbosity)

	config := internal.ArcaConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	arca := internal.New(config)
	go func() {
		for _, path := range flag.Args() {
			if id, err := arca.Pipeline().Submit(path); err != nil {
				log.Emit(logger.ERROR, "Failed to submit %s: %v\n", path, err)
			} else {
				log.Emit(logger.INFO, "Submitted %s as job %s\n", path, id)
			}
		}
	}()

	if err := arca.Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Arca exited with error: %v\n", err)
		os.Exit(1)
	}
}
