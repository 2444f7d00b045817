// Command safespace-node runs the edge monitoring node: it captures frames,
// runs accident detection, raises incidents and reports them to the
// coordinating server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/safespace/internal/config"
	"github.com/banshee-data/safespace/internal/monitoring"
	"github.com/banshee-data/safespace/internal/node"
	"github.com/banshee-data/safespace/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to node configuration (.json or .jsonc)")
	envFile      = flag.String("env-file", ".env", "Optional .env file with NODE_ID / SERVER_URL overrides")
	videoPath    = flag.String("video", "", "Read frames from a directory of images instead of the camera")
	offline      = flag.Bool("offline", false, "Do not connect to the coordinating server")
	noAI         = flag.Bool("no-ai", false, "Disable inference; only manual triggers raise incidents")
	showFrames   = flag.Bool("show-frames", false, "Keep annotated frames for /debug/frame.jpg")
	stdinTrigger = flag.Bool("stdin-trigger", false, "Raise a manual trigger for each line on stdin (q to quit)")
	listen       = flag.String("listen", "", "Admin listen address (overrides config)")
	dbPath       = flag.String("db", "", "Incident journal path (overrides config)")
	logFile      = flag.String("log-file", "", "Also append ops and diag logs to this file")
	trace        = flag.Bool("trace", false, "Enable per-frame trace logging")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// applyFlags layers command-line overrides on top of the loaded config.
func applyFlags(cfg *config.NodeConfig) {
	if *videoPath != "" {
		cfg.Capture.Source = config.SourceVideo
		cfg.Capture.Path = *videoPath
	}
	if *listen != "" {
		cfg.Admin.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
	}
	if *trace {
		cfg.Logging.Trace = true
	}
	if *showFrames {
		cfg.Decision.ShowFrames = true
	}
}

// newLogger routes ops and diag to stderr (and the log file when set).
// Trace output is discarded unless enabled.
func newLogger(cfg config.LoggingConfig) (*monitoring.Logger, io.Closer, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	var traceOut io.Writer
	if cfg.Trace {
		traceOut = out
	}
	return monitoring.New("safespace", out, out, traceOut), closer, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("failed to load %s: %v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyEnv()
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, logCloser, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	opts := node.Options{
		Config:     cfg,
		Offline:    *offline,
		NoAI:       *noAI,
		ShowFrames: cfg.Decision.ShowFrames,
		Log:        logger,
	}
	if *stdinTrigger {
		opts.Trigger = os.Stdin
	}

	n, err := node.New(opts)
	if err != nil {
		log.Fatalf("failed to start node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Print("node stopped")
}
