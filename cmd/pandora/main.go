// ABOUTME: CLI entrypoint for the pandora daemon with serve, migrate, admin, and watch modes.
// ABOUTME: Wires config loading, signal handling, and the subcommand dispatch with documented exit codes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pandora-research/pandora/config"
	"github.com/pandora-research/pandora/daemon"
	"github.com/pandora-research/pandora/index"
	"github.com/pandora-research/pandora/tui"
	"github.com/pandora-research/pandora/turndoc"
)

var version = "dev"

const (
	exitOK      = 0
	exitUsage   = 2
	exitStorage = 3
)

func main() {
	_ = config.LoadDotEnv(".env")
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return exitUsage
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	case "admin":
		return runAdmin(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "version", "--version", "-version":
		fmt.Printf("pandora %s\n", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return exitUsage
	}
}

func printUsage(w *os.File) {
	fmt.Fprintf(w, `pandora %s — turn orchestration daemon

Usage:
  pandora serve   [--config FILE] [--addr ADDR] [--data-dir DIR]
  pandora migrate [--config FILE] [--data-dir DIR]
  pandora admin cancel [--addr ADDR] <trace-or-job-id>
  pandora watch   --trace ID [--addr ADDR]
  pandora version
`, version)
}

// loadConfig applies the flag overrides on top of the config file.
func loadConfig(path, addr, dataDir string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dataDir != "" {
		cfg.Storage.Root = dataDir
		cfg.Storage.IndexPath = ""
	}
	return cfg, nil
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := fs.String("config", "pandora.yaml", "Config file path")
	addr := fs.String("addr", "", "Listen address override")
	dataDir := fs.String("data-dir", "", "Storage root override")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := loadConfig(*cfgPath, *addr, *dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsage
	}

	d, err := daemon.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitStorage
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return exitOK
}

// runMigrate initializes the storage layout without starting the daemon:
// profile root, sqlite schema, and the vector tables.
func runMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cfgPath := fs.String("config", "pandora.yaml", "Config file path")
	dataDir := fs.String("data-dir", "", "Storage root override")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := loadConfig(*cfgPath, "", *dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsage
	}

	if _, err := turndoc.NewStore(cfg.Storage.Root); err != nil {
		fmt.Fprintf(os.Stderr, "error: storage root: %v\n", err)
		return exitStorage
	}
	ix, err := index.Open(cfg.IndexPath(), cfg.Storage.EmbeddingDims)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: index: %v\n", err)
		return exitStorage
	}
	ix.Close()

	fmt.Printf("storage ready at %s (index %s)\n", cfg.Storage.Root, cfg.IndexPath())
	return exitOK
}

// runAdmin talks to a running daemon over HTTP.
func runAdmin(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pandora admin cancel [--addr ADDR] <trace-or-job-id>")
		return exitUsage
	}
	switch args[0] {
	case "cancel":
		return runAdminCancel(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command %q\n", args[0])
		return exitUsage
	}
}

func runAdminCancel(args []string) int {
	fs := flag.NewFlagSet("admin cancel", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8600", "Daemon base URL")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: pandora admin cancel <trace-or-job-id>")
		return exitUsage
	}
	id := fs.Arg(0)
	base := strings.TrimRight(*addr, "/")

	// Try the job namespace first, then fall back to the trace namespace.
	for _, url := range []string{
		fmt.Sprintf("%s/jobs/%s/cancel", base, id),
		fmt.Sprintf("%s/v1/thinking/%s/cancel", base, id),
	} {
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		var body struct {
			OK bool `json:"ok"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err == nil && body.OK {
			fmt.Printf("cancelled %s\n", id)
			return exitOK
		}
	}

	fmt.Fprintf(os.Stderr, "nothing live matched %s\n", id)
	return 1
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	traceID := fs.String("trace", "", "Trace id to follow")
	addr := fs.String("addr", "http://localhost:8600", "Daemon base URL")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if *traceID == "" {
		fmt.Fprintln(os.Stderr, "usage: pandora watch --trace ID [--addr ADDR]")
		return exitUsage
	}

	if err := tui.Watch(*addr, *traceID); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return exitOK
}
