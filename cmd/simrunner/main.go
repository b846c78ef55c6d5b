package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/simrunner/internal/api"
	"github.com/mattjoyce/simrunner/internal/config"
	"github.com/mattjoyce/simrunner/internal/controlplane"
	"github.com/mattjoyce/simrunner/internal/engine"
	"github.com/mattjoyce/simrunner/internal/jobs"
	"github.com/mattjoyce/simrunner/internal/lock"
	"github.com/mattjoyce/simrunner/internal/log"
	"github.com/mattjoyce/simrunner/internal/pipeline"
	"github.com/mattjoyce/simrunner/internal/runlog"
	"github.com/mattjoyce/simrunner/internal/worker"
	"github.com/mattjoyce/simrunner/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	defaultConfigPath = "config.yaml"
	maxRequeue        = 1000
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "job":
		return runJobNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: simrunner version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("simrunner %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`simrunner - simulation job worker

Usage:
  simrunner <noun> <action> [flags]

System Commands:
  system start      Claim and run assignments until interrupted

Job Commands:
  job run           Run a single job in the foreground
  job types         List registered job types
  job inspect <id>  Show a recorded run from the run ledger

Config Commands:
  config check      Load and validate configuration
  config lock       Record the config file hash in .checksums

General:
  version           Show version information
  help              Show this help message

Use 'simrunner <noun> help' for action-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "start":
		return runStart(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "run":
		return runJobRun(args[1:])
	case "types":
		return runJobTypes(args[1:])
	case "inspect":
		return runJobInspect(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: simrunner system start [--config PATH]")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: simrunner job run --type TYPE --payload JSON --storage-uri URI [--config PATH] [--job-id ID]")
	fmt.Fprintln(w, "       simrunner job types [--json]")
	fmt.Fprintln(w, "       simrunner job inspect <run-id> [--config PATH] [--json]")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: simrunner config <check|lock> [--config PATH]")
}

func newRegistry(cfg *config.Config) (*jobs.Registry, error) {
	deps := pipeline.Deps{}
	if cfg != nil {
		eng, err := engine.New(cfg.Engine)
		if err != nil {
			return nil, fmt.Errorf("create engine: %w", err)
		}
		ws := workspace.NewManager()
		ws.Deny(cfg.Workspace.BaseDir)
		deps = pipeline.Deps{Engine: eng, Workspaces: ws}
	}

	reg := jobs.NewRegistry()
	if err := pipeline.RegisterAll(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}

func runJobTypes(args []string) int {
	fs := flag.NewFlagSet("job types", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	reg, err := newRegistry(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build registry: %v\n", err)
		return 1
	}

	types := reg.Types()
	if *jsonOut {
		names := make([]string, 0, len(types))
		for _, t := range types {
			names = append(names, string(t))
		}
		data, _ := json.Marshal(names)
		fmt.Println(string(data))
		return 0
	}
	for _, t := range types {
		fmt.Println(t)
	}
	return 0
}

func runJobRun(args []string) int {
	fs := flag.NewFlagSet("job run", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	jobType := fs.String("type", "", "Job type")
	payload := fs.String("payload", "", "Job payload as JSON")
	storageURI := fs.String("storage-uri", "", "Destination URI for uploaded results")
	jobID := fs.String("job-id", "", "Job id (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *jobType == "" || *payload == "" {
		fmt.Fprintln(os.Stderr, "--type and --payload are required")
		return 1
	}
	if !json.Valid([]byte(*payload)) {
		fmt.Fprintln(os.Stderr, "--payload is not valid JSON")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	// Logs go to stderr so stdout carries only the job output.
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)

	reg, err := newRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	id := *jobID
	if id == "" {
		id = uuid.NewString()
	}
	ctx := context.Background()
	store, err := runlog.Open(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run ledger: %v\n", err)
		return 1
	}
	defer store.Close()

	runner := &worker.Runner{
		Dispatcher: jobs.NewDispatcher(reg),
		Config:     cfg,
		Ledger:     store,
		Reporter:   controlplane.Nop{},
	}
	out := runner.Execute(ctx,
		jobs.Job{ID: id, Type: jobs.JobType(*jobType), Payload: json.RawMessage(*payload)},
		jobs.Assignment{ID: "local-" + id, JobID: id, StorageURI: *storageURI},
	)
	if out.Err != nil {
		fmt.Fprintf(os.Stderr, "Job %s failed (run %s): %v\n", id, out.RunID, out.Err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Job %s succeeded (run %s)\n", id, out.RunID)
	fmt.Println(string(out.Output))
	return 0
}

func runJobInspect(args []string) int {
	var runID string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		runID, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("job inspect", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if runID == "" {
		runID = fs.Arg(0)
	}
	if runID == "" {
		fmt.Fprintln(os.Stderr, "Usage: simrunner job inspect <run-id> [--config PATH] [--json]")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := runlog.Open(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run ledger: %v\n", err)
		return 1
	}
	defer store.Close()

	run, err := store.Get(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to inspect run %s: %v\n", runID, err)
		return 1
	}

	if *jsonOut {
		report, err := runlog.BuildJSONReport(run)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Println(report)
		return 0
	}
	fmt.Print(runlog.BuildReport(run))
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}
	fmt.Printf("Config OK: engine=%s data_packages=%d workers=%d\n",
		cfg.Engine.Driver, len(cfg.DataPackages), cfg.Service.Workers)
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	report, err := config.Lock(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s\n  blake3: %s\n  manifest: %s\n", report.ConfigPath, report.Hash, report.ChecksumPath)
	return 0
}

// consumerName is stable across restarts so a restarted worker finds its
// own processing list.
func consumerName(service string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return host + "-" + service
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("system start", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.Queue.RedisAddr == "" {
		fmt.Fprintln(os.Stderr, "queue.redis_addr is required for system start")
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("simrunner starting", "version", version, "config", *configPath)

	pidLockPath := lock.PathFor(cfg.Workspace.BaseDir)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	if cfg.Workspace.StaleAfter > 0 {
		report, err := workspace.Sweep(cfg.Workspace.BaseDir, cfg.Workspace.Prefix, cfg.Workspace.StaleAfter)
		if err != nil {
			logger.Warn("workspace sweep failed", "error", err)
		} else if report.Removed > 0 || report.Skipped > 0 {
			logger.Info("swept stale workspaces", "removed", report.Removed, "skipped", report.Skipped)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := runlog.Open(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open run ledger", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer store.Close()

	reg, err := newRegistry(cfg)
	if err != nil {
		logger.Error("failed to register job types", "error", err)
		return 1
	}
	logger.Info("job types registered", "types", reg.Types())

	var reporter controlplane.Client = controlplane.Nop{}
	if cfg.ControlPlane.URL != "" {
		reporter = controlplane.NewHTTPClient(cfg.ControlPlane.URL, cfg.ControlPlane.Token, cfg.ControlPlane.Secret, 0)
	} else {
		logger.Warn("control_plane.url not set; results are recorded locally only")
	}

	runner := &worker.Runner{
		Dispatcher: jobs.NewDispatcher(reg),
		Config:     cfg,
		Ledger:     store,
		Reporter:   reporter,
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to reach redis", "addr", cfg.Queue.RedisAddr, "error", err)
		return 1
	}

	consumer := consumerName(cfg.Service.Name)
	source := worker.NewRedisSource(rdb, cfg.Queue.Key, consumer)
	if n, err := source.RequeueStale(ctx, maxRequeue); err != nil {
		logger.Warn("failed to requeue stale assignments", "error", err)
	} else if n > 0 {
		logger.Info("requeued stale assignments", "count", n)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	poolDone := make(chan struct{})

	pool := worker.NewPool(source, runner, cfg.Service.Workers)
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("worker pool: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token}, store, reg, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("simrunner running", "consumer", consumer, "queue", cfg.Queue.Key, "workers", cfg.Service.Workers)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()
	<-poolDone

	logger.Info("simrunner stopped")
	return code
}
