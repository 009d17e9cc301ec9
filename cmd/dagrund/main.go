package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sethvargo/go-retry"

	"github.com/dagrun/dagrun/internal/api"
	cronx "github.com/dagrun/dagrun/internal/cron"
	"github.com/dagrun/dagrun/internal/dispatch"
	"github.com/dagrun/dagrun/internal/jobs"
	"github.com/dagrun/dagrun/internal/logging"
	"github.com/dagrun/dagrun/internal/store"
	"github.com/dagrun/dagrun/internal/workers"
)

type Options struct {
	Addr             string        `long:"addr" description:"HTTP listen address" default:":8080"`
	DBPath           string        `long:"db" description:"SQLite database path" default:"dagrun.db"`
	LogLevel         string        `long:"log-level" description:"Minimum log level" default:"info"`
	LogFile          string        `long:"log-file" description:"Rotating log file (stdout only if empty)"`
	DispatchInterval time.Duration `long:"dispatch-interval" description:"Dispatch poll interval" default:"2s"`
	CronInterval     time.Duration `long:"cron-interval" description:"Schedule poll interval" default:"1m"`
	Agents           int           `long:"agents" description:"Number of local worker agents" default:"2"`
	AgentConcurrency int           `long:"agent-concurrency" description:"Concurrent jobs per agent" default:"4"`
	HeartbeatTimeout time.Duration `long:"heartbeat-timeout" description:"Worker heartbeat timeout" default:"60s"`
	BatchSize        int           `long:"batch-size" description:"Chunk size for batch workflows" default:"2"`
}

const shutdownTimeout = 30 * time.Second

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	level, err := logging.ParseLevel(opts.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.File = opts.LogFile
	logger := logging.New(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SQLite can be briefly locked by a previous instance still flushing
	// its WAL; retry the open with Fibonacci backoff before giving up.
	var st store.Store
	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(250*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, openErr := store.NewSQLite(opts.DBPath)
		if openErr != nil {
			logger.Warn("failed to open store, retrying", "db", opts.DBPath, "error", openErr)
			return retry.RetryableError(openErr)
		}
		st = s
		return nil
	})
	if err != nil {
		logger.Error("failed to open store", "db", opts.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	execs := jobs.NewRegistry()
	execs.MustRegister(jobs.TypeTool, jobs.ExecutorFunc(executeTool))

	registry := workers.NewRegistry()
	transport := workers.NewLocalTransport()

	dispatcher := dispatch.New(st, registry, transport, logger,
		dispatch.WithInterval(opts.DispatchInterval),
		dispatch.WithHeartbeatTimeout(opts.HeartbeatTimeout),
		dispatch.WithBatchSize(opts.BatchSize),
	)

	agents := make([]*workers.Agent, 0, opts.Agents)
	for i := 0; i < opts.Agents; i++ {
		agent := workers.NewAgent(execs, registry, dispatcher, logger,
			workers.WithConcurrency(opts.AgentConcurrency))
		transport.Attach(agent)
		agent.Start(ctx)
		agents = append(agents, agent)
	}

	scheduler := cronx.NewScheduler(st, dispatcher, logger,
		cronx.WithInterval(opts.CronInterval))
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	dispatcher.Start(ctx)

	apiServer := api.NewServer(st, dispatcher, scheduler, registry, logger)
	httpServer := &http.Server{
		Addr:    opts.Addr,
		Handler: apiServer.Router(),
	}

	go func() {
		logger.Info("http server listening", "addr", opts.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down http server", "error", err)
	}

	scheduler.Stop()
	dispatcher.Stop()
	for _, agent := range agents {
		agent.Stop()
	}

	logger.Info("shutdown complete")
}

type toolPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

type toolOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// executeTool runs a local command described by the job payload. The job's
// timeout is already applied through ctx by the agent.
func executeTool(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var payload toolPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid tool payload: %w", err)
	}
	if payload.Command == "" {
		return nil, fmt.Errorf("tool payload has no command")
	}

	cmd := exec.CommandContext(ctx, payload.Command, payload.Args...)
	cmd.Dir = payload.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	out := toolOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	if runErr != nil {
		return encoded, fmt.Errorf("command %s failed: %w", payload.Command, runErr)
	}
	return encoded, nil
}
