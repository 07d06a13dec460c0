package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/custodian-labs/custodian/pkg/api"
	"github.com/custodian-labs/custodian/pkg/audit"
	"github.com/custodian-labs/custodian/pkg/config"
	"github.com/custodian-labs/custodian/pkg/duty"
	"github.com/custodian-labs/custodian/pkg/observability"
	"github.com/custodian-labs/custodian/pkg/pdp"
	"github.com/custodian-labs/custodian/pkg/policy"

	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer()
	}

	switch args[1] {
	case "server", "serve":
		return runServer()
	case "evaluate":
		return runEvaluate(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "load":
		return runLoad(args[2:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "custodian - policy decision point with hash-chained audit trail")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  custodian <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server    Run the HTTP server (default)")
	fmt.Fprintln(w, "  evaluate  Evaluate one request against a policy file")
	fmt.Fprintln(w, "  verify    Verify an audit log's hash chain")
	fmt.Fprintln(w, "  load      Load policy files into the database")
	fmt.Fprintln(w, "  health    Check server health over HTTP")
	fmt.Fprintln(w, "  help      Show this help")
	fmt.Fprintln(w, "")
}

// runServer reports all failures through the structured logger.
func runServer() int {
	cfg := config.Load()
	logger := observability.SetupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "custodian",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.TelemetryEnabled,
		Insecure:     true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}()

	db, err := sql.Open("sqlite", "file:"+cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	policies, err := policy.NewSQLiteStore(db)
	if err != nil {
		logger.Error("failed to init policy store", "error", err)
		return 1
	}
	duties, err := duty.NewSQLiteStore(db)
	if err != nil {
		logger.Error("failed to init duty store", "error", err)
		return 1
	}

	log, sink, err := audit.OpenMirrored(cfg.AuditLogPath, db)
	if err != nil {
		logger.Error("failed to open audit log", "path", cfg.AuditLogPath, "error", err)
		return 1
	}
	defer func() { _ = sink.Close() }()
	logger.Info("audit log opened", "path", cfg.AuditLogPath, "entries", log.Len(), "head", log.Head())

	if cfg.PolicyDir != "" {
		n, err := policy.LoadDir(ctx, cfg.PolicyDir, policies)
		if err != nil {
			logger.Error("failed to load policy directory", "dir", cfg.PolicyDir, "error", err)
			return 1
		}
		logger.Info("policies loaded", "dir", cfg.PolicyDir, "count", n)
	}

	scheduler := duty.NewScheduler(duties, log,
		func(ctx context.Context, dataTarget string) error {
			// The erasure hook is the integration point with downstream
			// data stores. Out of the box it only records the execution.
			logger.InfoContext(ctx, "erasure executed", "data_target", dataTarget)
			obs.RecordDutyExecution(ctx, "COMPLETED")
			return nil
		},
		duty.WithMaxAttempts(cfg.MaxDeleteAttempts),
		duty.WithLogger(logger),
	)
	go scheduler.Run(ctx, cfg.TickInterval)

	server := api.NewServer(policies, log, scheduler, duties,
		api.WithLogger(logger), api.WithObservability(obs))
	limiter := api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(limiter, cfg.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

func runEvaluate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policyFile string
		role       string
		purpose    string
		dataTarget string
		location   string
	)
	cmd.StringVar(&policyFile, "policy", "", "Policy file, JSON or YAML (REQUIRED)")
	cmd.StringVar(&role, "role", "", "Requesting role (REQUIRED)")
	cmd.StringVar(&purpose, "purpose", "", "Processing purpose (REQUIRED)")
	cmd.StringVar(&dataTarget, "target", "", "Data target (REQUIRED)")
	cmd.StringVar(&location, "location", "", "Request location (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if policyFile == "" || role == "" || purpose == "" || dataTarget == "" || location == "" {
		fmt.Fprintln(stderr, "Error: --policy, --role, --purpose, --target and --location are required")
		cmd.Usage()
		return 2
	}

	pol, err := policy.LoadFile(policyFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading policy: %v\n", err)
		return 1
	}

	decision := pdp.Evaluate(pol, pdp.RequestContext{
		Role:       role,
		Purpose:    purpose,
		DataTarget: dataTarget,
		Location:   location,
		Timestamp:  time.Now().UTC(),
	})

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(decision)
	if !decision.Permitted() {
		return 1
	}
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var auditPath string
	cmd.StringVar(&auditPath, "audit", "audit.jsonl", "Audit log file (JSONL)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	entries, err := audit.ReadJSONL(auditPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading audit log: %v\n", err)
		return 1
	}

	valid, bad := audit.VerifyEntries(entries)
	result := api.VerifyResponse{Valid: valid, FirstBadIndex: bad, Entries: len(entries)}
	if n := len(entries); n > 0 {
		result.Head = entries[n-1].Hash
	} else {
		result.Head = audit.GenesisHash
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if !valid {
		return 1
	}
	return 0
}

func runLoad(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("load", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir    string
		dbPath string
	)
	cmd.StringVar(&dir, "dir", "", "Directory of policy files (REQUIRED)")
	cmd.StringVar(&dbPath, "db", "custodian.db", "Database path")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dir == "" {
		fmt.Fprintln(stderr, "Error: --dir is required")
		cmd.Usage()
		return 2
	}

	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	store, err := policy.NewSQLiteStore(db)
	if err != nil {
		fmt.Fprintf(stderr, "Error initializing store: %v\n", err)
		return 1
	}
	n, err := policy.LoadDir(context.Background(), dir, store)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading policies: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Loaded %d policies into %s\n", n, dbPath)
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(stdout, "%s %s", resp.Status, body)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
