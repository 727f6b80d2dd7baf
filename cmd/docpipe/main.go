// ABOUTME: CLI entrypoint for the document pipeline runner with ingest, batch, and server modes.
// ABOUTME: Wires the store, object store, stage registry, retry orchestrator, and signal handling.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/classify"
	"github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/embed"
	"github.com/docpipe/docpipe/extract"
	"github.com/docpipe/docpipe/objectstore"
	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/stages"
	"github.com/docpipe/docpipe/store"
)

var version = "dev"

type cliConfig struct {
	configPath     string
	serverMode     bool
	addr           string
	mode           string
	stageList      string
	forceReprocess bool
	concurrency    int
	verbose        bool
	showVersion    bool
	args           []string
}

func main() {
	config.LoadDotEnv(".env")

	cli := parseFlags()

	if cli.showVersion {
		fmt.Printf("docpipe %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cli))
}

func parseFlags() cliConfig {
	var cli cliConfig

	fs := flag.NewFlagSet("docpipe", flag.ContinueOnError)
	fs.StringVar(&cli.configPath, "config", "docpipe.yaml", "Path to YAML configuration")
	fs.BoolVar(&cli.serverMode, "server", false, "Start the status HTTP server")
	fs.StringVar(&cli.addr, "addr", "", "Status server listen address (overrides config)")
	fs.StringVar(&cli.mode, "mode", "", "Scheduler mode: run_all, run_subset, smart (overrides config)")
	fs.StringVar(&cli.stageList, "stages", "", "Comma-separated stage names for run_subset mode")
	fs.BoolVar(&cli.forceReprocess, "force", false, "Clear completion markers and reprocess selected stages")
	fs.IntVar(&cli.concurrency, "concurrency", 0, "Max documents in flight (overrides config)")
	fs.BoolVar(&cli.verbose, "verbose", false, "Print lifecycle events to stderr")
	fs.BoolVar(&cli.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `docpipe %s — document processing pipeline

Usage:
  docpipe [flags] <pdf-file-or-document-id> ...
  docpipe -server

PDF file arguments are ingested as new documents, then processed. Other
arguments are treated as existing document ids.

Flags:
`, version)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cli.args = fs.Args()
	return cli
}

func run(cli cliConfig) int {
	cfg, err := config.Load(cli.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	applyOverrides(cfg, cli)

	st, err := store.Open(cfg.Paths.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer st.Close()

	// Signal handling: first signal cancels work, locks are freed on the way out.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := st.ReleaseAll(releaseCtx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: release locks: %v\n", err)
		}
	}()

	if cli.serverMode {
		return runServer(ctx, cfg, st)
	}

	if len(cli.args) == 0 {
		fmt.Fprintln(os.Stderr, "error: no documents given (see -h)")
		return 2
	}

	return runBatch(ctx, cfg, st, cli)
}

func applyOverrides(cfg *config.Config, cli cliConfig) {
	if cli.addr != "" {
		cfg.Server.Addr = cli.addr
	}
	if cli.mode != "" {
		cfg.Run.Mode = cli.mode
	}
	if cli.stageList != "" {
		cfg.Run.Stages = strings.Split(cli.stageList, ",")
		for i := range cfg.Run.Stages {
			cfg.Run.Stages[i] = strings.TrimSpace(cfg.Run.Stages[i])
		}
	}
	if cli.forceReprocess {
		cfg.Run.ForceReprocess = true
	}
	if cli.concurrency > 0 {
		cfg.Concurrency.MaxDocuments = cli.concurrency
	}
}

// runBatch ingests any PDF file arguments, then processes all documents
// through the batch controller.
func runBatch(ctx context.Context, cfg *config.Config, st *store.Store, cli cliConfig) int {
	if cfg.OpenAI.APIKey == "" {
		fmt.Fprintln(os.Stderr, "error: no API key found")
		fmt.Fprintln(os.Stderr, "Set OPENAI_API_KEY or openai.api_key in the config file")
		return 1
	}

	objects, err := objectstore.New(cfg.Paths.Objects)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	for _, dir := range []string{cfg.Paths.Sources, cfg.Paths.ProgressDir, cfg.Paths.ErrorsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "error: create %s: %v\n", dir, err)
			return 1
		}
	}

	for _, p := range cfg.StorePolicies() {
		policy := p
		if err := st.UpsertRetryPolicy(ctx, &policy); err != nil {
			fmt.Fprintf(os.Stderr, "warning: seed retry policy %s/%s: %v\n", p.ServiceName, p.StageName, err)
		}
	}

	docIDs, err := resolveDocuments(ctx, st, cfg, cli.args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	progress, err := pipeline.NewProgressLogger(cfg.Paths.ProgressDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer progress.Close()

	events, watchdog := buildEventChain(ctx, progress, cli.verbose)

	tracker := pipeline.NewTracker(st)
	tracker.OnProgress = watchdog.Touch
	errlog := pipeline.NewErrorLogger(st, cfg.Paths.ErrorsDir)
	policies := pipeline.NewPolicyRegistry(st, cfg.PolicyTTL(), cfg.DefaultPolicy())
	orch := pipeline.NewOrchestrator(policies, st, st, tracker, errlog, events)

	registry, err := stages.DefaultRegistry(stages.Dependencies{
		Store:             st,
		Objects:           objects,
		SourceDir:         cfg.Paths.Sources,
		TextExtractor:     extract.NewPdfToText(),
		ImageExtractor:    extract.NewPdfImages(),
		Classifier:        classify.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.ChatModel, cfg.OpenAI.BaseURL),
		MetadataExtractor: classify.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.ChatModel, cfg.OpenAI.BaseURL),
		Embedder:          embed.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.EmbeddingModel, cfg.OpenAI.BaseURL),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	sched := pipeline.NewScheduler(registry, orch, st, st, tracker, events)
	if cfg.Optional.ContinueOnFailure != nil {
		sched.ContinueOnOptionalFailure = *cfg.Optional.ContinueOnFailure
	}

	batch := pipeline.NewBatchController(sched, cfg.Concurrency.MaxDocuments)
	result := batch.Run(ctx, docIDs, cfg.RunOptions())

	printSummary(result)
	if err := writeSummary(cfg.Paths.ProgressDir, result); err != nil {
		fmt.Fprintf(os.Stderr, "warning: write summary: %v\n", err)
	}

	if result.ByStatus["error"] > 0 || result.ByStatus[pipeline.DocStatusFailed] > 0 {
		return 1
	}
	return 0
}

// resolveDocuments maps CLI arguments to document ids, ingesting PDF files
// as new documents first.
func resolveDocuments(ctx context.Context, st *store.Store, cfg *config.Config, args []string) ([]string, error) {
	var ids []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err == nil && !info.IsDir() && strings.HasSuffix(strings.ToLower(arg), ".pdf") {
			id, err := ingest(ctx, st, cfg, arg)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
			continue
		}
		ids = append(ids, arg)
	}
	return ids, nil
}

// ingest registers one PDF as a document: content hash for dedupe, a copy
// into the sources directory, and a new document row. An already ingested
// file returns the existing document id.
func ingest(ctx context.Context, st *store.Store, cfg *config.Config, path string) (string, error) {
	hash, err := hashFile(path)
	if err != nil {
		return "", err
	}

	if existing, err := st.GetDocumentByHash(ctx, hash); err != nil {
		return "", err
	} else if existing != nil {
		fmt.Fprintf(os.Stderr, "%s already ingested as %s\n", filepath.Base(path), existing.ID)
		return existing.ID, nil
	}

	doc := &pipeline.Document{
		ID:          uuid.NewString(),
		Filename:    filepath.Base(path),
		ContentHash: hash,
		Status:      pipeline.DocStatusPending,
	}

	if err := copyFile(path, filepath.Join(cfg.Paths.Sources, doc.Filename)); err != nil {
		return "", fmt.Errorf("copy source: %w", err)
	}
	if err := st.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, store.ErrDuplicateContent) {
			// Raced with another ingest of the same bytes.
			if existing, lookupErr := st.GetDocumentByHash(ctx, hash); lookupErr == nil && existing != nil {
				return existing.ID, nil
			}
		}
		return "", err
	}

	fmt.Fprintf(os.Stderr, "ingested %s as %s\n", doc.Filename, doc.ID)
	return doc.ID, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// buildEventChain composes the progress logger, the stall watchdog, and the
// optional verbose printer into one event handler. The watchdog is returned
// so the tracker's progress callback can refresh its activity timestamps.
func buildEventChain(ctx context.Context, progress *pipeline.ProgressLogger, verbose bool) (pipeline.EventHandler, *pipeline.Watchdog) {
	watchdog := pipeline.NewWatchdog(pipeline.DefaultWatchdogConfig(), func(evt pipeline.Event) {
		fmt.Fprintf(os.Stderr, "[watchdog] %s/%s stalled: %v\n", evt.DocumentID, evt.Stage, evt.Data["elapsed"])
		progress.HandleEvent(evt)
	})
	watchdog.Start(ctx)

	chain := func(evt pipeline.Event) {
		progress.HandleEvent(evt)
		watchdog.HandleEvent(evt)
		if verbose {
			printEvent(evt)
		}
	}
	return chain, watchdog
}

func printEvent(evt pipeline.Event) {
	switch evt.Type {
	case pipeline.EventPipelineStarted:
		fmt.Fprintf(os.Stderr, "[pipeline] %s started\n", evt.DocumentID)
	case pipeline.EventStageStarted:
		fmt.Fprintf(os.Stderr, "[stage] %s/%s started\n", evt.DocumentID, evt.Stage)
	case pipeline.EventStageCompleted:
		fmt.Fprintf(os.Stderr, "[stage] %s/%s completed\n", evt.DocumentID, evt.Stage)
	case pipeline.EventStageSkipped:
		fmt.Fprintf(os.Stderr, "[stage] %s/%s skipped: %v\n", evt.DocumentID, evt.Stage, evt.Data["reason"])
	case pipeline.EventStageRetrying:
		fmt.Fprintf(os.Stderr, "[stage] %s/%s retrying\n", evt.DocumentID, evt.Stage)
	case pipeline.EventStageFailed:
		fmt.Fprintf(os.Stderr, "[stage] %s/%s failed: %v\n", evt.DocumentID, evt.Stage, evt.Data["reason"])
	case pipeline.EventPipelineCompleted:
		fmt.Fprintf(os.Stderr, "[pipeline] %s completed\n", evt.DocumentID)
	case pipeline.EventPipelineFailed:
		fmt.Fprintf(os.Stderr, "[pipeline] %s failed\n", evt.DocumentID)
	}
}

// writeSummary persists the batch result next to the progress files so a
// finished run leaves a machine-readable record behind.
func writeSummary(dir string, result *pipeline.BatchResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, ".summary.json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "summary.json"))
}

func printSummary(result *pipeline.BatchResult) {
	fmt.Printf("Processed %d documents in %.1fs\n", result.Total, result.DurationSeconds)
	for status, n := range result.ByStatus {
		fmt.Printf("  %s: %d\n", status, n)
	}
	for stage, stats := range result.PerStage {
		fmt.Printf("  stage %-20s runs=%d avg=%.0fms\n", stage, stats.Count, stats.AvgMillis)
	}
}

// runServer starts the read-only status HTTP server.
func runServer(ctx context.Context, cfg *config.Config, st *store.Store) int {
	server := pipeline.NewStatusServer(st)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "listening on %s\n", cfg.Server.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
