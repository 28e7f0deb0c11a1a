package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/lmittmann/tint"

	"github.com/swmcc/indexatron"
	"github.com/swmcc/indexatron/analysis"
	"github.com/swmcc/indexatron/embedding"
)

var (
	configPath   = flag.String("config", "", "Path to YAML config file")
	ollamaServer = flag.String("ollama", "", "Address of running ollama server, typically http://localhost:11434")
	llamaServer  = flag.String("llama", "", "Use a llama.cpp server at this address instead of ollama")
	llamaSeed    = flag.Int("seed", 385480504, "Random seed to llama")
	openAIEmbed  = flag.Bool("openai-embeddings", false, "Use OpenAI for embeddings")

	checkConn  = flag.Bool("check", false, "Verify connectivity to the inference service and exit")
	analyzeImg = flag.String("analyze", "", "Analyze a single image")
	embedImg   = flag.String("embed", "", "Generate the embedding for an already-analyzed image")
	batchDir   = flag.String("batch", "", "Process all images in a directory")

	resultsDir = flag.String("results", "", "Directory for JSON result artifacts")
	dbPath     = flag.String("db", "", "Path to the photo catalog database")
	force      = flag.Bool("force", false, "Reprocess images that already have results")
	count      = flag.Int("count", -1, "Number of images to process")
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	modes := 0
	for _, set := range []bool{*checkConn, *analyzeImg != "", *embedImg != "", *batchDir != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "specify exactly one of -check, -analyze, -embed, -batch")
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)

	cfg := indexatron.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = indexatron.LoadConfig(*configPath); err != nil {
			logger.Error("failed to load config", "path", *configPath, "err", err)
			os.Exit(1)
		}
	}
	if *ollamaServer != "" {
		cfg.OllamaServer = *ollamaServer
	}
	if *resultsDir != "" {
		cfg.ResultsDir = *resultsDir
	}
	if *dbPath != "" {
		cfg.CatalogPath = *dbPath
	}

	ix, err := indexatron.Init(indexatron.InitOptions{
		Config:           cfg,
		LlamaServer:      *llamaServer,
		LlamaSeed:        *llamaSeed,
		OpenAIEmbeddings: *openAIEmbed,
		HttpClient:       &http.Client{Timeout: cfg.RequestTimeout()},
		Logger:           logger,
	})
	if err != nil {
		logger.Error("init failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)
	go sighandler(sigch, cancel)

	if err := run(ctx, ix, logger); err != nil {
		logger.Error("run failed", "err", err)
		os.Exit(1)
	}
}

func sighandler(ch chan os.Signal, cancel context.CancelFunc) {
	<-ch
	fmt.Fprintln(os.Stderr, "\nSIGINT received, stopping...")
	cancel()

	// A second interrupt is a hard stop.
	<-ch
	fmt.Fprintln(os.Stderr, "Exiting")
	os.Exit(1)
}

func run(ctx context.Context, ix *indexatron.Indexatron, logger *slog.Logger) error {
	if *checkConn {
		return runCheck(ctx, ix, logger)
	}

	// All remaining modes talk to the inference service.
	if !ix.IsHealthy() {
		return fmt.Errorf("inference server is not responding, is it running?")
	}

	analyzer := analysis.NewAnalyzer(ix.Describer, logger)
	embedder := embedding.NewEmbedder(ix.Describer, ix.Config.Dimensions, logger)

	var catalog *indexatron.DB
	if *batchDir != "" && ix.Config.CatalogPath != "" {
		var err error
		if catalog, err = indexatron.NewDB(ctx, ix.Config.CatalogPath); err != nil {
			return err
		}
		defer catalog.Close()
	}

	proc := indexatron.NewProcessor(analyzer, embedder, catalog, ix.Config.ResultsDir, logger)

	switch {
	case *analyzeImg != "":
		pa, err := proc.AnalyzeOne(ctx, *analyzeImg)
		if err != nil {
			return err
		}
		logger.Info("analysis complete", "file", pa.Filename, "model", pa.ModelUsed)
		return printJSON(pa)

	case *embedImg != "":
		rec, err := proc.EmbedExisting(ctx, *embedImg)
		if err != nil {
			return err
		}
		logger.Info("embedding complete", "file", rec.Filename, "dims", rec.Dimensions)
		fmt.Printf("Source text: %.100s...\n", rec.SourceText)
		return nil

	case *batchDir != "":
		proc.Progress = true
		proc.Count = *count
		batch, err := proc.ProcessAll(ctx, *batchDir, *force)
		if err != nil {
			return err
		}
		fmt.Printf("Processed: %d/%d  Failed: %d  Skipped: %d  (%0.1fs)\n",
			batch.Processed, batch.TotalImages, batch.Failed, batch.Skipped, batch.TotalTimeSeconds)
		// Per-item failures are recorded in the results, not fatal.
		return nil
	}

	return nil
}

func runCheck(ctx context.Context, ix *indexatron.Indexatron, logger *slog.Logger) error {
	if !ix.IsHealthy() {
		return fmt.Errorf("cannot reach inference server, make sure it is running")
	}
	fmt.Println("Connected to inference server")

	mc, ok := ix.Describer.(indexatron.ModelChecker)
	if !ok {
		return nil
	}

	status, err := mc.CheckModels(ctx)
	if err != nil {
		return err
	}

	ready := true
	for model, available := range status {
		if available {
			fmt.Printf("  ok      %s\n", model)
		} else {
			fmt.Printf("  missing %s (run: ollama pull %s)\n", model, model)
			ready = false
		}
	}
	if ready {
		fmt.Println("Ready to analyze photos")
	} else {
		logger.Warn("some required models are missing")
	}

	return nil
}

func printJSON(v any) error {
	// The raw model response is in the artifact file, not the console.
	if pa, ok := v.(*analysis.PhotoAnalysis); ok {
		display := *pa
		display.RawResponse = ""
		v = &display
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
