package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/statement-digitizer/internal/ledger"
	"github.com/zombor/statement-digitizer/internal/logger"
	"github.com/zombor/statement-digitizer/internal/normalize"
	"github.com/zombor/statement-digitizer/internal/scanning"
	"github.com/zombor/statement-digitizer/internal/server"
	"github.com/zombor/statement-digitizer/internal/statement"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type config struct {
	port        *int
	dbPath      *string
	storagePath *string
	provider    *string

	azureEndpoint   *string
	azureKey        *string
	azureDeployment *string
	azureAPIVersion *string
	geminiKey       *string
	geminiModel     *string
	ollamaURL       *string
	ollamaModel     *string

	maxDimension *int
	maxAttempts  *int
	callTimeout  *time.Duration
	batchTimeout *time.Duration
	workers      *int
	rateLimit    *float64

	noDeskew        *bool
	noShadowRemoval *bool
	noEnhance       *bool
	shadowStrength  *float64
	maxSkew         *float64

	out       *string
	authUser  *string
	authPass  *string
	logLevel  *string
	logFormat *string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	flags := ff.NewFlagSet("statement-digitizer")
	cfg := config{
		port:        flags.IntLong("port", 8080, "HTTP server port"),
		dbPath:      flags.StringLong("db", "statements.db", "Ledger database file path"),
		storagePath: flags.StringLong("storage", "./uploads", "Directory for archived uploads"),
		provider:    flags.StringLong("provider", "azure", "Model provider: 'azure', 'gemini' or 'ollama'"),

		azureEndpoint:   flags.StringLong("azure-endpoint", "", "Azure OpenAI endpoint (or set AZURE_OPENAI_ENDPOINT)"),
		azureKey:        flags.StringLong("azure-key", "", "Azure OpenAI API key (or set AZURE_OPENAI_API_KEY)"),
		azureDeployment: flags.StringLong("azure-deployment", "", "Azure OpenAI deployment name (or set AZURE_OPENAI_DEPLOYMENT_NAME)"),
		azureAPIVersion: flags.StringLong("azure-api-version", scanning.DefaultAzureAPIVersion, "Azure OpenAI API version"),
		geminiKey:       flags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY)"),
		geminiModel:     flags.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name"),
		ollamaURL:       flags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		ollamaModel:     flags.StringLong("ollama-model", "qwen2.5vl:7b", "Ollama vision model name"),

		maxDimension: flags.IntLong("max-dimension", scanning.DefaultMaxDimension, "Longest image side sent to the model, in pixels"),
		maxAttempts:  flags.IntLong("max-attempts", 4, "Attempts per image for transient model errors"),
		callTimeout:  flags.DurationLong("call-timeout", 60*time.Second, "Timeout for a single model call"),
		batchTimeout: flags.DurationLong("batch-timeout", 5*time.Minute, "Timeout for a whole batch"),
		workers:      flags.IntLong("workers", 4, "Images processed concurrently"),
		rateLimit:    flags.Float64Long("rate-limit", 0, "Model calls per second, 0 for unlimited"),

		noDeskew:        flags.BoolLong("no-deskew", "Disable skew correction"),
		noShadowRemoval: flags.BoolLong("no-shadow-removal", "Disable shadow and glare removal"),
		noEnhance:       flags.BoolLong("no-enhance", "Disable contrast stretch and sharpening"),
		shadowStrength:  flags.Float64Long("shadow-strength", 1.0, "Shadow removal strength between 0 and 1"),
		maxSkew:         flags.Float64Long("max-skew", 45, "Largest skew angle corrected, in degrees"),

		out:       flags.StringLong("out", "", "Batch mode output file (.csv or .xlsx); stdout CSV when empty"),
		authUser:  flags.StringLong("auth-user", "", "Basic auth username (optional)"),
		authPass:  flags.StringLong("auth-pass", "", "Basic auth password (optional)"),
		logLevel:  flags.StringLong("log-level", "info", "Log level: debug, info, warn or error"),
		logFormat: flags.StringLong("log-format", "text", "Log format: text or json"),
	}
	_ = flags.BoolLong("version", "Show version information")

	if err := ff.Parse(flags, os.Args[1:],
		ff.WithEnvVarPrefix("STATEMENT_DIGITIZER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(logger.New(*cfg.logLevel, *cfg.logFormat, os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize model provider", "provider", *cfg.provider, "error", err)
		os.Exit(1)
	}
	defer provider.Close()

	client := scanning.NewClient(provider, scanning.ClientConfig{
		MaxAttempts: *cfg.maxAttempts,
		CallTimeout: *cfg.callTimeout,
		RateLimit:   *cfg.rateLimit,
	}, slog.Default())

	pipeline := statement.NewPipeline(client, statement.Config{
		Workers:      *cfg.workers,
		BatchTimeout: *cfg.batchTimeout,
		MaxDimension: *cfg.maxDimension,
		Normalize: normalize.Options{
			Deskew:         !*cfg.noDeskew,
			MaxSkew:        *cfg.maxSkew,
			ShadowRemoval:  !*cfg.noShadowRemoval,
			ShadowStrength: *cfg.shadowStrength,
			Enhance:        !*cfg.noEnhance,
			SharpenSigma:   normalize.DefaultOptions().SharpenSigma,
		},
		Schema: scanning.StatementSchema,
	}, slog.Default())

	if args := flags.GetArgs(); len(args) > 0 {
		if err := runBatch(ctx, pipeline, args, *cfg.out); err != nil {
			slog.Error("Batch failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, pipeline, cfg); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}

func newProvider(ctx context.Context, cfg config) (scanning.Provider, error) {
	switch *cfg.provider {
	case "azure":
		azure := scanning.AzureConfig{
			Endpoint:   firstNonEmpty(*cfg.azureEndpoint, os.Getenv("AZURE_OPENAI_ENDPOINT")),
			APIKey:     firstNonEmpty(*cfg.azureKey, os.Getenv("AZURE_OPENAI_API_KEY")),
			Deployment: firstNonEmpty(*cfg.azureDeployment, os.Getenv("AZURE_OPENAI_DEPLOYMENT_NAME")),
			APIVersion: *cfg.azureAPIVersion,
		}
		slog.Info("Initializing Azure OpenAI provider...", "endpoint", azure.Endpoint, "deployment", azure.Deployment)
		return scanning.NewAzure(azure)
	case "gemini":
		apiKey := firstNonEmpty(*cfg.geminiKey, os.Getenv("GEMINI_API_KEY"))
		slog.Info("Initializing Gemini provider...", "model", *cfg.geminiModel)
		return scanning.NewGemini(ctx, apiKey, *cfg.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama provider...", "url", *cfg.ollamaURL, "model", *cfg.ollamaModel)
		return scanning.NewOllama(*cfg.ollamaURL, *cfg.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid provider %q, valid: azure, gemini or ollama", *cfg.provider)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// runBatch extracts the given image files and writes one table.
func runBatch(ctx context.Context, pipeline *statement.Pipeline, paths []string, out string) error {
	uploads := make([]statement.Upload, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		uploads = append(uploads, statement.Upload{Name: filepath.Base(p), Data: data})
	}

	result, err := pipeline.RunUploads(ctx, uploads)
	if err != nil {
		return err
	}
	for _, e := range result.Errors {
		slog.Warn("Image failed", "index", e.Index, "source", e.Source, "stage", e.Stage, "error", e.Err)
	}
	for _, w := range result.Table.Warnings {
		slog.Warn("Row needs review", "ref", w.Ref, "issues", w.Message)
	}

	if out == "" {
		return statement.WriteCSV(os.Stdout, result.Table)
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(out), ".xlsx") {
		err = statement.WriteXLSX(f, result.Table)
	} else {
		err = statement.WriteCSV(f, result.Table)
	}
	if err != nil {
		return err
	}
	slog.Info("Wrote transactions", "path", out, "rows", len(result.Table.Records), "image_errors", len(result.Errors))
	return f.Close()
}

func serve(ctx context.Context, pipeline *statement.Pipeline, cfg config) error {
	slog.Info("Initializing database...")
	db, err := ledger.NewBoltDB(*cfg.dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	slog.Info("Initializing storage...")
	store, err := server.NewLocalStorage(*cfg.storagePath)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	ledgerService := ledger.NewService(db)
	srv := server.NewServer(server.NewService(pipeline, ledgerService, store), ledgerService, server.BasicAuth{
		Username: *cfg.authUser,
		Password: *cfg.authPass,
	})

	httpServer := srv.NewHTTPServer(fmt.Sprintf(":%d", *cfg.port))
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", fmt.Sprintf("http://localhost%s", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()
	if *cfg.authUser != "" || *cfg.authPass != "" {
		slog.Info("Basic auth enabled", "user", *cfg.authUser)
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
