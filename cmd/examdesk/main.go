package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examdesk/internal/attempt"
	"github.com/pavelanni/examdesk/internal/examdef"
	"github.com/pavelanni/examdesk/internal/export"
	"github.com/pavelanni/examdesk/internal/handler"
	appI18n "github.com/pavelanni/examdesk/internal/i18n"
	"github.com/pavelanni/examdesk/internal/llm"
	"github.com/pavelanni/examdesk/internal/llm/prompts"
	"github.com/pavelanni/examdesk/internal/llm/provider"
	"github.com/pavelanni/examdesk/internal/logging"
	"github.com/pavelanni/examdesk/internal/model"
	"github.com/pavelanni/examdesk/internal/snapshot"
	"github.com/pavelanni/examdesk/internal/store"
	"github.com/pavelanni/examdesk/internal/tokens"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: failed to load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examdesk",
		Short: "Exam practice and assessment server with AI grading",
	}

	serve := serveCmd()
	root.AddCommand(serve, loadCmd(), exportCmd(), validateLLMCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `examdesk --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "examdesk.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json, pretty)")
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-provider", "", "AI provider (claude, openai, azure, ollama, lmstudio, gemini); empty uses the stored configuration")
	f.String("llm-key", "", "API key for the AI provider")
	f.String("llm-model", "", "Model name")
	f.String("llm-url", "", "Provider base URL")
	f.String("llm-deployment", "", "Azure OpenAI deployment name")
	f.String("llm-api-version", "", "Azure OpenAI API version")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("exams", "e", nil, "Exam definition files to load at startup (repeatable)")
	f.StringP("lang", "l", "en", "Default language for messages (en, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /exams)")
	f.Bool("secure-cookies", true, "Set Secure flag on cookies")
	f.StringSlice("allowed-origins", nil, "Origins allowed to call the API cross-site")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.Int("token-budget", tokens.DefaultBudget, "AI token budget; usage above it disables AI calls")
	f.Duration("autosave-interval", attempt.DefaultAutosaveInterval, "How often in-progress attempts are snapshotted")
	f.Int("grading-concurrency", attempt.DefaultGradingConcurrency, "Parallel AI grading calls per submission")
	f.String("snapshot-backend", "sqlite", "Autosave snapshot store (sqlite, redis)")
	f.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis snapshot backend")
	f.String("admin-name", "admin", "Administrator profile created when no users exist")
	return cmd
}

func loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load FILE...",
		Short: "Validate exam definition files and store them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLoad,
	}
	addCommonFlags(cmd)
	cmd.Flags().Bool("dry-run", false, "Validate only, do not store")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exam results as CSV, XLSX or JSON",
		RunE:  runExport,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.StringP("format", "f", string(export.FormatCSV), "Output format (csv, xlsx, json)")
	f.String("detail", string(export.DetailSummary), "Detail level (summary, detailed)")
	f.String("user", "", "Only results of this user name")
	f.String("exam", "", "Only results of this exam ID")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func validateLLMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-llm",
		Short: "Check that the AI provider configuration works",
		RunE:  runValidateLLM,
	}
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)
	logging.Setup(os.Stderr, v.GetString("log-level"), v.GetString("log-format"))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("EXAMDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examdesk")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examdesk")
	v.AddConfigPath("/etc/examdesk")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(db, v.GetString("admin-name")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if err := loadExams(db, examdef.New(), v.GetStringSlice("exams"), false); err != nil {
		return fmt.Errorf("load exams: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	gw, err := newGateway(db, v)
	if err != nil {
		return err
	}

	snaps, closeSnaps, err := openSnapshots(ctx, db, v)
	if err != nil {
		return err
	}
	defer closeSnaps()

	svc := attempt.NewService(db, snaps, gw,
		attempt.WithLogger(slog.Default().With("component", "attempt")),
		attempt.WithAutosaveInterval(v.GetDuration("autosave-interval")),
		attempt.WithGradingConcurrency(v.GetInt("grading-concurrency")),
	)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		svc.Run(ctx)
	}()
	go cleanupProfiles(ctx, db)

	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	h := handler.New(db, svc, gw, handler.Config{
		BasePath:       basePath,
		SecureCookies:  v.GetBool("secure-cookies"),
		AllowedOrigins: v.GetStringSlice("allowed-origins"),
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware)

	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"lang", lang,
			"base_path", basePath,
			"snapshot_backend", v.GetString("snapshot-backend"),
			"ai_available", gw.Available(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		stop()
		<-runDone
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	<-runDone
	return nil
}

// llmConfig returns the provider configuration from flags when a provider
// is given there, otherwise the one stored by an administrator.
func llmConfig(db *store.Store, v *viper.Viper) (model.LLMConfig, error) {
	if kind := v.GetString("llm-provider"); kind != "" {
		return model.LLMConfig{
			Provider:   model.ProviderKind(kind),
			APIKey:     v.GetString("llm-key"),
			Model:      v.GetString("llm-model"),
			BaseURL:    v.GetString("llm-url"),
			Deployment: v.GetString("llm-deployment"),
			APIVersion: v.GetString("llm-api-version"),
		}, nil
	}
	stored, err := db.GetLLMConfig()
	if err != nil {
		return model.LLMConfig{}, fmt.Errorf("get LLM config: %w", err)
	}
	if stored == nil {
		return model.LLMConfig{}, nil
	}
	return *stored, nil
}

func newGateway(db *store.Store, v *viper.Viper) (*llm.Gateway, error) {
	cfg, err := llmConfig(db, v)
	if err != nil {
		return nil, err
	}
	p, err := provider.New(cfg, &http.Client{})
	if err != nil {
		return nil, fmt.Errorf("create LLM provider: %w", err)
	}

	tracker := tokens.NewTracker(v.GetInt("token-budget"))
	used, err := db.GetTokenUsage()
	if err != nil {
		return nil, fmt.Errorf("get token usage: %w", err)
	}
	tracker.Restore(used.Input, used.Output)

	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}

	gw, err := llm.New(p, tracker,
		llm.WithVariant(prompts.PromptVariant(variant)),
		llm.WithLogger(slog.Default().With("component", "llm")),
		llm.WithUsageHook(func(u tokens.Usage) {
			if err := db.SaveTokenUsage(store.TokenUsage{Input: u.Input, Output: u.Output}); err != nil {
				slog.Warn("failed to save token usage", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create LLM gateway: %w", err)
	}
	if p != nil {
		slog.Info("AI provider configured", "provider", cfg.Provider, "model", cfg.Model)
	} else {
		slog.Info("no AI provider configured, subjective answers go to manual review")
	}
	return gw, nil
}

func openSnapshots(ctx context.Context, db *store.Store, v *viper.Viper) (snapshot.Store, func(), error) {
	switch backend := v.GetString("snapshot-backend"); backend {
	case "", "sqlite":
		return db, func() {}, nil
	case "redis":
		client, err := snapshot.NewRedisClient(ctx, v.GetString("redis-url"))
		if err != nil {
			return nil, nil, err
		}
		rs := snapshot.NewRedis(client, snapshot.DefaultTTL)
		return rs, func() { _ = rs.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown snapshot backend %q", backend)
	}
}

func cleanupProfiles(ctx context.Context, db *store.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.CleanupExpiredProfileSessions(); err != nil {
				slog.Warn("failed to clean up profile sessions", "error", err)
			}
		}
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return loadExams(db, examdef.New(), args, v.GetBool("dry-run"))
}

// loadExams validates and stores exam files. Files whose content has not
// changed since the last import are skipped; changed files replace the
// stored definition.
func loadExams(db *store.Store, val *examdef.Validator, paths []string, dryRun bool) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash && !dryRun {
			slog.Info("exam file unchanged, skipping", "path", path)
			continue
		}

		exam, warnings, err := val.Parse(data)
		var invalid *examdef.InvalidError
		if errors.As(err, &invalid) {
			for _, p := range invalid.Problems {
				slog.Error("invalid exam definition", "path", path, "problem", p)
			}
			return fmt.Errorf("%s: %w", path, err)
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for _, w := range warnings {
			slog.Warn("exam definition warning", "path", path, "warning", w)
		}
		if dryRun {
			slog.Info("exam file is valid", "path", path, "exam_id", exam.ID(), "questions", len(exam.Questions))
			continue
		}

		if storedHash != "" {
			slog.Warn("exam file changed since last import, replacing definition", "path", path, "exam_id", exam.ID())
		}
		if err := db.SaveExam(exam); err != nil {
			return fmt.Errorf("save exam from %s: %w", path, err)
		}
		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("loaded exam", "path", path, "exam_id", exam.ID(), "questions", len(exam.Questions))
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func seedAdmin(db *store.Store, name string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if name = strings.TrimSpace(name); name == "" {
		return fmt.Errorf("admin name is required: set --admin-name flag or EXAMDESK_ADMIN_NAME env var")
	}
	if _, err := db.CreateUser(name, model.UserRoleAdmin); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	slog.Info("seeded admin profile", "name", name)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	format, err := export.ParseFormat(v.GetString("format"))
	if err != nil {
		return err
	}
	detail, err := export.ParseDetail(v.GetString("detail"))
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	filter := store.ResultFilter{ExamID: v.GetString("exam")}
	if name := v.GetString("user"); name != "" {
		user, err := db.GetUserByName(name)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		if user == nil {
			return fmt.Errorf("user %q not found", name)
		}
		filter.UserID = user.ID
	}

	rows, err := db.ExportResults(filter)
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := export.Write(w, format, detail, rows, time.Now()); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported results", "rows", len(rows), "format", format, "detail", detail, "output", outPath)
	return nil
}

func runValidateLLM(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cfg, err := llmConfig(db, v)
	if err != nil {
		return err
	}
	p, err := provider.New(cfg, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	gw, err := llm.New(p, nil)
	if err != nil {
		return err
	}
	defer gw.SetProvider(nil)

	res := gw.Validate(cmd.Context())
	out, _ := json.MarshalIndent(struct {
		Config model.LLMConfig `json:"config"`
		llm.Validation
	}{cfg.Redacted(), res}, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !res.Valid {
		fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("FAIL"), res.Error)
		return errors.New("AI provider configuration is not valid")
	}
	fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("OK"), cfg.Provider)
	return nil
}
