package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/pms/internal/blob"
	"github.com/pavelanni/pms/internal/handler"
	appI18n "github.com/pavelanni/pms/internal/i18n"
	"github.com/pavelanni/pms/internal/llm"
	"github.com/pavelanni/pms/internal/llm/prompts"
	"github.com/pavelanni/pms/internal/model"
	"github.com/pavelanni/pms/internal/relay"
	"github.com/pavelanni/pms/internal/session"
	"github.com/pavelanni/pms/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pms",
		Short: "Practical exam management server",
	}

	serve := serveCmd()
	root.AddCommand(serve, relayCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the exam API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "pms.db", "SQLite database path")
	f.String("blob-dir", "uploads", "Directory for uploaded answer files")
	f.StringP("lang", "l", "en", "Default language (en, ru)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Initial admin password (or set PMS_ADMIN_PASSWORD)")
	f.String("llm-url", "", "OpenAI-compatible API base URL; empty disables score suggestions")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.Standard), "Suggestion prompt variant (strict, standard, lenient)")
	addLogFlags(cmd)
	return cmd
}

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Start the local upload relay",
		RunE:  runRelay,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":5000", "HTTP listen address")
	f.String("root", "relay", "Directory that receives uploads")
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a session's attendance or results as xlsx",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "pms.db", "SQLite database path")
	f.StringP("session", "s", "", "Session code (required)")
	f.String("kind", "results", "Export kind (attendance, results)")
	f.StringP("output", "o", "", "Output file path (default <session>_<kind>.xlsx, - for stdout)")
	f.StringP("lang", "l", "en", "Sheet language (en, ru)")
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PMS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("pms")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/pms")
	v.AddConfigPath("/etc/pms")
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
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if err := db.CleanupExpiredSessions(ctx); err != nil {
		slog.Warn("failed to clean up expired sessions", "error", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	blobs, err := blob.New(v.GetString("blob-dir"), "/files")
	if err != nil {
		return fmt.Errorf("open blob storage: %w", err)
	}

	var opts []session.Option
	if url := v.GetString("llm-url"); url != "" {
		variant := prompts.Variant(strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant"))))
		if !prompts.IsValidVariant(string(variant)) {
			slog.Warn("invalid prompt-variant, using standard", "variant", variant)
			variant = prompts.Standard
		}
		client, err := llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"), variant)
		if err != nil {
			return fmt.Errorf("create LLM client: %w", err)
		}
		opts = append(opts, session.WithSuggester(client))
		slog.Info("score suggestions enabled", "url", url, "model", v.GetString("llm-model"), "variant", variant)
	}

	ctrl := session.New(db, blobs, opts...)
	h := handler.New(db, ctrl, blobs, handler.Config{SecureCookies: v.GetBool("secure-cookies")})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"blob_dir", blobs.Root(),
		"lang", lang,
	)
	return http.ListenAndServe(addr, r)
}

func runRelay(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	srv, err := relay.New(v.GetString("root"), 0)
	if err != nil {
		return err
	}
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	srv.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting upload relay", "addr", addr, "root", v.GetString("root"))
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx = appI18n.WithLang(ctx, lang)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	code := v.GetString("session")
	kind := strings.ToLower(v.GetString("kind"))
	ctrl := session.New(db, nil)
	actor := model.Actor{Role: model.UserRoleAdmin, Username: "cli"}

	var export func(io.Writer) error
	switch kind {
	case "attendance":
		export = func(w io.Writer) error { return ctrl.ExportAttendance(ctx, actor, code, w) }
	case "results":
		export = func(w io.Writer) error { return ctrl.ExportResults(ctx, actor, code, w) }
	default:
		return fmt.Errorf("unknown export kind %q (want attendance or results)", kind)
	}

	outPath := v.GetString("output")
	if outPath == "" {
		outPath = fmt.Sprintf("%s_%s.xlsx", code, kind)
	}
	if outPath == "-" {
		return export(os.Stdout)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := export(f); err != nil {
		f.Close()
		os.Remove(outPath)
		return fmt.Errorf("export %s: %w", kind, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	slog.Info("exported", "session_code", code, "kind", kind, "path", outPath)
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or PMS_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
