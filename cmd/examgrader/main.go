package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/minqiy/examgrader/internal/ai"
	"github.com/minqiy/examgrader/internal/exam"
	"github.com/minqiy/examgrader/internal/handler"
	appI18n "github.com/minqiy/examgrader/internal/i18n"
	"github.com/minqiy/examgrader/internal/schema"
	"github.com/minqiy/examgrader/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examgrader",
		Short: "Exam paper grading server with AI-assisted scoring",
	}

	serve := serveCmd()
	root.AddCommand(serve, validateCmd(), gradeCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `examgrader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addAIFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("ai-url", "", "OpenAI-compatible API base URL")
	f.String("ai-key", "", "API key for the AI provider")
	f.String("ai-model", "", "AI model name")
	f.Int("ai-timeout-ms", 60000, "AI request timeout in milliseconds")
	f.String("ai-server", "", "Base URL of another grading server to delegate to instead of calling the AI provider directly")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8787", "HTTP listen address")
	f.String("db", "examgrader.db", "SQLite database path")
	f.StringSliceP("exam", "e", nil, "Paths to exam paper JSON files to import at startup (repeatable)")
	f.StringP("lang", "l", "en", "Message language (en, zh)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	addAIFlags(cmd)
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate exam paper JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade a stored exam and print a JSON report",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.String("db", "examgrader.db", "SQLite database path")
	f.String("exam-id", "", "Exam identifier (defaults to the current exam)")
	f.Bool("ai", false, "Run AI grading for open-ended answers before reporting")
	f.Bool("regrade", false, "With --ai, regrade answers that already carry an AI grade")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	addAIFlags(cmd)
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

	v.SetEnvPrefix("EXAMGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examgrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examgrader")
	v.AddConfigPath("/etc/examgrader")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// aiBackend picks the grading backend: a remote grading server when
// --ai-server is set, otherwise the in-process AI client.
func aiBackend(v *viper.Viper) ai.Backend {
	if server := v.GetString("ai-server"); server != "" {
		slog.Info("delegating AI grading to remote server", "url", server)
		return ai.NewRemoteClient(server, nil)
	}
	return ai.New(ai.Config{
		BaseURL: v.GetString("ai-url"),
		APIKey:  v.GetString("ai-key"),
		Model:   v.GetString("ai-model"),
		Timeout: time.Duration(v.GetInt("ai-timeout-ms")) * time.Millisecond,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := importExams(db, v.GetStringSlice("exam")); err != nil {
		return fmt.Errorf("import exams: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	backend := aiBackend(v)
	health, err := backend.Health(context.Background())
	if err != nil {
		return fmt.Errorf("AI health check: %w", err)
	}
	if !health.HasConfig {
		slog.Warn("AI backend not configured; grading requests will fail",
			"hint", "set --ai-url / --ai-key / --ai-model or the EXAMGRADER_AI_* env vars")
	} else {
		slog.Info("AI endpoint configured", "url", v.GetString("ai-url"), "model", v.GetString("ai-model"))
	}

	h, err := handler.New(db, backend)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"model", v.GetString("ai-model"),
		"ai_url", v.GetString("ai-url"),
		"lang", lang,
	)
	return http.ListenAndServe(addr, r)
}

func runValidate(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)

	failed := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		paper, err := schema.AssertExamPaper(data)
		if err != nil {
			failed++
			var vErr *schema.ValidationError
			if errors.As(err, &vErr) {
				fmt.Fprintf(os.Stderr, "%s: %d issue(s)\n", path, len(vErr.Issues))
				for _, issue := range vErr.Issues {
					fmt.Fprintf(os.Stderr, "  %s: %s\n", issue.Path, issue.Message)
				}
				continue
			}
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		fmt.Printf("%s: ok (%s, %d questions)\n", path, paper.ExamMeta.Title, len(paper.AllQuestions()))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed validation", failed, len(args))
	}
	return nil
}

func runGrade(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	examID := v.GetString("exam-id")
	if examID == "" {
		examID, err = db.CurrentExam()
		if err != nil {
			return fmt.Errorf("look up current exam: %w", err)
		}
		if examID == "" {
			return fmt.Errorf("no exam selected: pass --exam-id or import a paper first")
		}
	}

	if v.GetBool("ai") {
		if err := runAIGrading(db, examID, aiBackend(v), v.GetBool("regrade")); err != nil {
			return err
		}
	}

	report, err := db.BuildReport(examID)
	if err != nil {
		return fmt.Errorf("build report: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
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

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

// runAIGrading loads a stored exam into a session, runs one AI pass, and
// writes the merged grades back.
func runAIGrading(db *store.Store, examID string, backend ai.Backend, regrade bool) error {
	paper, err := db.GetPaper(examID)
	if err != nil {
		return fmt.Errorf("get paper: %w", err)
	}
	if paper == nil {
		return fmt.Errorf("exam %s not found", examID)
	}
	answers, err := db.GetAnswers(examID)
	if err != nil {
		return fmt.Errorf("get answers: %w", err)
	}
	submitted, err := db.Submitted(examID)
	if err != nil {
		return fmt.Errorf("get submit state: %w", err)
	}
	if !submitted {
		return fmt.Errorf("exam %s is not submitted yet", examID)
	}

	sess := exam.NewSession(paper, backend)
	sess.Restore(answers, submitted)

	outcome, err := sess.GradeWithAI(context.Background(), exam.GradeOptions{Regrade: regrade})
	if err != nil {
		return fmt.Errorf("AI grading: %w", err)
	}
	if err := db.SaveAnswers(examID, sess.Answers()); err != nil {
		return fmt.Errorf("save answers: %w", err)
	}
	if outcome.Graded > 0 {
		_ = db.SetMetadata(store.MetaGradingModel, outcome.Model)
	}
	slog.Info("AI grading finished", "exam", examID, "graded", outcome.Graded, "model", outcome.Model)
	return nil
}

func importExams(db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		paper, err := schema.AssertExamPaper(data)
		if err != nil {
			var vErr *schema.ValidationError
			if errors.As(err, &vErr) {
				for _, issue := range vErr.Issues {
					slog.Error("exam paper rejected", "path", path, "at", issue.Path, "reason", issue.Message)
				}
			}
			return fmt.Errorf("validate %s: %w", path, err)
		}
		if err := db.SavePaper(paper); err != nil {
			return fmt.Errorf("store %s: %w", path, err)
		}
		if err := db.SetCurrentExam(paper.ExamMeta.ID); err != nil {
			return fmt.Errorf("record current exam: %w", err)
		}
		slog.Info("imported exam paper", "path", path,
			"id", paper.ExamMeta.ID, "title", paper.ExamMeta.Title,
			"questions", len(paper.AllQuestions()))
	}
	return nil
}
