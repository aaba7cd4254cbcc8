package main

import (
	"context"
	"encoding/json"
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

	"github.com/avolkov/voxsurvey/internal/analysis"
	"github.com/avolkov/voxsurvey/internal/flow"
	"github.com/avolkov/voxsurvey/internal/followup"
	"github.com/avolkov/voxsurvey/internal/handler"
	"github.com/avolkov/voxsurvey/internal/llm"
	"github.com/avolkov/voxsurvey/internal/model"
	"github.com/avolkov/voxsurvey/internal/session"
	"github.com/avolkov/voxsurvey/internal/speech"
	"github.com/avolkov/voxsurvey/internal/store"
	"github.com/avolkov/voxsurvey/internal/survey"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "voxsurvey",
		Short: "Voice-enabled survey engine with LLM follow-ups",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), askCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `voxsurvey --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP survey server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "voxsurvey.db", "SQLite database path")
	f.StringP("survey", "s", "survey.txt", "Path to the survey questions file")
	f.String("survey-id", "active", "Identifier for the hosted survey")
	f.String("title", "", "Survey title included in analysis snapshots")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty = api.openai.com)")
	f.String("llm-key", "", "API key for the LLM and speech endpoints")
	f.String("llm-model", "gpt-4o-mini", "Chat model for follow-up decisions and analysis")
	f.String("tts-model", "gpt-4o-mini-tts", "Text-to-speech model")
	f.String("tts-voice", "alloy", "Text-to-speech voice")
	f.String("tts-format", "mp3", "Text-to-speech output format")
	f.String("stt-model", "whisper-1", "Speech-to-text model")
	f.StringP("language", "l", "", "Transcription language hint (e.g. en)")
	f.Duration("decision-timeout", 20*time.Second, "Budget for each follow-up decision call")
	f.Duration("speech-timeout", 30*time.Second, "Budget for each synthesis/transcription call")
	f.Duration("session-ttl", 2*time.Hour, "Evict sessions idle longer than this (0 = never)")
	f.Bool("require-all-answered", false, "Block finishing while questions remain unanswered")
	f.Bool("save-every-step", false, "Persist a partial record after every accepted mutation")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored survey results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "voxsurvey.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Answer an analysis query about stored survey results",
		Args:  cobra.ExactArgs(1),
		RunE:  runAsk,
	}
	f := cmd.Flags()
	f.String("db", "voxsurvey.db", "SQLite database path")
	f.StringP("survey", "s", "survey.txt", "Path to the survey questions file")
	f.String("survey-id", "active", "Identifier of the survey to analyse")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty = api.openai.com)")
	f.String("llm-key", "", "API key for the LLM endpoint")
	f.String("llm-model", "gpt-4o-mini", "Chat model for the analysis answer")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
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

	v.SetEnvPrefix("VOXSURVEY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("voxsurvey")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/voxsurvey")
	v.AddConfigPath("/etc/voxsurvey")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	surveyID := v.GetString("survey-id")
	surveyPath := v.GetString("survey")
	sv, err := survey.Load(surveyPath, surveyID, v.GetString("title"))
	if err != nil {
		return fmt.Errorf("load survey: %w", err)
	}
	if err := db.SetMetadata(surveyID, "title", sv.Title); err != nil {
		return fmt.Errorf("store survey metadata: %w", err)
	}
	if err := db.SetMetadata(surveyID, "source", surveyPath); err != nil {
		return fmt.Errorf("store survey metadata: %w", err)
	}

	llmClient := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
	if err := llmClient.Ping(context.Background()); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	speechSvc := speech.NewOpenAIService(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("stt-model"))

	cfg := model.SurveyConfig{
		SurveyID:           surveyID,
		RequireAllAnswered: v.GetBool("require-all-answered"),
		SaveEveryStep:      v.GetBool("save-every-step"),
		DecisionTimeout:    v.GetDuration("decision-timeout"),
		SpeechTimeout:      v.GetDuration("speech-timeout"),
		SessionTTL:         v.GetDuration("session-ttl"),
		Language:           v.GetString("language"),
	}
	voice := model.VoiceConfig{
		Model:  v.GetString("tts-model"),
		Voice:  v.GetString("tts-voice"),
		Format: v.GetString("tts-format"),
	}

	sessions := session.NewManager()
	narration := speech.NewPromptCache(speechSvc, cfg.SpeechTimeout)

	ctrl := flow.New(sv.Questions, sessions, cfg)
	ctrl.OnAnswerChanged(narration.Invalidate)

	engine := followup.NewEngine(sv.Questions, sessions, llmClient, cfg.DecisionTimeout)

	h := handler.New(handler.Deps{
		Flow:        ctrl,
		FollowUps:   engine,
		Sessions:    sessions,
		Narration:   narration,
		Transcriber: speechSvc,
		Results:     db,
		Analyzer:    analysis.NewAgent(llmClient),
		Survey:      sv,
		Voice:       voice,
		Config:      cfg,
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	if cfg.SessionTTL > 0 {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				if n := sessions.EvictIdle(cfg.SessionTTL); n > 0 {
					slog.Info("evicted idle sessions", "count", n)
				}
			}
		}()
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"survey_id", surveyID,
		"questions", len(sv.Questions),
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"tts_voice", voice.Voice,
		"require_all_answered", cfg.RequireAllAnswered,
		"save_every_step", cfg.SaveEveryStep,
	)
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ids, err := db.ListSurveyIDs()
	if err != nil {
		return fmt.Errorf("list surveys: %w", err)
	}

	export := model.SurveyExport{ExportedAt: time.Now()}
	for _, id := range ids {
		rec, err := db.LoadResult(id)
		if err != nil {
			return fmt.Errorf("load result %s: %w", id, err)
		}
		if rec == nil {
			continue
		}
		title, err := db.GetMetadata(id, "title")
		if err != nil {
			return fmt.Errorf("load metadata %s: %w", id, err)
		}
		export.Results = append(export.Results, model.SurveyResultExport{
			SurveyID: id,
			Title:    title,
			Record:   *rec,
		})
	}

	data, err := json.MarshalIndent(export, "", "  ")
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

func runAsk(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	surveyID := v.GetString("survey-id")
	title, err := db.GetMetadata(surveyID, "title")
	if err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}
	sv, err := survey.Load(v.GetString("survey"), surveyID, title)
	if err != nil {
		return fmt.Errorf("load survey: %w", err)
	}

	rec, err := db.LoadResult(surveyID)
	if err != nil {
		return fmt.Errorf("load result: %w", err)
	}

	llmClient := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
	agent := analysis.NewAgent(llmClient)

	answer, err := agent.AnswerQuery(context.Background(), analysis.BuildSnapshot(sv, rec), args[0])
	if err != nil {
		return fmt.Errorf("analysis query: %w", err)
	}

	fmt.Println(answer)
	return nil
}
