// Command deepresearch answers a question by searching the web, reading
// pages and checking its own answers.
//
// Usage:
//
//	deepresearch ask "Who designed the Go gopher?"
//	deepresearch ask --prompt-file question.txt --config research.yaml --metrics-addr :2112
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/smhanov/deepresearch"
	"github.com/smhanov/deepresearch/config"
)

var (
	configPath  string
	verbose     bool
	metricsAddr string
	budget      int
	backends    []string
	promptFile  string
)

// rootCmd is the base command
var rootCmd = &cobra.Command{
	Use:           "deepresearch",
	Short:         "Research agent that searches, reads and verifies before answering",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// askCmd runs one research session
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Research a question and print the answer",
	Long: `Research a question and print a referenced answer.

The question is taken from the arguments or from --prompt-file. API keys are
read from the environment and from .env.local / .env in the working directory.`,
	RunE: runAsk,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging, including prompts and raw model output")
	askCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :2112)")
	askCmd.Flags().IntVar(&budget, "budget", 0, "override max_token_budget")
	askCmd.Flags().StringSliceVar(&backends, "search", nil, "override search backends (duckduckgo, brave, tavily)")
	askCmd.Flags().StringVarP(&promptFile, "prompt-file", "f", "", "read the question from this file")
	rootCmd.AddCommand(askCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func readQuestion(args []string) (string, error) {
	if promptFile != "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return "", fmt.Errorf("reading prompt file: %w", err)
		}
		if q := strings.TrimSpace(string(data)); q != "" {
			return q, nil
		}
		return "", errors.New("prompt file is empty")
	}
	q := strings.TrimSpace(strings.Join(args, " "))
	if q == "" {
		return "", errors.New("a question is required (argument or --prompt-file)")
	}
	return q, nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	question, err := readQuestion(args)
	if err != nil {
		return err
	}

	logger, err := newLogger(verbose)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if budget > 0 {
		cfg.MaxTokenBudget = budget
	}
	if len(backends) > 0 {
		cfg.SearchStep.Backends = backends
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	opts, err := cfg.Build(ctx, logger)
	if err != nil {
		return fmt.Errorf("building providers: %w", err)
	}
	out := cmd.OutOrStdout()
	opts = append(opts, deepresearch.WithStepHook(func(ev deepresearch.StepEvent) {
		fmt.Fprintf(out, "[step %d] %s (%d tokens used)\n", ev.Step, ev.Action, ev.UsedTokens)
		if ev.Think != "" {
			fmt.Fprintf(out, "  thinking: %s\n", ev.Think)
		}
	}))

	agent := deepresearch.New(opts...)
	fmt.Fprintf(out, "Question: %s\n\n", question)

	res, err := agent.Research(ctx, question)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%s\n\n", res.Markdown())
	label := string(res.StopReason)
	if res.Forced {
		label += ", forced"
	}
	fmt.Fprintf(out, "(stop reason: %s; steps: %d; tokens: %d)\n", label, res.Steps, res.UsedTokens)
	return nil
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server listening", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
