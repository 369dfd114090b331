package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/s0up4200/kbq/config"
	"github.com/s0up4200/kbq/kb"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
	client  kb.API

	// Global flags, resolved through config.Load
	baseURL         string
	apiKey          string
	sessionToken    string
	orgID           string
	kbID            string
	timeout         time.Duration
	retries         int
	retryDelay      time.Duration
	managedIdentity bool
	logLevel        string
	logFormat       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kbq",
	Short: "Query and stream from a knowledge-base API",
	Long: `kbq is a CLI for a remote knowledge-base service. It sends requests with
retries and per-attempt timeouts, streams long responses, and runs SQL
queries scoped to an organization and knowledge base.

Settings come from flags, KBQ_* environment variables, or a config file
(./config.yaml, ~/.kbq/config.yaml, /etc/kbq/config.yaml).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if apiErr, ok := kb.AsAPIError(err); ok && apiErr.IsConfig() {
			fmt.Fprintln(os.Stderr, "configuration error:", err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	pf.StringVar(&baseURL, "base-url", "", "base URL of the API")
	pf.StringVar(&apiKey, "api-key", "", "API key sent as a bearer token")
	pf.StringVar(&sessionToken, "session-token", "", "session token used when no API key is set")
	pf.StringVar(&orgID, "org-id", "", "default organization id for queries")
	pf.StringVar(&kbID, "kb-id", "", "default knowledge-base id for queries")
	pf.DurationVar(&timeout, "timeout", 0, "per-attempt timeout (0 disables)")
	pf.IntVar(&retries, "retries", 0, "retry attempts for transient failures")
	pf.DurationVar(&retryDelay, "retry-delay", 0, "base delay for linear backoff")
	pf.BoolVar(&managedIdentity, "managed-identity", false, "session tokens come from a managed identity provider")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "log format (console, json)")
}

// initializeApp loads configuration and creates the API client
func initializeApp(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger = setupLogger(cfg.Logging)

	client, err = kb.NewClient(cfg.ClientConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	logger.Debug().
		Str("base_url", cfg.API.BaseURL).
		Str("config_file", cfg.File()).
		Msg("Client initialized")

	return nil
}

// setupLogger configures the zerolog logger
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    !cfg.Color || !isTerminal(os.Stderr),
	}

	return zerolog.New(output).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

