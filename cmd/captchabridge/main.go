package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"captchabridge/internal/bridge"
	"captchabridge/internal/config"
	"captchabridge/internal/sandbox"
	"captchabridge/internal/widget"
)

var (
	// Global flags
	verbose    bool
	configPath string
	siteKey    string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "captchabridge",
	Short: "captchabridge - hCaptcha widget bridge for native hosts",
	Long: `captchabridge embeds the hCaptcha verification widget in a sandboxed
web surface and bridges its outcomes back over a single message channel.

It generates the bridge document for a site key, drives the widget's
lifecycle (open, execute, reset, close), and enforces a client-side
timeout so the host never waits forever on a silent widget.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// renderCmd prints the generated bridge document
var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Generate the bridge document for the configured site key",
	Long: `Builds the self-contained HTML document that hosts the widget and
prints it to stdout. The document is deterministic for a given
configuration and makes no network calls until loaded into a surface.`,
	RunE: runRender,
}

// verifyCmd runs one challenge end to end
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run one verification challenge in a headless sandbox",
	Long: `Launches a headless Chrome sandbox, loads the bridge document under
the configured base origin, opens a challenge, and prints the token
on success. Exits non-zero on error, expiry, or timeout.`,
	RunE: runVerify,
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if siteKey != "" {
		cfg.Widget.SiteKey = siteKey
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	doc := widget.BuildDocument(cfg.WidgetConfig())
	if _, err := fmt.Fprint(cmd.OutOrStdout(), doc); err != nil {
		return err
	}
	logger.Debug("document rendered",
		zap.Int("bytes", len(doc)),
		zap.Bool("enterprise", cfg.Widget.Enterprise))
	return nil
}

// outcome carries one challenge result from the bridge callbacks.
type outcome struct {
	token string
	err   error
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sb := sandbox.NewChrome(cfg.Sandbox, logger)
	defer func() {
		if err := sb.Close(); err != nil {
			logger.Warn("sandbox close failed", zap.Error(err))
		}
	}()

	results := make(chan outcome, 1)
	ctrl, err := bridge.New(sb, bridge.Callbacks{
		OnVerify: func(token string) {
			results <- outcome{token: token}
		},
		OnExpire: func() {
			results <- outcome{err: fmt.Errorf("challenge expired")}
		},
		OnError: func(reason string) {
			results <- outcome{err: fmt.Errorf("challenge failed: %s", reason)}
		},
	}, bridge.Options{
		Timeout: cfg.Timeout(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer ctrl.Teardown()

	sb.OnMessage(ctrl.HandleMessage)

	doc := widget.BuildDocument(cfg.WidgetConfig())
	logger.Info("starting sandbox",
		zap.String("base_url", cfg.Sandbox.BaseURL),
		zap.Duration("timeout", cfg.Timeout()))
	if err := sb.Start(ctx, doc); err != nil {
		return fmt.Errorf("start sandbox: %w", err)
	}

	ctrl.Open()

	select {
	case res := <-results:
		if res.err != nil {
			return res.err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.token)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&siteKey, "site-key", "k", "", "site key (overrides configuration)")

	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(verifyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
