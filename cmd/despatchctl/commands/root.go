package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"despatchflow/cmd/despatchctl/ui"
	"despatchflow/internal/config"
	"despatchflow/internal/convert"
	"despatchflow/internal/history"
	"despatchflow/internal/ingest"
	"despatchflow/internal/mailer"
	"despatchflow/internal/models"
	"despatchflow/internal/observability"
	"despatchflow/internal/workflow"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "despatchctl",
	Short: "Convert invoices into despatch advice and email them",
	Long: `despatchctl drives the same conversion workflow as the web app from the
command line: read invoice XML files, convert them with the conversion
service, and email the resulting despatch advice.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init(noColor)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("DESPATCH_CONFIG"), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// runtime holds the clients shared by one command invocation.
type runtime struct {
	cfg       *config.Config
	logger    zerolog.Logger
	converter *convert.Client
	sender    *mailer.Client
	history   history.Store
	operator  string
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      "console",
		Output:      os.Stderr,
		ServiceName: "despatchctl",
	})

	converter, err := convert.NewClient(convert.Config{
		Endpoint: cfg.Endpoints.ConversionURL,
		Timeout:  cfg.Endpoints.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	sender, err := mailer.NewClient(mailer.Config{
		Endpoint: cfg.Endpoints.EmailURL,
		Timeout:  cfg.Endpoints.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	store, err := history.Open(ctx, cfg.History.Backend, cfg.History.Redis())
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		converter: converter,
		sender:    sender,
		history:   store,
		operator:  operatorName(),
	}, nil
}

// controller starts a fresh workflow; each file gets its own.
func (rt *runtime) controller() *workflow.Controller {
	session := models.Session{
		ID:         uuid.NewString(),
		Name:       rt.operator,
		SignedInAt: time.Now().UTC(),
	}
	return workflow.New(session, rt.converter, rt.sender,
		workflow.WithLogger(rt.logger),
		workflow.WithIngester(ingest.NewAdapter(rt.cfg.Ingest.MaxBytes)),
		workflow.WithHistory(rt.history),
	)
}

func (rt *runtime) Close() {
	_ = rt.history.Close()
}

func operatorName() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "despatchctl"
}
