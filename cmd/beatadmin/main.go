package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jask/beatadmin/internal/config"
	"github.com/jask/beatadmin/internal/logging"
	"github.com/jask/beatadmin/internal/tui"
)

var (
	// Global flags
	cfgFile string
	verbose bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "beatadmin",
	Short: "Admin panel for the beat catalog and storefront settings",
	Long: `beatadmin manages the beat catalog (uploads, listing, deletion) and the
storefront contact numbers, exactly one of which is active at a time.

Run without arguments to open the interactive admin screens.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadFile(cfgFile)
		if err != nil {
			return err
		}
		logCfg := cfg.Log
		// scripted commands own no screen, so verbose output can go to stderr
		if verbose && cmd != cmd.Root() {
			logCfg.Path = ""
		}
		logger, err = logging.New(logCfg, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.Debug("config loaded", zap.String("db", cfg.Database.Path), zap.String("strategy", cfg.Selection.Strategy))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runInteractive,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("BEATADMIN_CONFIG"), "Config file (default ~/.config/beatadmin/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(phonesCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInteractive(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// another beatadmin process writing the same database shows up live
	if err := a.docs.WatchFile(cfg.Database.Path); err != nil {
		logger.Warn("cross-process updates disabled", zap.Error(err))
	}

	p := tea.NewProgram(tui.New(ctx, cfg, tui.Services{
		Catalog:     a.catalog,
		Phones:      a.phones,
		Maintenance: a.maintenance,
	}, logger), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
