package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EdoardoFiore/madmin/internal/config"
	"github.com/EdoardoFiore/madmin/internal/database"
	"github.com/EdoardoFiore/madmin/internal/logger"
	"github.com/EdoardoFiore/madmin/internal/services"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "madminfw",
	Short: "Machine firewall rule and chain management",
	Long: `madminfw drives the madmin machine firewall engine: stored rules are
compiled into the MADMIN iptables chains, module chains are jumped to in
priority order after the core chain, and the live rule-set is persisted so it
survives reboot.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to configuration file (default "+config.DefaultPath+")")

	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(chainsCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(bootCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(installServiceCmd)
}

// app bundles everything a command needs. Close releases the database.
type app struct {
	cfg    *config.Config
	log    *zap.SugaredLogger
	db     *database.DB
	engine *services.Engine
}

func (a *app) Close() {
	a.db.Close()
	a.log.Sync()
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	log := logger.New(cfg.Logging)

	db, err := database.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	var runner services.Runner = services.NewExecRunner(cfg.Firewall.CommandTimeout)
	if cfg.Firewall.Mock {
		runner = services.NewMockRunner(log)
	}

	rules := services.NewRuleStore(db)
	chains := services.NewChainRegistry(db)
	persist := services.NewPersistService(log, runner, cfg.Firewall, rules, chains)
	synchro := services.NewSynchronizer(log, runner, rules, chains, persist)
	engine := services.NewEngine(log, rules, chains, synchro, persist, services.NewNetlinkService())

	return &app{cfg: cfg, log: log, db: db, engine: engine}, nil
}
