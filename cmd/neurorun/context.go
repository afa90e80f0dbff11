package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"neurorun/internal/config"
	"neurorun/internal/dataset"
	"neurorun/internal/ledger"
	"neurorun/internal/logging"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

// commandLogger returns the dataset logger, falling back to a stderr-only
// logger when the log directory cannot be opened.
func (c *commandContext) commandLogger() *slog.Logger {
	c.loggerOnce.Do(func() {
		cfg, _ := c.ensureConfig()
		logger, err := logging.NewFromConfig(cfg)
		if err != nil {
			logger, _ = logging.NewFromConfig(nil)
		}
		c.logger = logger
	})
	return c.logger
}

func (c *commandContext) openLedger() (*ledger.Ledger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return ledger.Open(cfg.Paths.LedgerPath)
}

// loadManifest reads the dataset manifest. defaultSession is used for
// manifests without a session column.
func (c *commandContext) loadManifest(defaultSession string) (*dataset.Manifest, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return dataset.LoadManifest(cfg.Dataset.Manifest, dataset.ParseOptions{
		DefaultSession:  defaultSession,
		AllowedSessions: cfg.Dataset.Sessions,
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
