// Package builtin assembles the executor set for every step kind.
package builtin

import (
	"log/slog"

	"github.com/ricardoadorno/automacao/internal/env"
	"github.com/ricardoadorno/automacao/pkg/steps"
	"github.com/ricardoadorno/automacao/pkg/steps/api"
	"github.com/ricardoadorno/automacao/pkg/steps/browser"
	"github.com/ricardoadorno/automacao/pkg/steps/cli"
	"github.com/ricardoadorno/automacao/pkg/steps/logstream"
	"github.com/ricardoadorno/automacao/pkg/steps/specialist"
	"github.com/ricardoadorno/automacao/pkg/steps/sqlevidence"
	"github.com/ricardoadorno/automacao/pkg/steps/tabular"
)

// New returns a fresh executor set. Executors hold per-run resources (browser
// session, database pools), so callers build one set per run and close it.
func New(cfg env.Config, logger *slog.Logger) *steps.Set {
	return &steps.Set{
		Browser: browser.New(browser.WithLogger(logger)),
		API:     api.New(api.Config{Timeout: cfg.HTTPTimeout, Logger: logger}),
		SQL: sqlevidence.New(sqlevidence.Config{
			MaxOpenConns: cfg.SQLMaxOpenConns,
			PingTimeout:  cfg.SQLPingTimeout,
			Logger:       logger,
		}),
		CLI:        cli.New(cli.Config{Logger: logger}),
		Specialist: specialist.New(),
		Logstream: logstream.New(logstream.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			Logger:    logger,
		}),
		Tabular: tabular.New(),
	}
}
