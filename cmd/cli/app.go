package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"crmflow/internal/config"
	"crmflow/internal/database"
	"crmflow/internal/models"
	"crmflow/internal/observability"
	"crmflow/internal/services"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app holds what every command needs.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	db     *gorm.DB
	engine *services.AutomationEngine

	shutdown observability.ShutdownFunc
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, err
	}
	logger, err := config.InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	shutdown, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		logger.Warnf("init tracing: %v", err)
		shutdown = func(context.Context) error { return nil }
	}

	db, err := database.Open(cfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	loc, err := cfg.Sequences.Location()
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	engine := services.NewAutomationEngine(db, logger, services.EngineOptions{
		Automation: services.AutomationOptions{
			MaxDepth:            cfg.Automation.MaxDepth,
			ExecutionLogCap:     cfg.Automation.ExecutionLogCap,
			TriggerDeleteWindow: cfg.Automation.TriggerDeleteWindow,
		},
		Sequences: services.SequenceOptions{
			Location:         loc,
			DefaultTimeOfDay: cfg.Sequences.DefaultTimeOfDay,
		},
		AuditLogCap:        cfg.Automation.AuditLogCap,
		UniqueCheckTimeout: cfg.Automation.UniqueCheckTimeout,
	})

	return &app{cfg: cfg, logger: logger, db: db, engine: engine, shutdown: shutdown}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warnf("shutdown tracing: %v", err)
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warnf("close database: %v", err)
	}
}

// readEntity 从文件或标准输入("-")读取 JSON 实体
func readEntity(path string) (models.Entity, error) {
	if path == "" {
		return nil, nil
	}
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var entity models.Entity
	if err := json.NewDecoder(r).Decode(&entity); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return entity, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
