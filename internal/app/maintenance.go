package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"opsagent/internal/config"
	"opsagent/internal/storage"
	"opsagent/internal/task/engine"
	logx "opsagent/pkg/logx"
)

const (
	scheduleMaintenance = "storage.prune"
	defaultMaintenance  = "0 4 * * *"
	defaultRetention    = 30 * 24 * time.Hour
)

type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (storage.PruneResult, error)
}

// maintenanceJob prunes rows older than retention. A failed prune is not
// retried by the engine; the next scheduled run picks it up.
func maintenanceJob(db pruner, retention time.Duration, log logx.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		res, err := db.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			return engine.NoRetry(fmt.Errorf("prune: %w", err))
		}
		if res.Reminders > 0 || res.Chat > 0 {
			log.Info("storage pruned", logx.Int64("reminders", res.Reminders), logx.Int64("chat", res.Chat))
		}
		return nil
	}
}

// registerMaintenance schedules the prune job. A zero retention disables it.
func (a *App) registerMaintenance(cfg *config.Config) error {
	raw := strings.TrimSpace(cfg.Storage.Retention)
	retention, err := config.ParseDurationField("storage.retention", raw)
	if err != nil {
		return err
	}
	switch {
	case raw == "":
		retention = defaultRetention
	case retention <= 0:
		return nil
	}
	spec := strings.TrimSpace(cfg.Scheduler.Maintenance)
	if spec == "" {
		spec = defaultMaintenance
	}
	_, err = a.sched.AddSchedule(scheduleMaintenance, spec, time.Minute, maintenanceJob(a.db, retention, a.log))
	return err
}
