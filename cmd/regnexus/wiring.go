package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/regnexus/pkg/archive"
	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
	"github.com/Mindburn-Labs/regnexus/pkg/config"
	"github.com/Mindburn-Labs/regnexus/pkg/drift"
	"github.com/Mindburn-Labs/regnexus/pkg/harmonize"
	"github.com/Mindburn-Labs/regnexus/pkg/history"
	"github.com/Mindburn-Labs/regnexus/pkg/notify"
	"github.com/Mindburn-Labs/regnexus/pkg/observability"
	"github.com/Mindburn-Labs/regnexus/pkg/oracle"
	"github.com/Mindburn-Labs/regnexus/pkg/patch"
	"github.com/Mindburn-Labs/regnexus/pkg/pdp"
	"github.com/Mindburn-Labs/regnexus/pkg/retroaudit"
)

// Log kinds, used as file names, SQL kinds and Redis key suffixes.
const (
	kindDrift     = "drift"
	kindPatch     = "patch"
	kindHarmonize = "harmonize"
	kindAudit     = "audit"
	kindBaseline  = "baseline"
)

// logs bundles the four engine histories, the drift baselines, and what
// backs them. Baselines are never compacted.
type logs struct {
	drift     history.Log[drift.Record]
	patch     history.Log[patch.Event]
	harmonize history.Log[harmonize.Entry]
	audit     history.Log[retroaudit.Summary]
	baseline  history.Log[drift.BaselineEntry]

	closers []io.Closer
}

func (l *logs) all() []any {
	return []any{l.drift, l.patch, l.harmonize, l.audit}
}

// Compact applies retention to every persistent log.
func (l *logs) Compact(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, lg := range l.all() {
		n, err := history.Compact(ctx, lg)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (l *logs) Close() error {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func openLogs(ctx context.Context, cfg *config.Config) (*logs, error) {
	ret := history.Retention{MaxEntries: cfg.Retention.MaxEntries, MaxAge: cfg.Retention.MaxAge}

	switch cfg.History.Backend {
	case config.HistoryMemory:
		return &logs{
			drift:     history.NewMemoryLog[drift.Record](ret),
			patch:     history.NewMemoryLog[patch.Event](ret),
			harmonize: history.NewMemoryLog[harmonize.Entry](ret),
			audit:     history.NewMemoryLog[retroaudit.Summary](ret),
			baseline:  history.NewMemoryLog[drift.BaselineEntry](history.Retention{}),
		}, nil

	case config.HistoryFile:
		if err := os.MkdirAll(cfg.History.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
		path := func(kind string) string { return filepath.Join(cfg.History.Dir, kind+".jsonl") }
		dl, err := history.NewFileLog[drift.Record](path(kindDrift), ret)
		if err != nil {
			return nil, err
		}
		pl, err := history.NewFileLog[patch.Event](path(kindPatch), ret)
		if err != nil {
			return nil, err
		}
		hl, err := history.NewFileLog[harmonize.Entry](path(kindHarmonize), ret)
		if err != nil {
			return nil, err
		}
		al, err := history.NewFileLog[retroaudit.Summary](path(kindAudit), ret)
		if err != nil {
			return nil, err
		}
		bl, err := history.NewFileLog[drift.BaselineEntry](path(kindBaseline), history.Retention{})
		if err != nil {
			return nil, err
		}
		return &logs{drift: dl, patch: pl, harmonize: hl, audit: al, baseline: bl}, nil

	case config.HistorySQLite, config.HistoryPostgres:
		dialect := history.DialectSQLite
		dsn := cfg.History.DSN
		if cfg.History.Backend == config.HistoryPostgres {
			dialect = history.DialectPostgres
		} else if dsn == "" {
			if err := os.MkdirAll(cfg.History.Dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create history dir: %w", err)
			}
			dsn = filepath.Join(cfg.History.Dir, "regnexus.db")
		}
		db, err := sql.Open(dialect.DriverName(), dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s ping failed: %w", dialect, err)
		}
		if err := history.Migrate(ctx, db, dialect); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &logs{
			drift:     history.NewSQLLog[drift.Record](db, dialect, kindDrift, ret),
			patch:     history.NewSQLLog[patch.Event](db, dialect, kindPatch, ret),
			harmonize: history.NewSQLLog[harmonize.Entry](db, dialect, kindHarmonize, ret),
			audit:     history.NewSQLLog[retroaudit.Summary](db, dialect, kindAudit, ret),
			baseline:  history.NewSQLLog[drift.BaselineEntry](db, dialect, kindBaseline, history.Retention{}),
			closers:   []io.Closer{db},
		}, nil

	case config.HistoryRedis:
		client := history.NewRedisClient(cfg.History.RedisAddr, cfg.History.RedisPassword, cfg.History.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		key := func(kind string) string { return "regnexus:history:" + kind }
		return &logs{
			drift:     history.NewRedisLog[drift.Record](client, key(kindDrift), ret),
			patch:     history.NewRedisLog[patch.Event](client, key(kindPatch), ret),
			harmonize: history.NewRedisLog[harmonize.Entry](client, key(kindHarmonize), ret),
			audit:     history.NewRedisLog[retroaudit.Summary](client, key(kindAudit), ret),
			baseline:  history.NewRedisLog[drift.BaselineEntry](client, key(kindBaseline), history.Retention{}),
			closers:   []io.Closer{redisCloser{client}},
		}, nil
	}
	return nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
}

type redisCloser struct{ c *redis.Client }

func (r redisCloser) Close() error { return r.c.Close() }

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	return catalog.Load(cfg.CatalogPath,
		catalog.WithMinVersion(cfg.MinCatalogVersion),
		catalog.WithAllowEmpty(cfg.AllowEmptyCatalog),
	)
}

func policyDecisionPoint(cfg *config.Config) (pdp.PolicyDecisionPoint, error) {
	switch {
	case cfg.OPAURL != "":
		return pdp.NewOPAPDP(pdp.OPAConfig{URL: cfg.OPAURL}), nil
	case cfg.PolicyExpr != "":
		return pdp.NewCELPDP("local", cfg.PolicyExpr)
	}
	return nil, nil
}

func notifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	sinks := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(notify.WebhookConfig{URL: cfg.WebhookURL}))
	}
	return sinks
}

// extras are the optional collaborators the CLI commands skip.
type extras struct {
	pdp      pdp.PolicyDecisionPoint
	notifier notify.Notifier
	archive  archive.Store
	obs      *observability.Provider
}

// buildOracle assembles the engine. Baselines are replayed from their log
// and then overridden by any baseline the catalog declares.
func buildOracle(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, l *logs, x extras) (*oracle.Oracle, error) {
	policy, err := retroaudit.ParseTimestampPolicy(cfg.TimestampPolicy)
	if err != nil {
		return nil, err
	}

	baselines, err := drift.NewLogBaselines(ctx, l.baseline)
	if err != nil {
		return nil, err
	}
	sensor := drift.NewSensor(l.drift, drift.WithCatalog(cat), drift.WithBaselines(baselines))
	seeded, err := sensor.SeedBaselines(ctx, cat)
	if err != nil {
		return nil, err
	}
	slog.Default().With("component", "drift").InfoContext(ctx, "baselines ready",
		"rules", baselines.Len(), "seeded", seeded)

	opts := []oracle.Option{
		oracle.WithCriticalThreshold(cfg.CriticalThreshold),
		oracle.WithHealthWindow(cfg.HealthWindow),
	}
	if x.pdp != nil {
		opts = append(opts, oracle.WithPolicyDecisionPoint(x.pdp))
	}
	if x.notifier != nil {
		opts = append(opts, oracle.WithNotifier(x.notifier))
	}
	if x.archive != nil {
		opts = append(opts, oracle.WithArchive(x.archive))
	}
	if x.obs != nil {
		opts = append(opts, oracle.WithObservability(x.obs))
	}

	return oracle.New(oracle.Components{
		Catalog:    cat,
		Sensor:     sensor,
		Generator:  patch.NewGenerator(cat, l.patch),
		Harmonizer: harmonize.New(cat, l.harmonize, harmonize.WithEmergencyTypes(cfg.EmergencyTypes)),
		Auditor: retroaudit.New(cat, l.audit,
			retroaudit.WithTimestampPolicy(policy),
			retroaudit.WithDefaultWindow(cfg.AuditWindow),
		),
	}, opts...)
}

// compactLoop applies retention on an interval until ctx is done.
func compactLoop(ctx context.Context, l *logs, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Compact(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "history compaction failed", "error", err)
				continue
			}
			if n > 0 {
				logger.InfoContext(ctx, "history compacted", "removed", n)
			}
		}
	}
}
