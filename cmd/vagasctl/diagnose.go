package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"jobmate/vagas-service/internal/cache"
	"jobmate/vagas-service/internal/config"
	"jobmate/vagas-service/internal/db"
	"jobmate/vagas-service/internal/forceload"
	"jobmate/vagas-service/internal/logger"
	"jobmate/vagas-service/internal/model"
	"jobmate/vagas-service/internal/vagas"
)

// =============================================================================
// DIAGNOSE - connectivity and permission checks
// =============================================================================

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Check database tiers, change trigger, RLS, and Redis",
	Args:  cobra.NoArgs,
	RunE:  runDiagnose,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Run a force load and print what the cache would hold",
	Args:  cobra.NoArgs,
	RunE:  runSnapshot,
}

type checker struct {
	out    io.Writer
	failed int
}

func (c *checker) check(name string, fn func() (string, error)) {
	detail, err := fn()
	if err != nil {
		c.failed++
		fmt.Fprintf(c.out, "  FAIL  %-22s %v\n", name, err)
		return
	}
	fmt.Fprintf(c.out, "  ok    %-22s %s\n", name, detail)
}

func runDiagnose(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	c := &checker{out: cmd.OutOrStdout()}
	fmt.Fprintln(c.out, "vagas diagnostics")

	pool, err := db.NewPostgresPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return fmt.Errorf("user tier: %w", err)
	}
	defer pool.Close()

	c.check("user tier", func() (string, error) {
		var n int
		if err := pool.QueryRow(ctx, `SELECT count(*) FROM `+vagas.Table).Scan(&n); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d listings visible", n), nil
	})

	c.check("change trigger", func() (string, error) {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'vagas_change_notify')`).Scan(&exists)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("vagas_change_notify missing, run `vagasctl migrate up`")
		}
		return "installed", nil
	})

	c.check("rls probe", func() (string, error) {
		// Touch nothing: an UPDATE matching no row still hits the policy check.
		tag, err := pool.Exec(ctx,
			`UPDATE `+vagas.Table+` SET updated_at = updated_at WHERE id = '00000000-0000-0000-0000-000000000000'`)
		if db.IsRLSDenied(err) {
			if cfg.Database.AdminURL == "" {
				return "", fmt.Errorf("user tier is write-denied and DATABASE_ADMIN_URL is unset")
			}
			return "user tier denied, elevated retry available", nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("user tier may write (%s)", tag.String()), nil
	})

	if cfg.Database.AdminURL != "" {
		c.check("admin tier", func() (string, error) {
			admin, err := db.NewPostgresPool(ctx, cfg.Database.AdminURL, db.PoolOptions{MaxConns: 1})
			if err != nil {
				return "", err
			}
			defer admin.Close()
			var n int
			if err := admin.QueryRow(ctx, `SELECT count(*) FROM admin_audit_log`).Scan(&n); err != nil {
				return "", err
			}
			return fmt.Sprintf("%d audited bypasses", n), nil
		})
	}

	if cfg.Redis.URL != "" {
		c.check("redis", func() (string, error) {
			rdb, err := db.NewRedisClient(ctx, cfg.Redis.URL)
			if err != nil {
				return "", err
			}
			defer rdb.Close()
			n, err := rdb.PubSubNumSub(ctx, cfg.Redis.Channel).Result()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d subscribers on %s", n[cfg.Redis.Channel], cfg.Redis.Channel), nil
		})
	} else if cfg.Realtime.Transport == config.TransportRedis {
		c.failed++
		fmt.Fprintln(c.out, "  FAIL  redis                  REDIS_URL unset but REALTIME_TRANSPORT=redis")
	}

	if c.failed > 0 {
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	return nil
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logg := logger.New(cfg.Log)

	pool, err := db.NewPostgresPool(cmd.Context(), cfg.Database.URL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := vagas.NewRepository(db.NewRemote(pool, nil, logg), logg)
	loader := forceload.New(func(ctx context.Context) ([]model.Listing, error) {
		return repo.ListAll(ctx, cfg.ForceLoad.RowLimit)
	}, forceload.Options{
		MaxRetries: cfg.ForceLoad.MaxRetries,
		RetryDelay: cfg.ForceLoad.RetryDelay,
		Timeout:    cfg.ForceLoad.Timeout,
	}, logg)

	start := time.Now()
	res := loader.Load(cmd.Context())
	if res.Failed() {
		return fmt.Errorf("force load after %d attempt(s): %w", res.Attempts, res.Err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "loaded %d listings in %s (%d attempt(s))\n",
		len(res.Listings), time.Since(start).Round(time.Millisecond), res.Attempts)
	if len(res.Listings) >= cfg.ForceLoad.RowLimit {
		fmt.Fprintf(out, "warning: row limit %d reached, older listings are not cached\n", cfg.ForceLoad.RowLimit)
	}

	perClient := map[string]int{}
	for _, l := range res.Listings {
		perClient[l.Client]++
	}
	clients := cache.ProjectClients(res.Listings)
	fmt.Fprintf(out, "%d clients: %s\n", len(clients), strings.Join(clients, ", "))
	for _, cl := range clients {
		fmt.Fprintf(out, "  %-30s %d\n", cl, perClient[cl])
	}
	return nil
}
