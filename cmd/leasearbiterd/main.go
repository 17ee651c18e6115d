// Command leasearbiterd runs the lease arbiter's schema bootstrap and
// retention sweeper against a configured Postgres store, and demonstrates
// one TryAcquireLease / RecordLeaseSuccess round trip. The scheduler loop
// that decides *when* to call TryAcquireLease for a real action event is
// out of scope for this repository (§1) — this binary only wires the
// ambient stack around the arbiter core.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"

	"github.com/flowarb/leasearbiter/internal/arbiter"
	"github.com/flowarb/leasearbiter/internal/config"
	"github.com/flowarb/leasearbiter/internal/logging"
)

type options struct {
	Config string `short:"c" long:"config" description:"path to a YAML/TOML/JSON config file" default:""`
	Once   bool   `long:"once" description:"run bootstrap plus a single demo claim, then exit instead of serving the sweeper loop"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	db, err := openDBWithRetry(cfg.Database.DSN, 30*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	executor := arbiter.NewStatementExecutor(db)
	a, err := arbiter.NewArbiter(executor, logger, arbiter.SystemClock, cfg.Arbiter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid arbiter configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Bootstrap(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "schema bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	if err := runDemoClaim(ctx, a, logger); err != nil {
		fmt.Fprintf(os.Stderr, "demo claim failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Once {
		return
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	stop := arbiter.NewSweeper(a).Start(sweepCtx)
	defer stop()

	logger.Infof("lease arbiter running, retention sweep every %s", cfg.Arbiter.RetentionSweepPeriod)
	select {}
}

func runDemoClaim(ctx context.Context, a *arbiter.Arbiter, logger *logging.Logrus) error {
	key := arbiter.ActionKey{
		FlowGroup:  "demo-group",
		FlowName:   "demo-flow",
		JobName:    "demo-job",
		ActionType: arbiter.ActionLaunch,
	}
	params := arbiter.LeaseParams{Key: key, EventTimeMillis: arbiter.TimeToMillis(time.Now())}

	status, err := a.TryAcquireLease(ctx, params, true)
	if err != nil {
		return err
	}

	switch s := status.(type) {
	case arbiter.Obtained:
		logger.Infof("obtained lease for %s at %s, linger %dms", key, arbiter.MillisToTime(s.LeaseAcquisitionMillis).Format(time.RFC3339Nano), s.MinLingerMillis)
		completed, err := a.RecordLeaseSuccess(ctx, s)
		if err != nil {
			return err
		}
		logger.Infof("recorded lease success for %s: completed=%v", key, completed)
	case arbiter.LeasedToAnother:
		logger.Infof("lease for %s held by another participant, retry in %dms", key, s.MinLingerMillis)
	case arbiter.NoLongerLeasing:
		logger.Infof("event for %s already completed", key)
	}
	return nil
}

func openDBWithRetry(dsn string, timeout time.Duration) (*sql.DB, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		db, err := sql.Open("postgres", dsn)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = db.PingContext(ctx)
			cancel()
			if err == nil {
				return db, nil
			}
			db.Close()
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for database: %w", lastErr)
		}
		time.Sleep(1 * time.Second)
	}
}
