package arbiter

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StatementExecutor is the §6 collaborator: it acquires a connection,
// executes a single statement (or a short, explicitly-sequenced group of
// them) against it, and releases the connection on every exit path. It
// also exposes a scheduler for the periodic retention sweep. The arbiter
// package only ever depends on this interface, never on *sql.DB directly,
// so tests can substitute go-sqlmock's driver underneath a real
// *sql.DB without the arbiter needing to know.
type StatementExecutor interface {
	// Query runs fn with a dedicated *sql.Conn, releasing it on every
	// return path — mirrors the teacher's db.Conn/defer conn.Close idiom.
	Query(ctx context.Context, fn func(*sql.Conn) error) error

	// Schedule runs task every interval until ctx is cancelled, returning
	// a function that stops the schedule and waits for the in-flight
	// invocation (if any) to finish.
	Schedule(ctx context.Context, interval time.Duration, task func(context.Context)) (stop func())
}

// sqlExecutor is the production StatementExecutor, backed by a connection
// pool opened against github.com/lib/pq.
type sqlExecutor struct {
	db *sql.DB
}

// NewStatementExecutor wraps an already-open *sql.DB. The caller owns the
// *sql.DB's lifecycle (including Close); the executor never closes it.
func NewStatementExecutor(db *sql.DB) StatementExecutor {
	return &sqlExecutor{db: db}
}

func (e *sqlExecutor) Query(ctx context.Context, fn func(*sql.Conn) error) error {
	if e.db == nil {
		return fmt.Errorf("arbiter: statement executor has a nil connection pool")
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("arbiter: acquire connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

func (e *sqlExecutor) Schedule(ctx context.Context, interval time.Duration, task func(context.Context)) func() {
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				task(ctx)
			}
		}
	}()

	return func() {
		close(stopCh)
		<-done
	}
}
