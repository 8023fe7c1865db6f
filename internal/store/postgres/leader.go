package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// sweeperLockID keys the session-level advisory lock that keeps the sweeper
// a single logical instance across replicas.
const sweeperLockID = int64(0x70726576) // "prev"

// SweepLock is a held advisory lock. It is bound to one pooled connection;
// releasing it returns the connection to the pool.
type SweepLock struct {
	conn *sql.Conn
}

// AcquireSweepLock attempts to take the sweeper leader lock without
// blocking. Returns (nil, false, nil) when another instance holds it.
func (s *Store) AcquireSweepLock(ctx context.Context) (*SweepLock, bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection for sweep lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, sweeperLockID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	return &SweepLock{conn: conn}, true, nil
}

// Release unlocks and returns the connection to the pool. The lock also
// dies with the session, so a crashed holder never wedges the sweeper.
func (l *SweepLock) Release(ctx context.Context) error {
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, sweeperLockID)
	closeErr := l.conn.Close()
	if err != nil {
		return fmt.Errorf("failed to release sweep lock: %w", err)
	}
	return closeErr
}
