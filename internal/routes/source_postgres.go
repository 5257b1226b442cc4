package routes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lib/pq"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// PostgresSource loads routes from a table with (domain, exchange) columns.
type PostgresSource struct {
	db    *sql.DB
	table string
}

// NewPostgresSource constructs a source reading table through db.
func NewPostgresSource(db *sql.DB, table string) (*PostgresSource, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if table == "" {
		return nil, fmt.Errorf("routes table is required")
	}
	return &PostgresSource{db: db, table: table}, nil
}

// Name identifies the source in logs.
func (s *PostgresSource) Name() string { return "postgres:" + s.table }

// Load reads the whole table.
func (s *PostgresSource) Load(ctx context.Context) (map[string]string, error) {
	query := fmt.Sprintf(`SELECT domain, exchange FROM %s`, pq.QuoteIdentifier(s.table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var domain, exchange string
		if err := rows.Scan(&domain, &exchange); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		out[normalizeDomain(domain)] = exchange
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routes: %w", err)
	}
	return out, nil
}

// ListenPostgres subscribes to channel with LISTEN and calls onChange for each
// notification. A reconnect also triggers onChange since notifications may
// have been missed while disconnected. It returns nil once ctx is done, even
// while the database is still unreachable.
func ListenPostgres(ctx context.Context, dsn, channel string, logger *slog.Logger, onChange func(context.Context)) error {
	if logger == nil {
		logger = slog.Default()
	}
	listener := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			logger.Warn("routes listener connection problem", "channel", channel, "error", err)
		case pq.ListenerEventReconnected:
			logger.Info("routes listener reconnected", "channel", channel)
		}
	})
	// Listen waits for a connection; closing the listener is the only way to
	// release it.
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer func() {
		if stop() {
			_ = listener.Close()
		}
	}()

	if err := listener.Listen(channel); err != nil {
		if ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	logger.Info("listening for route changes", "channel", channel)

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-listener.Notify:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("routes listener on %s closed", channel)
			}
			// nil after a reconnect
			if n != nil {
				logger.Debug("route change notification", "channel", n.Channel, "payload", n.Extra)
			}
			onChange(ctx)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				logger.Warn("routes listener ping failed", "error", err)
			}
		}
	}
}
