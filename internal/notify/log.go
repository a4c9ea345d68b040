package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	deliveryLogTableName = "vitalsink_notifications"
	deliveryLogTimeout   = 5 * time.Second
)

// PostgresDeliveryLog keeps an audit trail of emitted intents. It initializes
// lazily so a slow or absent database never delays process startup.
type PostgresDeliveryLog struct {
	dsn    string
	openDB func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDeliveryLog(dsn string) (*PostgresDeliveryLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("delivery log DSN is empty")
	}
	return &PostgresDeliveryLog{dsn: dsn, openDB: sql.Open}, nil
}

func (l *PostgresDeliveryLog) Record(ctx context.Context, intent Intent, delivered bool) error {
	if err := l.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(intent.Payload)
	if err != nil {
		payload = []byte("{}")
	}

	opCtx, cancel := context.WithTimeout(ctx, deliveryLogTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, kind, severity, rule, message, triggered_by, triggered_at, delivered, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET delivered = EXCLUDED.delivered`, deliveryLogTableName)
	_, err = l.db.ExecContext(opCtx, query,
		intent.ID,
		string(intent.Kind),
		string(intent.Severity),
		intent.Rule,
		intent.Message,
		intent.TriggeredBy,
		intent.TriggeredAt.UTC(),
		delivered,
		string(payload),
	)
	return err
}

func (l *PostgresDeliveryLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *PostgresDeliveryLog) ensureReady() error {
	l.initOnce.Do(func() {
		db, err := l.openDB("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), deliveryLogTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				severity TEXT NOT NULL,
				rule TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL,
				triggered_by TEXT NOT NULL DEFAULT '',
				triggered_at TIMESTAMPTZ NOT NULL,
				delivered BOOLEAN NOT NULL DEFAULT FALSE,
				payload TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, deliveryLogTableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		l.db = db
	})
	return l.initErr
}
