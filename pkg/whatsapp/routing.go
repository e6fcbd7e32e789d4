package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/gdbrns/whatsapp-session-bridge/internal/backend"
)

// Routing is one durable device registration: the whatsmeow store identity
// plus the backend credentials supplied at creation, kept so a process
// restart can resume the session and its persistence.
type Routing struct {
	DeviceID   string
	StoreJID   string
	BackendURL string
	BackendKey string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  *time.Time
}

// RoutingStore implements bridge.CredentialStore on the same Postgres
// instance that backs the whatsmeow credential container.
type RoutingStore struct {
	db *sql.DB
}

func openRoutingStore(dsn string) (*RoutingStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)
	db.SetConnMaxIdleTime(3 * time.Minute)
	if err = db.Ping(); err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS device_routing (
		device_id TEXT PRIMARY KEY,
		store_jid TEXT,
		backend_url TEXT,
		backend_key TEXT,
		is_active BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_device_routing_store_jid ON device_routing(store_jid)`)
	if err != nil {
		return nil, err
	}

	return &RoutingStore{db: db}, nil
}

// SaveRouting upserts the registration for deviceID. An empty storeJID keeps
// any previously recorded identity, so the initial save at creation time
// does not erase the identity written by a later credentials event.
func (r *RoutingStore) SaveRouting(ctx context.Context, deviceID string, storeJID string, creds backend.Credentials) error {
	if r == nil || r.db == nil {
		return errors.New("routing datastore not initialized")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_routing (device_id, store_jid, backend_url, backend_key, is_active, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, TRUE, NOW())
		ON CONFLICT(device_id) DO UPDATE
		SET store_jid = COALESCE(NULLIF(EXCLUDED.store_jid, ''), device_routing.store_jid),
		    backend_url = EXCLUDED.backend_url,
		    backend_key = EXCLUDED.backend_key,
		    is_active = TRUE,
		    updated_at = NOW()
	`, deviceID, storeJID, creds.URL, creds.Key)
	return err
}

func (r *RoutingStore) DeleteRouting(ctx context.Context, deviceID string) error {
	if r == nil || r.db == nil {
		return errors.New("routing datastore not initialized")
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM device_routing WHERE device_id = $1`, deviceID)
	return err
}

// StoreJID returns the recorded whatsmeow identity for deviceID, empty when
// the device has never paired.
func (r *RoutingStore) StoreJID(ctx context.Context, deviceID string) (string, error) {
	var jid sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT store_jid FROM device_routing WHERE device_id = $1`, deviceID).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !jid.Valid {
		return "", nil
	}
	return jid.String, nil
}

// ListRoutings enumerates every active registration, used by the startup
// restore pass.
func (r *RoutingStore) ListRoutings(ctx context.Context) ([]Routing, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, store_jid, backend_url, backend_key, is_active, created_at, updated_at
		FROM device_routing
		WHERE is_active = TRUE
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routings []Routing
	for rows.Next() {
		var routing Routing
		var jid, backendURL, backendKey sql.NullString
		var updatedAt sql.NullTime
		if err := rows.Scan(&routing.DeviceID, &jid, &backendURL, &backendKey, &routing.IsActive, &routing.CreatedAt, &updatedAt); err != nil {
			return nil, err
		}
		routing.StoreJID = jid.String
		routing.BackendURL = backendURL.String
		routing.BackendKey = backendKey.String
		if updatedAt.Valid {
			value := updatedAt.Time
			routing.UpdatedAt = &value
		}
		routings = append(routings, routing)
	}
	return routings, rows.Err()
}

// ListRoutings at package level serves the startup restore pass without
// exposing the store itself.
func ListRoutings(ctx context.Context) ([]Routing, error) {
	if routingStore == nil {
		return nil, errors.New("routing datastore not initialized")
	}
	return routingStore.ListRoutings(ctx)
}

var routingStore *RoutingStore

func normalizeDatastoreDSN(dsn string) string {
	appendParam := func(current string, key string, value string) string {
		if strings.Contains(current, key+"=") {
			return current
		}
		separator := "?"
		if strings.Contains(current, "?") {
			if strings.HasSuffix(current, "?") || strings.HasSuffix(current, "&") {
				separator = ""
			} else {
				separator = "&"
			}
		}
		return current + separator + key + "=" + value
	}
	dsn = appendParam(dsn, "prefer_simple_protocol", "true")
	dsn = appendParam(dsn, "statement_cache_capacity", "0")
	dsn = appendParam(dsn, "default_query_exec_mode", "simple_protocol")
	return dsn
}
