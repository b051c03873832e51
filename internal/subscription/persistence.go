package subscription

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/Draegerwerk/sdc11073/internal/soapenv"
)

// persistedRecord is the on-disk shape of one subscription row, sufficient
// to rebuild a Subscription after a provider process restart.
type persistedRecord struct {
	ID              string
	Endpoint        string
	Filter          []string
	ReferenceParams []soapenv.RawElement
	ExpirationUnix  int64
}

// Store persists the subscription table to a single SQLite file so a
// provider restart does not silently drop every consumer's subscription
// (§4.F, optional persistencePath). Each subscription is one row, upserted
// or deleted on its own as that subscription changes; the table is not
// rewritten as a whole.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the SQLite file at path and
// ensures its subscriptions table exists.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("subscription: empty persistence path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("subscription: create persistence dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("subscription: open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("subscription: create subscriptions table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadAll returns every persisted subscription record, including already
// expired ones; the caller (Manager.restore) is responsible for dropping
// anything whose expiration already elapsed.
func (s *Store) LoadAll() ([]persistedRecord, error) {
	rows, err := s.db.Query(`SELECT payload FROM subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("subscription: select subscriptions: %w", err)
	}
	defer rows.Close()

	var records []persistedRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("subscription: scan subscription row: %w", err)
		}
		var rec persistedRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("subscription: decode subscription row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Put upserts one subscription's persisted state.
func (s *Store) Put(sub *Subscription) error {
	rec := persistedRecord{
		ID:              sub.ID,
		Endpoint:        sub.Endpoint,
		Filter:          sub.Filter,
		ReferenceParams: sub.ReferenceParams,
		ExpirationUnix:  sub.Expiration.Unix(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("subscription: encode subscription row: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO subscriptions (id, payload) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`, rec.ID, payload)
	return err
}

// Delete removes one subscription's persisted row, ignoring a missing row.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, id)
	return err
}

func (r persistedRecord) toSubscription() *Subscription {
	return &Subscription{
		ID:              r.ID,
		Endpoint:        r.Endpoint,
		ReferenceParams: r.ReferenceParams,
		Filter:          r.Filter,
		Expiration:      time.Unix(r.ExpirationUnix, 0),
	}
}
