package store

import (
	"database/sql"
	"errors"
	"time"
)

// Namespaces used by the application.
const (
	NamespaceLocal = "local"
	NamespaceLMS   = "lms"
)

// Bucket is a namespaced key/value view. It satisfies the engine's local storage contract.
type Bucket struct {
	db        *sql.DB
	namespace string
}

// Namespace returns the bucket's namespace.
func (b *Bucket) Namespace() string { return b.namespace }

// Get returns the value for key.
// Returns empty string and nil error if the key is missing.
func (b *Bucket) Get(key string) (string, error) {
	var value string
	err := b.db.QueryRow(
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, b.namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Set upserts a key-value pair.
func (b *Bucket) Set(key, value string) error {
	now := time.Now().UTC()
	_, err := b.db.Exec(
		`INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = ?, updated_at = ?`,
		b.namespace, key, value, now, value, now,
	)
	return err
}

// Remove deletes a key. Removing a missing key is not an error.
func (b *Bucket) Remove(key string) error {
	_, err := b.db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, b.namespace, key)
	return err
}

// Entry is a stored row.
type Entry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// List returns all entries in the bucket ordered by key.
func (b *Bucket) List() ([]Entry, error) {
	rows, err := b.db.Query(
		`SELECT key, value, updated_at FROM kv WHERE namespace = ? ORDER BY key`, b.namespace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
