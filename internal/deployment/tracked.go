// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package deployment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Tracker persists the set of tracked deployments so a daemon restart can
// diff against the last synced state instead of treating every workflow as
// newly added.
type Tracker struct {
	db *sql.DB
}

const trackerSchema = `
CREATE TABLE IF NOT EXISTS deployments (
	name       TEXT PRIMARY KEY,
	version    TEXT NOT NULL,
	group_key  TEXT NOT NULL,
	definition BLOB NOT NULL,
	bundle_dir TEXT NOT NULL,
	synced_at  TIMESTAMP NOT NULL
);`

// OpenTracker opens (creating if necessary) the tracker database at path.
func OpenTracker(path string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(trackerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state database: %w", err)
	}
	return &Tracker{db: db}, nil
}

// All returns every tracked deployment keyed by workflow name.
func (t *Tracker) All(ctx context.Context) (map[string]*TrackedDeployment, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT definition, bundle_dir, synced_at FROM deployments`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer rows.Close()

	tracked := make(map[string]*TrackedDeployment)
	for rows.Next() {
		var (
			raw       []byte
			bundleDir string
			syncedAt  time.Time
		)
		if err := rows.Scan(&raw, &bundleDir, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deployment row: %w", err)
		}

		var def WorkflowDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("failed to decode stored definition: %w", err)
		}
		tracked[def.Name] = &TrackedDeployment{
			Definition: &def,
			BundleDir:  bundleDir,
			SyncedAt:   syncedAt,
		}
	}
	return tracked, rows.Err()
}

// Upsert records or replaces a tracked deployment.
func (t *Tracker) Upsert(ctx context.Context, td *TrackedDeployment) error {
	raw, err := json.Marshal(td.Definition)
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO deployments (name, version, group_key, definition, bundle_dir, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version = excluded.version,
			group_key = excluded.group_key,
			definition = excluded.definition,
			bundle_dir = excluded.bundle_dir,
			synced_at = excluded.synced_at`,
		td.Definition.Name, td.Definition.Version, td.Definition.GroupKey(),
		raw, td.BundleDir, td.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert deployment: %w", err)
	}
	return nil
}

// Remove deletes a tracked deployment. Removing an unknown name is a no-op.
func (t *Tracker) Remove(ctx context.Context, name string) error {
	if _, err := t.db.ExecContext(ctx,
		`DELETE FROM deployments WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to remove deployment: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (t *Tracker) Close() error {
	return t.db.Close()
}
