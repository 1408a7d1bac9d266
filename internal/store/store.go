/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package store keeps user-registered expression assets and per-user pack
// EULA acceptance in an embedded SQLite database. Blobs are content-addressed
// by SHA-1 and written next to the database under assets/; names are scoped
// (personal or group) pointers into the blob table. The store only
// registers and resolves; it never fetches anything over the network.
package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	applog "github.com/xiyihan0/MomoScript/internal/log"
	"github.com/xiyihan0/MomoScript/internal/version"
	"log/slog"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

const (
	DBFileName    = "momoscript.sqlite"
	AssetsDirName = "assets"

	// schemaVersion tracks the local SQLite schema.
	// Bump this when you perform breaking schema changes and add migrations.
	schemaVersion = 1
)

// Name scopes. Personal names shadow group names on lookup.
const (
	ScopePersonal = "p"
	ScopeGroup    = "g"
)

var (
	// ErrNameExists is returned by RegisterName without replace when the
	// scoped name is already taken.
	ErrNameExists = errors.New("asset name already exists")

	assetNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	packIDRe    = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// AssetRecord describes one scoped name binding.
type AssetRecord struct {
	Scope    string
	ScopeID  string
	Name     string
	BlobID   string
	Filename string // "<sha1>.<ext>" under the assets dir
}

// Store is an open asset/EULA database. Safe for concurrent use;
// the connection pool is pinned to a single connection.
type Store struct {
	db  *sql.DB
	dir string
}

// ValidateAssetName checks the user-facing asset name grammar.
func ValidateAssetName(name string) (string, error) {
	n := strings.TrimSpace(name)
	if !assetNameRe.MatchString(n) {
		return "", fmt.Errorf("invalid asset name %q: only [A-Za-z0-9_-], length 1-64", name)
	}
	return n, nil
}

// ValidatePackID checks the pack id grammar shared with the pack loader.
func ValidatePackID(packID string) (string, error) {
	s := strings.TrimSpace(packID)
	if !packIDRe.MatchString(s) {
		return "", fmt.Errorf("invalid pack_id %q: only [A-Za-z0-9_]", packID)
	}
	return s, nil
}

// Open creates dir if needed, opens dir/momoscript.sqlite in WAL mode and
// ensures the schema is up to date.
func Open(dir string) (*Store, error) {
	l := applog.WithOperation(applog.WithComponent("store"), "open").With(
		slog.String("dir", dir),
	)
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("store dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.Error("create store dir failed", slog.Any("err", err))
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	path := filepath.Join(dir, DBFileName)
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		l.Error("sqlite open failed", slog.Any("err", err))
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		l.Error("enable WAL failed", slog.Any("err", err))
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		l.Warn("enable foreign_keys failed", slog.Any("err", err))
	}

	if err := ensureVersion(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure version failed", slog.Any("err", err))
		return nil, err
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure schema failed", slog.Any("err", err))
		return nil, err
	}

	l.Info("store ready", slog.String("path", path))
	return &Store{db: db, dir: dir}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// AssetsDir returns the directory where blob files live.
func (s *Store) AssetsDir() string { return filepath.Join(s.dir, AssetsDirName) }

func ensureVersion(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS version (
		id          INTEGER PRIMARY KEY CHECK(id=1),
		schema      INTEGER NOT NULL,
		app         TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var cur int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, `INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, ?, ?, ?, ?)`, schemaVersion, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		if _, err := db.ExecContext(ctx, `UPDATE version SET app=?, updated_at=? WHERE id=1`, appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS asset_blob (
			blob_id    TEXT PRIMARY KEY,
			ext        TEXT    NOT NULL,
			size       INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS asset_name (
			scope       TEXT NOT NULL,
			scope_id    TEXT NOT NULL,
			name        TEXT NOT NULL,
			blob_id     TEXT NOT NULL,
			uploader_id TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY(scope, scope_id, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_asset_name_blob ON asset_name(blob_id);`,
		`CREATE TABLE IF NOT EXISTS pack_eula_accept (
			user_id     TEXT NOT NULL,
			pack_id     TEXT NOT NULL,
			accepted_at INTEGER NOT NULL,
			PRIMARY KEY(user_id, pack_id)
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// PutBlob writes a content-addressed blob file under assets/ and records it.
// Re-putting identical data is a no-op. Returns the blob id and filename.
func (s *Store) PutBlob(ctx context.Context, data []byte, ext string) (string, string, error) {
	if len(data) == 0 {
		return "", "", errors.New("empty blob")
	}
	e := strings.Trim(strings.ToLower(strings.TrimSpace(ext)), ".")
	if e == "" {
		e = "bin"
	}
	sum := sha1.Sum(data)
	blobID := hex.EncodeToString(sum[:])
	filename := blobID + "." + e

	dir := s.AssetsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create assets dir: %w", err)
	}
	out := filepath.Join(dir, filename)
	if _, err := os.Stat(out); err != nil {
		// Write to a temp file in the same dir, then rename over target.
		tmp := out + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return "", "", fmt.Errorf("write blob: %w", err)
		}
		if err := os.Rename(tmp, out); err != nil {
			_ = os.Remove(tmp)
			return "", "", fmt.Errorf("place blob: %w", err)
		}
	}

	ts := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO asset_blob(blob_id, ext, size, created_at) VALUES (?, ?, ?, ?)`,
		blobID, e, len(data), ts); err != nil {
		return "", "", fmt.Errorf("record blob: %w", err)
	}
	return blobID, filename, nil
}

// RegisterName binds a scoped name to an existing blob. With replace=false an
// existing binding yields ErrNameExists.
func (s *Store) RegisterName(ctx context.Context, scope, scopeID, name, blobID, uploaderID string, replace bool) error {
	if scope != ScopePersonal && scope != ScopeGroup {
		return fmt.Errorf("invalid scope: %s", scope)
	}
	if strings.TrimSpace(scopeID) == "" {
		return errors.New("missing scope_id")
	}
	n, err := ValidateAssetName(name)
	if err != nil {
		return err
	}
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM asset_blob WHERE blob_id=?`, blobID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("unknown blob: %s", blobID)
		}
		return fmt.Errorf("check blob: %w", err)
	}
	ts := time.Now().Unix()
	if replace {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO asset_name(scope, scope_id, name, blob_id, uploader_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			scope, scopeID, n, blobID, uploaderID, ts)
	} else {
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM asset_name WHERE scope=? AND scope_id=? AND name=?`,
			scope, scopeID, n).Scan(&one); err == nil {
			return fmt.Errorf("%w: %s.%s", ErrNameExists, scope, n)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check name: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO asset_name(scope, scope_id, name, blob_id, uploader_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			scope, scopeID, n, blobID, uploaderID, ts)
	}
	if err != nil {
		return fmt.Errorf("register name: %w", err)
	}
	return nil
}

// ResolveName looks the name up in the personal scope first, then in the
// group scope. Empty scope ids are skipped. The second return is false when
// the name is bound in neither scope.
func (s *Store) ResolveName(ctx context.Context, personalID, groupID, name string) (string, bool, error) {
	n, err := ValidateAssetName(name)
	if err != nil {
		return "", false, err
	}
	for _, sc := range []struct{ scope, scopeID string }{
		{ScopePersonal, personalID},
		{ScopeGroup, groupID},
	} {
		if sc.scopeID == "" {
			continue
		}
		fn, ok, err := s.lookup(ctx, sc.scope, sc.scopeID, n)
		if err != nil {
			return "", false, err
		}
		if ok {
			return fn, true, nil
		}
	}
	return "", false, nil
}

func (s *Store) lookup(ctx context.Context, scope, scopeID, name string) (string, bool, error) {
	var blobID, ext string
	err := s.db.QueryRowContext(ctx,
		`SELECT n.blob_id, b.ext FROM asset_name n JOIN asset_blob b ON b.blob_id = n.blob_id
		 WHERE n.scope=? AND n.scope_id=? AND n.name=?`,
		scope, scopeID, name).Scan(&blobID, &ext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup name: %w", err)
	}
	return blobID + "." + ext, true, nil
}

// ListNames returns the bindings of one scope, ordered by name.
func (s *Store) ListNames(ctx context.Context, scope, scopeID string) ([]AssetRecord, error) {
	if scope != ScopePersonal && scope != ScopeGroup {
		return nil, fmt.Errorf("invalid scope: %s", scope)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT n.name, n.blob_id, b.ext FROM asset_name n JOIN asset_blob b ON b.blob_id = n.blob_id
		 WHERE n.scope=? AND n.scope_id=? ORDER BY n.name`,
		scope, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}
	defer rows.Close()
	var out []AssetRecord
	for rows.Next() {
		var r AssetRecord
		var ext string
		if err := rows.Scan(&r.Name, &r.BlobID, &ext); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		r.Scope, r.ScopeID, r.Filename = scope, scopeID, r.BlobID+"."+ext
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteName removes a scoped binding. When the blob loses its last
// reference its row and file are removed too. Returns false when the name
// was not bound.
func (s *Store) DeleteName(ctx context.Context, scope, scopeID, name string) (bool, error) {
	n, err := ValidateAssetName(name)
	if err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	var blobID, ext string
	err = tx.QueryRowContext(ctx,
		`SELECT n.blob_id, b.ext FROM asset_name n JOIN asset_blob b ON b.blob_id = n.blob_id
		 WHERE n.scope=? AND n.scope_id=? AND n.name=?`,
		scope, scopeID, n).Scan(&blobID, &ext)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return false, nil
	}
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("find name: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM asset_name WHERE scope=? AND scope_id=? AND name=?`,
		scope, scopeID, n); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete name: %w", err)
	}
	var one int
	unref := false
	if err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM asset_name WHERE blob_id=? LIMIT 1`, blobID).Scan(&one); errors.Is(err, sql.ErrNoRows) {
		unref = true
		if _, err := tx.ExecContext(ctx, `DELETE FROM asset_blob WHERE blob_id=?`, blobID); err != nil {
			_ = tx.Rollback()
			return false, fmt.Errorf("delete blob: %w", err)
		}
	} else if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("check blob refs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	if unref {
		_ = os.Remove(filepath.Join(s.AssetsDir(), blobID+"."+ext))
	}
	return true, nil
}

// AcceptEULA records acceptance of a pack's EULA for a user.
func (s *Store) AcceptEULA(ctx context.Context, userID, packID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("missing user_id")
	}
	pid, err := ValidatePackID(packID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pack_eula_accept(user_id, pack_id, accepted_at) VALUES (?, ?, ?)`,
		uid, pid, time.Now().Unix()); err != nil {
		return fmt.Errorf("accept eula: %w", err)
	}
	return nil
}

// EULAAccepted reports whether a user accepted a pack's EULA.
func (s *Store) EULAAccepted(ctx context.Context, userID, packID string) (bool, error) {
	uid, pid := strings.TrimSpace(userID), strings.TrimSpace(packID)
	if uid == "" || pid == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM pack_eula_accept WHERE user_id=? AND pack_id=? LIMIT 1`, uid, pid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check eula: %w", err)
	}
	return true, nil
}

// EULAAcceptedAt returns when a user accepted a pack's EULA, if ever.
func (s *Store) EULAAcceptedAt(ctx context.Context, userID, packID string) (time.Time, bool, error) {
	uid, pid := strings.TrimSpace(userID), strings.TrimSpace(packID)
	if uid == "" || pid == "" {
		return time.Time{}, false, nil
	}
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT accepted_at FROM pack_eula_accept WHERE user_id=? AND pack_id=? LIMIT 1`, uid, pid).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read eula: %w", err)
	}
	return time.Unix(ts, 0), true, nil
}
