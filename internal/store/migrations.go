// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package store

import (
	"database/sql"
	"fmt"
)

// migrations is append-only: once a statement block ships, it is never
// edited, only appended to. Each entry runs exactly once, tracked by
// schema_migrations.version.
var migrations = []string{
	// 1: initial schema
	`
	CREATE TABLE git_repo (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT '',
		private BOOLEAN NOT NULL DEFAULT 0,
		language TEXT NOT NULL DEFAULT '',
		UNIQUE(owner, name)
	);

	CREATE TABLE git_branch (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_id INTEGER NOT NULL REFERENCES git_repo(id),
		name TEXT NOT NULL,
		head_commit_sha TEXT NOT NULL DEFAULT '',
		UNIQUE(repo_id, name)
	);

	CREATE TABLE git_commit (
		repo_id INTEGER NOT NULL REFERENCES git_repo(id),
		sha TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		committer TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL DEFAULT 0,
		build_status TEXT NOT NULL DEFAULT 'None',
		build_url TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (repo_id, sha)
	);

	CREATE TABLE git_commit_parent (
		repo_id INTEGER NOT NULL,
		child_sha TEXT NOT NULL,
		parent_sha TEXT NOT NULL,
		PRIMARY KEY (repo_id, child_sha, parent_sha)
	);

	CREATE TABLE git_commit_branch (
		commit_repo_id INTEGER NOT NULL,
		commit_sha TEXT NOT NULL,
		branch_id INTEGER NOT NULL REFERENCES git_branch(id),
		PRIMARY KEY (commit_repo_id, commit_sha, branch_id)
	);

	CREATE TABLE deploy_config_fingerprint (
		dc_name TEXT NOT NULL,
		namespace TEXT NOT NULL,
		repo_id INTEGER NOT NULL REFERENCES git_repo(id),
		hash TEXT NOT NULL,
		PRIMARY KEY (dc_name, namespace)
	);

	CREATE TABLE deploy_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dc_name TEXT NOT NULL,
		namespace TEXT NOT NULL,
		ts INTEGER NOT NULL,
		artifact_sha TEXT NOT NULL DEFAULT '',
		config_sha TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		initiator TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_deploy_history_dc_ts ON deploy_history(dc_name, ts DESC);
	CREATE INDEX idx_git_commit_build_status ON git_commit(repo_id, build_status);
	`,
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scanning schema_migrations: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for i, stmt := range migrations {
		version := i + 1
		if applied[version] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version, err)
		}
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}
