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
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the embedded persistence layer backing the controller's view of
// source-host state and its own deploy history. It wraps a single SQLite
// connection kept to one writer at a time; every mutation is a short
// transaction so the controller's reconcile loop never blocks on it for
// long.
type Store struct {
	db *sql.DB
}

// Open opens (and, if necessary, creates) the SQLite database at path and
// brings its schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, newError("Open", Io, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, newError("Open", Io, err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRepo inserts or updates the row for owner/name, returning its id.
func (s *Store) UpsertRepo(ctx context.Context, r Repository) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO git_repo (owner, name, default_branch, private, language)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner, name) DO UPDATE SET
			default_branch = excluded.default_branch,
			private = excluded.private,
			language = excluded.language
	`, r.Owner, r.Name, r.DefaultBranch, r.Private, r.Language)
	if err != nil {
		return 0, newError("UpsertRepo", Io, err)
	}

	var id int64
	row := s.db.QueryRowContext(ctx, `SELECT id FROM git_repo WHERE owner = ? AND name = ?`, r.Owner, r.Name)
	if err := row.Scan(&id); err != nil {
		return 0, newError("UpsertRepo", Io, err)
	}
	return id, nil
}

// GetRepo returns the full row for a previously observed repository,
// including its default branch.
func (s *Store) GetRepo(ctx context.Context, owner, name string) (Repository, error) {
	var r Repository
	row := s.db.QueryRowContext(ctx, `SELECT id, owner, name, default_branch, private, language FROM git_repo WHERE owner = ? AND name = ?`, owner, name)
	if err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.DefaultBranch, &r.Private, &r.Language); err != nil {
		if err == sql.ErrNoRows {
			return Repository{}, newError("GetRepo", NotFound, err)
		}
		return Repository{}, newError("GetRepo", Io, err)
	}
	return r, nil
}

// UpsertBranch inserts or updates a branch's head pointer.
func (s *Store) UpsertBranch(ctx context.Context, b Branch) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO git_branch (repo_id, name, head_commit_sha)
		VALUES (?, ?, ?)
		ON CONFLICT(repo_id, name) DO UPDATE SET head_commit_sha = excluded.head_commit_sha
	`, b.RepoID, b.Name, b.HeadCommitSHA)
	if err != nil {
		return 0, newError("UpsertBranch", Io, err)
	}

	var id int64
	row := s.db.QueryRowContext(ctx, `SELECT id FROM git_branch WHERE repo_id = ? AND name = ?`, b.RepoID, b.Name)
	if err := row.Scan(&id); err != nil {
		return 0, newError("UpsertBranch", Io, err)
	}
	return id, nil
}

// UpsertCommit records a commit and its parent edges, and associates it
// with branchID if branchID is non-zero.
func (s *Store) UpsertCommit(ctx context.Context, c Commit, branchID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newError("UpsertCommit", Io, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO git_commit (repo_id, sha, message, author, committer, timestamp, build_status, build_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, sha) DO UPDATE SET
			message = excluded.message,
			author = excluded.author,
			committer = excluded.committer,
			timestamp = excluded.timestamp
	`, c.RepoID, c.SHA, c.Message, c.Author, c.Committer, c.Timestamp.Unix(), string(orDefault(c.BuildStatus, BuildStatusNone)), c.BuildURL)
	if err != nil {
		return newError("UpsertCommit", Io, err)
	}

	for _, parent := range c.Parents {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO git_commit_parent (repo_id, child_sha, parent_sha)
			VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, c.RepoID, c.SHA, parent)
		if err != nil {
			return newError("UpsertCommit", Io, err)
		}
	}

	if branchID != 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO git_commit_branch (commit_repo_id, commit_sha, branch_id)
			VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, c.RepoID, c.SHA, branchID)
		if err != nil {
			return newError("UpsertCommit", Io, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return newError("UpsertCommit", Io, err)
	}
	return nil
}

func orDefault(s BuildStatus, d BuildStatus) BuildStatus {
	if s == "" {
		return d
	}
	return s
}

// SetCommitStatus updates a commit's build status and URL.
func (s *Store) SetCommitStatus(ctx context.Context, repoID int64, sha string, status BuildStatus, url string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE git_commit SET build_status = ?, build_url = ? WHERE repo_id = ? AND sha = ?
	`, string(status), url, repoID, sha)
	if err != nil {
		return newError("SetCommitStatus", Io, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError("SetCommitStatus", Io, err)
	}
	if n == 0 {
		return newError("SetCommitStatus", NotFound, fmt.Errorf("commit %s not tracked", sha))
	}
	return nil
}

// GetBranchHead returns the sha a branch currently points at.
func (s *Store) GetBranchHead(ctx context.Context, repoID int64, branch string) (string, error) {
	var sha string
	row := s.db.QueryRowContext(ctx, `SELECT head_commit_sha FROM git_branch WHERE repo_id = ? AND name = ?`, repoID, branch)
	if err := row.Scan(&sha); err != nil {
		if err == sql.ErrNoRows {
			return "", newError("GetBranchHead", NotFound, err)
		}
		return "", newError("GetBranchHead", Io, err)
	}
	return sha, nil
}

// GetBranchesForCommit returns the names of branches that contain sha.
func (s *Store) GetBranchesForCommit(ctx context.Context, repoID int64, sha string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gb.name
		FROM git_commit_branch gcb
		JOIN git_branch gb ON gb.id = gcb.branch_id
		WHERE gcb.commit_repo_id = ? AND gcb.commit_sha = ?
	`, repoID, sha)
	if err != nil {
		return nil, newError("GetBranchesForCommit", Io, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, newError("GetBranchesForCommit", Io, err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("GetBranchesForCommit", Io, err)
	}
	return names, nil
}

// LatestSuccessfulSHA returns the most recent commit on branch whose build
// status is Success, walking back from the branch head by commit timestamp.
func (s *Store) LatestSuccessfulSHA(ctx context.Context, repoID int64, branch string) (string, error) {
	var sha string
	row := s.db.QueryRowContext(ctx, `
		SELECT gc.sha
		FROM git_commit gc
		JOIN git_commit_branch gcb ON gcb.commit_repo_id = gc.repo_id AND gcb.commit_sha = gc.sha
		JOIN git_branch gb ON gb.id = gcb.branch_id
		WHERE gb.repo_id = ? AND gb.name = ? AND gc.build_status = ?
		ORDER BY gc.timestamp DESC
		LIMIT 1
	`, repoID, branch, string(BuildStatusSuccess))
	if err := row.Scan(&sha); err != nil {
		if err == sql.ErrNoRows {
			return "", newError("LatestSuccessfulSHA", NotFound, err)
		}
		return "", newError("LatestSuccessfulSHA", Io, err)
	}
	return sha, nil
}

// RecordConfigFingerprint upserts the last-observed config_version_hash for
// a DeployConfig.
func (s *Store) RecordConfigFingerprint(ctx context.Context, f ConfigFingerprint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deploy_config_fingerprint (dc_name, namespace, repo_id, hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(dc_name, namespace) DO UPDATE SET repo_id = excluded.repo_id, hash = excluded.hash
	`, f.DCName, f.Namespace, f.RepoID, f.Hash)
	if err != nil {
		return newError("RecordConfigFingerprint", Io, err)
	}
	return nil
}

// FingerprintsByRepo returns every recorded fingerprint for a repository,
// used by the Config Synchroniser to detect DeployConfigs whose source
// entry has disappeared from .deploy/.
func (s *Store) FingerprintsByRepo(ctx context.Context, repoID int64) ([]ConfigFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dc_name, namespace, repo_id, hash FROM deploy_config_fingerprint WHERE repo_id = ?
	`, repoID)
	if err != nil {
		return nil, newError("FingerprintsByRepo", Io, err)
	}
	defer rows.Close()

	var out []ConfigFingerprint
	for rows.Next() {
		var f ConfigFingerprint
		if err := rows.Scan(&f.DCName, &f.Namespace, &f.RepoID, &f.Hash); err != nil {
			return nil, newError("FingerprintsByRepo", Io, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("FingerprintsByRepo", Io, err)
	}
	return out, nil
}

// DeleteFingerprint removes a DeployConfig's recorded fingerprint, used
// when its DeployConfig has been deleted outright.
func (s *Store) DeleteFingerprint(ctx context.Context, dcName, namespace string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deploy_config_fingerprint WHERE dc_name = ? AND namespace = ?`, dcName, namespace)
	if err != nil {
		return newError("DeleteFingerprint", Io, err)
	}
	return nil
}

// AppendHistory appends an immutable history row.
func (s *Store) AppendHistory(ctx context.Context, e HistoryEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deploy_history (dc_name, namespace, ts, artifact_sha, config_sha, action, initiator, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.DCName, e.Namespace, ts.Unix(), e.ArtifactSHA, e.ConfigSHA, e.Action, e.Initiator, e.Outcome, e.Error)
	if err != nil {
		return newError("AppendHistory", Io, err)
	}
	return nil
}

// History returns the most recent limit history rows for a DeployConfig,
// newest first.
func (s *Store) History(ctx context.Context, dcName, namespace string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dc_name, namespace, ts, artifact_sha, config_sha, action, initiator, outcome, error
		FROM deploy_history
		WHERE dc_name = ? AND namespace = ?
		ORDER BY ts DESC
		LIMIT ?
	`, dcName, namespace, limit)
	if err != nil {
		return nil, newError("History", Io, err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var ts int64
		if err := rows.Scan(&e.DCName, &e.Namespace, &ts, &e.ArtifactSHA, &e.ConfigSHA, &e.Action, &e.Initiator, &e.Outcome, &e.Error); err != nil {
			return nil, newError("History", Io, err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("History", Io, err)
	}
	return out, nil
}
