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

// Package store implements the embedded persistence layer: repositories,
// branches, commits, their build status, and deploy history.
package store

import "time"

// BuildStatus mirrors the lifecycle of a commit's CI check.
type BuildStatus string

const (
	BuildStatusNone    BuildStatus = "None"
	BuildStatusPending BuildStatus = "Pending"
	BuildStatusSuccess BuildStatus = "Success"
	BuildStatusFailure BuildStatus = "Failure"
)

// Repository is a tracked source-host repository.
type Repository struct {
	ID             int64
	Owner          string
	Name           string
	DefaultBranch  string
	Private        bool
	Language       string
}

// Branch is a named ref within a repository.
type Branch struct {
	ID            int64
	RepoID        int64
	Name          string
	HeadCommitSHA string
}

// Commit is a single revision observed on a repository.
type Commit struct {
	RepoID      int64
	SHA         string
	Message     string
	Author      string
	Committer   string
	Timestamp   time.Time
	BuildStatus BuildStatus
	BuildURL    string
	Parents     []string
}

// HistoryEntry is an append-only row describing a deploy-affecting action.
type HistoryEntry struct {
	DCName      string
	Namespace   string
	Timestamp   time.Time
	ArtifactSHA string
	ConfigSHA   string
	Action      string // "deploy", "undeploy", "redeploy", "autodeploy"
	Initiator   string // "operator", "webhook", "reconciler"
	Outcome     string // "success", "failure"
	Error       string
}

// ConfigFingerprint records the last-observed config_version_hash the
// Config Synchroniser computed for a DeployConfig, used for orphan
// detection when a repository's .deploy/ tree no longer lists a name.
type ConfigFingerprint struct {
	DCName    string
	Namespace string
	RepoID    int64
	Hash      string
}
