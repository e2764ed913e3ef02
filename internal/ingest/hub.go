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

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/coolkev/cicd-controller/internal/cluster"
	"github.com/coolkev/cicd-controller/internal/store"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// syncer is the narrow slice of *configsync.Synchroniser the hub needs,
// named here so tests can substitute a fake without a real Cluster/Store.
type syncer interface {
	Sync(ctx context.Context, repoID int64, repoOwner, repoName, branch string) error
}

// Hub owns the single persistent upstream connection: it dials, reconnects
// with backoff on loss, and dispatches each received frame to the
// Persistence Store plus a Config Synchroniser run or a Reconciler kick.
type Hub struct {
	URL   string
	Token string

	Store   *store.Store
	Cluster cluster.Client
	Sync    syncer
	Log     logr.Logger

	// Kicks carries requests for an out-of-band Reconciler pass, drained by
	// a forwarding goroutine in cmd/controller/main.go that calls
	// Reconciler.Reconcile directly — a plain channel rather than a
	// controller-runtime watch source, since the Reconciler's own per-DC
	// single-flight lock already makes a direct concurrent call safe, and
	// this sidesteps coupling the hub to controller-runtime's source/
	// handler generics for what is otherwise a two-line forwarding loop.
	// The hub only ever writes to it.
	Kicks chan ctrl.Request

	dial   dialFunc
	branch *branchSerial
	wg     sync.WaitGroup
}

// New builds a Hub ready to Run.
func New(url, token string, st *store.Store, cl cluster.Client, sync syncer, log logr.Logger) *Hub {
	return &Hub{
		URL:     url,
		Token:   token,
		Store:   st,
		Cluster: cl,
		Sync:    sync,
		Log:     log,
		Kicks:   make(chan ctrl.Request, 64),
		dial:    dialUpstream,
		branch:  newBranchSerial(),
	}
}

// Run holds the upstream connection open until ctx is cancelled,
// reconnecting with jittered exponential backoff (1s, capped at 30s) on
// every disconnect. It only returns once ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := h.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			h.Log.Error(err, "upstream connection lost, reconnecting")
		} else {
			attempt = -1 // clean disconnect: restart backoff from the base delay
		}

		select {
		case <-time.After(jitteredBackoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func jitteredBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := initialBackoff << uint(attempt)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	jitter := (rand.Float64() * 0.4) - 0.2
	d := time.Duration(float64(backoff) * (1 + jitter))
	if d > maxBackoff {
		d = maxBackoff
	}
	if d < 0 {
		d = initialBackoff
	}
	return d
}

func (h *Hub) connectAndServe(ctx context.Context) error {
	conn, err := h.dial(ctx, h.URL, h.Token)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(idlePingDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idlePingDeadline))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go h.pingLoop(conn, stopPing)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := decodeFrame(data)
		if err != nil {
			h.Log.Error(err, "dropping malformed frame")
			continue
		}
		h.route(ctx, env)
	}
}

func (h *Hub) pingLoop(conn wsConn, stop <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// route parses env's kind-specific payload and hands it to the per-branch
// serial dispatcher, so same-branch frames are handled in receive order
// while different branches process concurrently. Unknown kinds are logged
// and dropped; a malformed kind-specific payload is logged and dropped too
// — the hub never propagates a handler error up to connectAndServe, since a
// bad frame must never tear down the connection.
func (h *Hub) route(ctx context.Context, env frameEnvelope) {
	switch env.Kind {
	case "push":
		var f pushFrame
		if err := json.Unmarshal(env.Data, &f); err != nil {
			h.Log.Error(err, "dropping malformed push frame")
			return
		}
		key := fmt.Sprintf("%s/%s/%s", f.Owner, f.Repo, f.Branch)
		h.dispatch(key, func() { h.handlePush(ctx, f) })

	case "check_run", "check_suite":
		var f checkFrame
		if err := json.Unmarshal(env.Data, &f); err != nil {
			h.Log.Error(err, "dropping malformed check frame")
			return
		}
		key := fmt.Sprintf("%s/%s/%s", f.Owner, f.Repo, f.SHA)
		h.dispatch(key, func() { h.handleCheckCompleted(ctx, f) })

	default:
		h.Log.Info("dropping unrecognised frame kind", "kind", env.Kind)
	}
}

// dispatch runs task on its own goroutine, under key's branch lock, so the
// connection's read loop never blocks on a database or cluster call and
// frames on distinct branches process concurrently. wg lets tests (and a
// graceful shutdown) wait for in-flight dispatches to drain.
func (h *Hub) dispatch(key string, task func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.branch.run(key, task)
	}()
}

// Wait blocks until every dispatched frame handler has returned. Used by
// tests and by a graceful shutdown path that wants in-flight work to finish
// before the process exits.
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) handlePush(ctx context.Context, f pushFrame) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	log := h.Log.WithValues("owner", f.Owner, "repo", f.Repo, "branch", f.Branch)

	repoID, err := h.Store.UpsertRepo(ctx, store.Repository{Owner: f.Owner, Name: f.Repo, DefaultBranch: f.DefaultBranch})
	if err != nil {
		log.Error(err, "upserting repo")
		return
	}
	branchID, err := h.Store.UpsertBranch(ctx, store.Branch{RepoID: repoID, Name: f.Branch, HeadCommitSHA: f.Commit.SHA})
	if err != nil {
		log.Error(err, "upserting branch")
		return
	}
	if err := h.Store.UpsertCommit(ctx, store.Commit{
		RepoID:    repoID,
		SHA:       f.Commit.SHA,
		Message:   f.Commit.Message,
		Author:    f.Commit.Author,
		Committer: f.Commit.Committer,
		Timestamp: f.Commit.Timestamp,
		Parents:   f.Commit.Parents,
	}, branchID); err != nil {
		log.Error(err, "upserting commit", "sha", f.Commit.SHA)
		return
	}

	if f.DefaultBranch != "" && f.Branch != f.DefaultBranch {
		return
	}
	if err := h.Sync.Sync(ctx, repoID, f.Owner, f.Repo, f.Branch); err != nil {
		log.Error(err, "config sync failed")
	}
}

func (h *Hub) handleCheckCompleted(ctx context.Context, f checkFrame) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	log := h.Log.WithValues("owner", f.Owner, "repo", f.Repo, "sha", f.SHA)

	status := deriveBuildStatus(f.Status, f.Conclusion)

	repo, err := h.Store.GetRepo(ctx, f.Owner, f.Repo)
	if err != nil {
		log.Error(err, "looking up repo for check completion")
		return
	}
	if err := h.Store.SetCommitStatus(ctx, repo.ID, f.SHA, status, f.URL); err != nil {
		log.Error(err, "setting commit status")
		return
	}
	if status != store.BuildStatusSuccess {
		return
	}

	branches, err := h.Store.GetBranchesForCommit(ctx, repo.ID, f.SHA)
	if err != nil {
		log.Error(err, "listing branches for commit")
		return
	}
	if len(branches) == 0 {
		return
	}
	tracked := make(map[string]bool, len(branches))
	for _, b := range branches {
		tracked[b] = true
	}

	dcs, err := h.Cluster.ListDC(ctx, "")
	if err != nil {
		log.Error(err, "listing DeployConfigs for kick fan-out")
		return
	}
	for i := range dcs {
		dc := &dcs[i]
		if !dc.Spec.Autodeploy || !dc.Artifactful() {
			continue
		}
		if dc.Spec.Repo.Owner != f.Owner || dc.Spec.Repo.Repo != f.Repo {
			continue
		}
		if !tracked[dc.TrackedBranch(repo.DefaultBranch)] {
			continue
		}
		h.kick(dc.Namespace, dc.Name)
	}
}

// kick enqueues a Reconciler pass for ns/name without blocking: the queue
// is generously buffered and a dropped kick is recovered by the
// Reconciler's own periodic requeue, so a full channel never stalls frame
// processing.
func (h *Hub) kick(ns, name string) {
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: ns, Name: name}}
	select {
	case h.Kicks <- req:
	default:
		h.Log.Info("dropping reconciler kick, queue full", "namespace", ns, "name", name)
	}
}

// deriveBuildStatus maps a check run/suite's (status, conclusion) pair to
// a store.BuildStatus.
func deriveBuildStatus(status, conclusion string) store.BuildStatus {
	if status != "completed" {
		return store.BuildStatusPending
	}
	switch conclusion {
	case "success":
		return store.BuildStatusSuccess
	case "failure", "timed_out", "cancelled":
		return store.BuildStatusFailure
	default:
		return store.BuildStatusPending
	}
}
