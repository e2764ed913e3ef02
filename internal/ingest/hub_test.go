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
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	cicdv1 "github.com/coolkev/cicd-controller/api/v1alpha1"
	"github.com/coolkev/cicd-controller/internal/cicderr"
	"github.com/coolkev/cicd-controller/internal/cluster"
	"github.com/coolkev/cicd-controller/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func frame(kind string, data interface{}) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	env, err := json.Marshal(map[string]interface{}{"kind": kind, "data": json.RawMessage(raw)})
	if err != nil {
		panic(err)
	}
	return env
}

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	idx    int
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.frames) {
		return 0, nil, io.EOF
	}
	d := f.frames[f.idx]
	f.idx++
	return 1, d, nil
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)         {}
func (f *fakeConn) Close() error                              { return nil }

var _ wsConn = (*fakeConn)(nil)

type fakeSyncer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *fakeSyncer) Sync(ctx context.Context, repoID int64, owner, name, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("%s/%s@%s", owner, name, branch))
	return s.err
}

// minimalFakeCluster implements cluster.Client with only ListDC behaving
// meaningfully; the hub never calls the rest in these tests.
type minimalFakeCluster struct {
	dcs []cicdv1.DeployConfig
}

func (c *minimalFakeCluster) GetDC(ctx context.Context, ns, name string) (*cicdv1.DeployConfig, error) {
	return nil, cicderr.New("GetDC", cicderr.NotFound, nil)
}
func (c *minimalFakeCluster) ListDC(ctx context.Context, ns string) ([]cicdv1.DeployConfig, error) {
	return c.dcs, nil
}
func (c *minimalFakeCluster) ApplyDC(ctx context.Context, dc *cicdv1.DeployConfig) error { return nil }
func (c *minimalFakeCluster) DeleteDC(ctx context.Context, ns, name string) error        { return nil }
func (c *minimalFakeCluster) PatchDCStatus(ctx context.Context, ns, name string, mutate func(*cicdv1.DeployConfigStatus)) error {
	return nil
}
func (c *minimalFakeCluster) PatchDCLabels(ctx context.Context, ns, name string, labels, annotations map[string]string) error {
	return nil
}
func (c *minimalFakeCluster) AddFinalizer(ctx context.Context, ns, name string) (bool, error) {
	return false, nil
}
func (c *minimalFakeCluster) RemoveFinalizer(ctx context.Context, ns, name string) (bool, error) {
	return false, nil
}
func (c *minimalFakeCluster) ApplyDynamic(ctx context.Context, gvk schema.GroupVersionKind, ns, name string, manifest *unstructured.Unstructured) error {
	return nil
}
func (c *minimalFakeCluster) ListOwned(ctx context.Context, ns, dcName string) ([]unstructured.Unstructured, error) {
	return nil, nil
}
func (c *minimalFakeCluster) ListNamespaced(ctx context.Context, ns string) ([]unstructured.Unstructured, error) {
	return nil, nil
}
func (c *minimalFakeCluster) Create(ctx context.Context, obj *unstructured.Unstructured) error {
	return nil
}
func (c *minimalFakeCluster) Delete(ctx context.Context, gvk schema.GroupVersionKind, ns, name string) error {
	return nil
}
func (c *minimalFakeCluster) EnsureNamespace(ctx context.Context, ns string) error { return nil }
func (c *minimalFakeCluster) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	return false, nil
}

var _ cluster.Client = (*minimalFakeCluster)(nil)

func newTestHub(t *testing.T, conn *fakeConn, cl *minimalFakeCluster, sy *fakeSyncer) *Hub {
	t.Helper()
	h := New("ws://upstream.test/ws", "secret", openTestStore(t), cl, sy, logr.Discard())
	h.dial = func(ctx context.Context, url, token string) (wsConn, error) { return conn, nil }
	return h
}

func TestHub_HandlePushOnDefaultBranchTriggersSync(t *testing.T) {
	conn := &fakeConn{frames: [][]byte{
		frame("push", pushFrame{
			Owner: "alice", Repo: "web", DefaultBranch: "main", Branch: "main",
			Commit: commitPayload{SHA: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", Message: "hi", Timestamp: time.Now()},
		}),
	}}
	sy := &fakeSyncer{}
	h := newTestHub(t, conn, &minimalFakeCluster{}, sy)

	if err := h.connectAndServe(context.Background()); err != io.EOF {
		t.Fatalf("connectAndServe: %v", err)
	}
	h.Wait()

	sy.mu.Lock()
	defer sy.mu.Unlock()
	if len(sy.calls) != 1 || sy.calls[0] != "alice/web@main" {
		t.Fatalf("expected one sync call for the default branch, got %v", sy.calls)
	}

	repo, err := h.Store.GetRepo(context.Background(), "alice", "web")
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	sha, err := h.Store.GetBranchHead(context.Background(), repo.ID, "main")
	if err != nil {
		t.Fatalf("GetBranchHead: %v", err)
	}
	if sha != "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef" {
		t.Fatalf("expected branch head updated, got %q", sha)
	}
}

func TestHub_HandlePushOnNonDefaultBranchSkipsSync(t *testing.T) {
	conn := &fakeConn{frames: [][]byte{
		frame("push", pushFrame{
			Owner: "alice", Repo: "web", DefaultBranch: "main", Branch: "feature-x",
			Commit: commitPayload{SHA: "cafecafecafecafecafecafecafecafecafecafe", Timestamp: time.Now()},
		}),
	}}
	sy := &fakeSyncer{}
	h := newTestHub(t, conn, &minimalFakeCluster{}, sy)

	if err := h.connectAndServe(context.Background()); err != io.EOF {
		t.Fatalf("connectAndServe: %v", err)
	}
	h.Wait()

	sy.mu.Lock()
	defer sy.mu.Unlock()
	if len(sy.calls) != 0 {
		t.Fatalf("expected no sync call for a non-default branch, got %v", sy.calls)
	}
}

func TestHub_CheckCompletionSuccessUpdatesStatusAndKicks(t *testing.T) {
	cl := &minimalFakeCluster{dcs: []cicdv1.DeployConfig{
		{
			ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "web"},
			Spec: cicdv1.DeployConfigSpec{
				Repo:       cicdv1.RepoRef{Owner: "alice", Repo: "web"},
				Autodeploy: true,
			},
		},
	}}
	sy := &fakeSyncer{}
	h := newTestHub(t, &fakeConn{}, cl, sy)

	ctx := context.Background()
	repoID, err := h.Store.UpsertRepo(ctx, store.Repository{Owner: "alice", Name: "web", DefaultBranch: "main"})
	if err != nil {
		t.Fatalf("UpsertRepo: %v", err)
	}
	branchID, err := h.Store.UpsertBranch(ctx, store.Branch{RepoID: repoID, Name: "main", HeadCommitSHA: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"})
	if err != nil {
		t.Fatalf("UpsertBranch: %v", err)
	}
	if err := h.Store.UpsertCommit(ctx, store.Commit{
		RepoID: repoID, SHA: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", Timestamp: time.Now(),
	}, branchID); err != nil {
		t.Fatalf("UpsertCommit: %v", err)
	}

	h.handleCheckCompleted(ctx, checkFrame{
		Owner: "alice", Repo: "web", SHA: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		Status: "completed", Conclusion: "success", URL: "https://ci.example/1",
	})

	sha, err := h.Store.LatestSuccessfulSHA(ctx, repoID, "main")
	if err != nil {
		t.Fatalf("LatestSuccessfulSHA: %v", err)
	}
	if sha != "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef" {
		t.Fatalf("expected commit status marked successful, got sha %q", sha)
	}

	select {
	case req := <-h.Kicks:
		if req.Namespace != "team-a" || req.Name != "web" {
			t.Fatalf("unexpected kick target %+v", req)
		}
	default:
		t.Fatal("expected a reconciler kick to be enqueued")
	}
}

func TestHub_UnknownFrameKindIsDropped(t *testing.T) {
	conn := &fakeConn{frames: [][]byte{frame("release", map[string]string{"x": "y"})}}
	sy := &fakeSyncer{}
	h := newTestHub(t, conn, &minimalFakeCluster{}, sy)

	if err := h.connectAndServe(context.Background()); err != io.EOF {
		t.Fatalf("connectAndServe: %v", err)
	}
	h.Wait()
}

func TestJitteredBackoff_StaysWithinBounds(t *testing.T) {
	for attempt := -1; attempt < 10; attempt++ {
		d := jitteredBackoff(attempt)
		if d <= 0 || d > maxBackoff {
			t.Fatalf("attempt %d: backoff %v out of bounds (0, %v]", attempt, d, maxBackoff)
		}
	}
}
