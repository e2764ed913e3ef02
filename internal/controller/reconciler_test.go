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

package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	cicdv1 "github.com/coolkev/cicd-controller/api/v1alpha1"
	"github.com/coolkev/cicd-controller/internal/cicderr"
	"github.com/coolkev/cicd-controller/internal/cluster"
	"github.com/coolkev/cicd-controller/internal/nsprovision"
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

// fakeCluster is a hand-written stand-in for cluster.Client that keeps DCs
// and their owned children in memory, closely enough to exercise a full
// reconcile pass without a live API server.
type fakeCluster struct {
	dcs        map[string]*cicdv1.DeployConfig
	owned      map[string]map[string]unstructured.Unstructured // ns -> name -> obj
	namespaces map[string]bool
	applyErr   error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		dcs:        map[string]*cicdv1.DeployConfig{},
		owned:      map[string]map[string]unstructured.Unstructured{},
		namespaces: map[string]bool{},
	}
}

func dcKey(ns, name string) string { return ns + "/" + name }

func (f *fakeCluster) put(dc *cicdv1.DeployConfig) {
	f.dcs[dcKey(dc.Namespace, dc.Name)] = dc
}

func (f *fakeCluster) GetDC(ctx context.Context, ns, name string) (*cicdv1.DeployConfig, error) {
	dc, ok := f.dcs[dcKey(ns, name)]
	if !ok {
		return nil, cicderr.New("GetDC", cicderr.NotFound, nil)
	}
	return dc.DeepCopy(), nil
}

func (f *fakeCluster) ListDC(ctx context.Context, ns string) ([]cicdv1.DeployConfig, error) {
	return nil, nil
}

func (f *fakeCluster) ApplyDC(ctx context.Context, dc *cicdv1.DeployConfig) error {
	f.put(dc.DeepCopy())
	return nil
}

func (f *fakeCluster) DeleteDC(ctx context.Context, ns, name string) error {
	delete(f.dcs, dcKey(ns, name))
	return nil
}

func (f *fakeCluster) PatchDCStatus(ctx context.Context, ns, name string, mutate func(*cicdv1.DeployConfigStatus)) error {
	dc, ok := f.dcs[dcKey(ns, name)]
	if !ok {
		return cicderr.New("PatchDCStatus", cicderr.NotFound, nil)
	}
	mutate(&dc.Status)
	return nil
}

func (f *fakeCluster) PatchDCLabels(ctx context.Context, ns, name string, labels, annotations map[string]string) error {
	dc, ok := f.dcs[dcKey(ns, name)]
	if !ok {
		return cicderr.New("PatchDCLabels", cicderr.NotFound, nil)
	}
	l := dc.GetLabels()
	if l == nil {
		l = map[string]string{}
	}
	for k, v := range labels {
		l[k] = v
	}
	dc.SetLabels(l)

	a := dc.GetAnnotations()
	if a == nil {
		a = map[string]string{}
	}
	for k, v := range annotations {
		a[k] = v
	}
	dc.SetAnnotations(a)
	return nil
}

func (f *fakeCluster) AddFinalizer(ctx context.Context, ns, name string) (bool, error) {
	dc, ok := f.dcs[dcKey(ns, name)]
	if !ok {
		return false, cicderr.New("AddFinalizer", cicderr.NotFound, nil)
	}
	if controllerutil.ContainsFinalizer(dc, cluster.Finalizer) {
		return false, nil
	}
	controllerutil.AddFinalizer(dc, cluster.Finalizer)
	return true, nil
}

func (f *fakeCluster) RemoveFinalizer(ctx context.Context, ns, name string) (bool, error) {
	dc, ok := f.dcs[dcKey(ns, name)]
	if !ok {
		return false, nil
	}
	if !controllerutil.ContainsFinalizer(dc, cluster.Finalizer) {
		return false, nil
	}
	controllerutil.RemoveFinalizer(dc, cluster.Finalizer)
	return true, nil
}

func (f *fakeCluster) ApplyDynamic(ctx context.Context, gvk schema.GroupVersionKind, ns, name string, manifest *unstructured.Unstructured) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	obj := manifest.DeepCopy()
	obj.SetGroupVersionKind(gvk)
	obj.SetNamespace(ns)
	obj.SetName(name)
	if f.owned[ns] == nil {
		f.owned[ns] = map[string]unstructured.Unstructured{}
	}
	f.owned[ns][name] = *obj
	return nil
}

func (f *fakeCluster) ListOwned(ctx context.Context, ns, dcName string) ([]unstructured.Unstructured, error) {
	var out []unstructured.Unstructured
	for _, obj := range f.owned[ns] {
		labels := obj.GetLabels()
		if labels[cluster.DCLabel] == dcName && labels[cluster.ManagedByLabel] == cluster.ManagedByLabelValue {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeCluster) ListNamespaced(ctx context.Context, ns string) ([]unstructured.Unstructured, error) {
	var out []unstructured.Unstructured
	for _, obj := range f.owned[ns] {
		out = append(out, obj)
	}
	return out, nil
}

func (f *fakeCluster) Create(ctx context.Context, obj *unstructured.Unstructured) error {
	ns := obj.GetNamespace()
	if f.owned[ns] == nil {
		f.owned[ns] = map[string]unstructured.Unstructured{}
	}
	if _, exists := f.owned[ns][obj.GetName()]; exists {
		return cicderr.New("Create", cicderr.Conflict, nil)
	}
	f.owned[ns][obj.GetName()] = *obj.DeepCopy()
	return nil
}

func (f *fakeCluster) Delete(ctx context.Context, gvk schema.GroupVersionKind, ns, name string) error {
	delete(f.owned[ns], name)
	return nil
}

func (f *fakeCluster) EnsureNamespace(ctx context.Context, ns string) error {
	f.namespaces[ns] = true
	return nil
}

func (f *fakeCluster) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	return f.namespaces[ns], nil
}

var _ cluster.Client = (*fakeCluster)(nil)

func jsonSpec(raw string) *apiextensionsv1.JSON {
	return &apiextensionsv1.JSON{Raw: []byte(raw)}
}

func newReconciler(cl *fakeCluster, st *store.Store) *Reconciler {
	return New(cl, st, nsprovision.New(cl, ""))
}

func artifactfulDC() *cicdv1.DeployConfig {
	dc := &cicdv1.DeployConfig{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "team-a", Generation: 3},
		Spec: cicdv1.DeployConfigSpec{
			Repo:         cicdv1.RepoRef{Owner: "alice", Repo: "web"},
			Autodeploy:   true,
			ResourceType: "ConfigMap",
			APIVersion:   "v1",
			Spec:         jsonSpec(`{"data":{"sha":"$SHA"}}`),
		},
	}
	controllerutil.AddFinalizer(dc, cluster.Finalizer)
	return dc
}

func seedSuccessfulCommit(t *testing.T, st *store.Store, owner, repo, branch, sha string) int64 {
	t.Helper()
	ctx := context.Background()
	repoID, err := st.UpsertRepo(ctx, store.Repository{Owner: owner, Name: repo, DefaultBranch: branch})
	if err != nil {
		t.Fatalf("UpsertRepo: %v", err)
	}
	branchID, err := st.UpsertBranch(ctx, store.Branch{RepoID: repoID, Name: branch, HeadCommitSHA: sha})
	if err != nil {
		t.Fatalf("UpsertBranch: %v", err)
	}
	if err := st.UpsertCommit(ctx, store.Commit{
		RepoID: repoID, SHA: sha, Timestamp: time.Now(), BuildStatus: store.BuildStatusSuccess,
	}, branchID); err != nil {
		t.Fatalf("UpsertCommit: %v", err)
	}
	return repoID
}

func TestReconcile_AddsFinalizerAndRequeues(t *testing.T) {
	cl := newFakeCluster()
	dc := artifactfulDC()
	controllerutil.RemoveFinalizer(dc, cluster.Finalizer)
	cl.put(dc)

	r := newReconciler(cl, openTestStore(t))
	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: nsName(dc.Namespace, dc.Name)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.Requeue {
		t.Fatalf("expected immediate requeue after adding finalizer, got %+v", res)
	}
	if !controllerutil.ContainsFinalizer(cl.dcs[dcKey(dc.Namespace, dc.Name)], cluster.Finalizer) {
		t.Fatal("expected finalizer to be added")
	}
}

func TestReconcile_DeletionTombstoneCleansUpAndRemovesFinalizer(t *testing.T) {
	cl := newFakeCluster()
	dc := artifactfulDC()
	now := metav1.NewTime(time.Now())
	dc.DeletionTimestamp = &now
	cl.put(dc)
	cl.owned["team-a"] = map[string]unstructured.Unstructured{
		"web": ownedConfigMap("team-a", "web"),
	}

	r := newReconciler(cl, openTestStore(t))
	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: nsName(dc.Namespace, dc.Name)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.RequeueAfter != 0 || res.Requeue {
		t.Fatalf("expected no requeue on deletion, got %+v", res)
	}
	if len(cl.owned["team-a"]) != 0 {
		t.Fatalf("expected owned children deleted, got %v", cl.owned["team-a"])
	}
	if controllerutil.ContainsFinalizer(cl.dcs[dcKey(dc.Namespace, dc.Name)], cluster.Finalizer) {
		t.Fatal("expected finalizer removed")
	}
}

func TestReconcile_ArtifactfulAutodeployAppliesLatestSha(t *testing.T) {
	cl := newFakeCluster()
	dc := artifactfulDC()
	cl.put(dc)

	st := openTestStore(t)
	seedSuccessfulCommit(t, st, "alice", "web", "main", "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")

	r := newReconciler(cl, st)
	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: nsName(dc.Namespace, dc.Name)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.RequeueAfter != requeueSuccess {
		t.Fatalf("expected success requeue, got %+v", res)
	}

	updated := cl.dcs[dcKey(dc.Namespace, dc.Name)]
	if updated.Status.CurrentSha != "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef" {
		t.Fatalf("expected currentSha to converge to latest, got %q", updated.Status.CurrentSha)
	}
	if updated.Status.CurrentConfigSha == "" {
		t.Fatal("expected currentConfigSha to be set")
	}
	if updated.Status.LastAppliedCost != "USD 0.0000/hr" {
		t.Fatalf("expected a zero-cost estimate for a ConfigMap-only DC, got %q", updated.Status.LastAppliedCost)
	}

	owned, ok := cl.owned["team-a"]["web"]
	if !ok {
		t.Fatal("expected ConfigMap child applied")
	}
	sha, _, _ := unstructured.NestedString(owned.Object, "data", "sha")
	if sha != "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef" {
		t.Fatalf("expected $SHA substitution, got %q", sha)
	}

	history, err := st.History(context.Background(), "web", "team-a", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != "success" {
		t.Fatalf("expected one successful history row, got %v", history)
	}
}

func TestReconcile_ArtifactlessAutodeployAppliesConfigHash(t *testing.T) {
	cl := newFakeCluster()
	dc := &cicdv1.DeployConfig{
		ObjectMeta: metav1.ObjectMeta{Name: "static", Namespace: "team-a"},
		Spec: cicdv1.DeployConfigSpec{
			Autodeploy:   true,
			ResourceType: "ConfigMap",
			APIVersion:   "v1",
			Spec:         jsonSpec(`{"data":{"greeting":"hello"}}`),
		},
	}
	controllerutil.AddFinalizer(dc, cluster.Finalizer)
	cl.put(dc)

	r := newReconciler(cl, openTestStore(t))
	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: nsName(dc.Namespace, dc.Name)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.RequeueAfter != requeueSuccess {
		t.Fatalf("expected success requeue, got %+v", res)
	}

	updated := cl.dcs[dcKey(dc.Namespace, dc.Name)]
	if updated.Status.CurrentSha != "" {
		t.Fatalf("expected no artifact sha for an artifactless config, got %q", updated.Status.CurrentSha)
	}
	if updated.Status.CurrentConfigSha == "" {
		t.Fatal("expected currentConfigSha to be set")
	}
	if _, ok := cl.owned["team-a"]["static"]; !ok {
		t.Fatal("expected ConfigMap child applied")
	}
}

func TestReconcile_SettledTupleShortCircuits(t *testing.T) {
	cl := newFakeCluster()
	dc := artifactfulDC()
	dc.Spec.Autodeploy = false
	dc.Status = cicdv1.DeployConfigStatus{
		CurrentSha: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", WantedSha: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		CurrentConfigSha: "cfg", WantedConfigSha: "cfg",
	}
	cl.put(dc)

	r := newReconciler(cl, openTestStore(t))
	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: nsName(dc.Namespace, dc.Name)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.RequeueAfter != requeueSettled {
		t.Fatalf("expected settled requeue, got %+v", res)
	}
	if _, applied := cl.owned["team-a"]["web"]; applied {
		t.Fatal("expected no apply when tuple is already settled")
	}
}

func TestReconcile_InvalidTupleRejected(t *testing.T) {
	cl := newFakeCluster()
	dc := artifactfulDC()
	dc.Spec.Autodeploy = false
	dc.Status = cicdv1.DeployConfigStatus{WantedSha: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", WantedConfigSha: ""}
	cl.put(dc)

	r := newReconciler(cl, openTestStore(t))
	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: nsName(dc.Namespace, dc.Name)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.RequeueAfter != 0 || res.Requeue {
		t.Fatalf("expected no requeue on invalid tuple, got %+v", res)
	}
	if cl.dcs[dcKey(dc.Namespace, dc.Name)].Status.LastError == "" {
		t.Fatal("expected last_error to be set")
	}
}

func TestReconcile_ApplyFailureRecordsHistoryAndRequeues(t *testing.T) {
	cl := newFakeCluster()
	cl.applyErr = cicderr.New("ApplyDynamic", cicderr.ClusterFatal, nil)
	dc := artifactfulDC()
	cl.put(dc)

	st := openTestStore(t)
	seedSuccessfulCommit(t, st, "alice", "web", "main", "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")

	r := newReconciler(cl, st)
	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: nsName(dc.Namespace, dc.Name)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.RequeueAfter != requeueFailure {
		t.Fatalf("expected failure requeue, got %+v", res)
	}

	updated := cl.dcs[dcKey(dc.Namespace, dc.Name)]
	if updated.Status.LastError == "" {
		t.Fatal("expected last_error to be recorded")
	}
	if updated.Status.CurrentSha != "" {
		t.Fatal("expected currentSha to remain untouched on failure")
	}

	history, err := st.History(context.Background(), "web", "team-a", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != "failure" {
		t.Fatalf("expected one failed history row, got %v", history)
	}
}

func nsName(ns, name string) types.NamespacedName {
	return types.NamespacedName{Namespace: ns, Name: name}
}

func ownedConfigMap(ns, name string) unstructured.Unstructured {
	u := unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
	}}
	u.SetNamespace(ns)
	u.SetName(name)
	u.SetLabels(map[string]string{
		cluster.ManagedByLabel: cluster.ManagedByLabelValue,
		cluster.DCLabel:        name,
	})
	return u
}
