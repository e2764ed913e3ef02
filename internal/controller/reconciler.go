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
	"sort"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	ctrl "sigs.k8s.io/controller-runtime"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	cicdv1 "github.com/coolkev/cicd-controller/api/v1alpha1"
	"github.com/coolkev/cicd-controller/internal/cicderr"
	"github.com/coolkev/cicd-controller/internal/cluster"
	"github.com/coolkev/cicd-controller/internal/configsync"
	"github.com/coolkev/cicd-controller/internal/cost"
	"github.com/coolkev/cicd-controller/internal/manifest"
	"github.com/coolkev/cicd-controller/internal/nsprovision"
	"github.com/coolkev/cicd-controller/internal/statetuple"
	"github.com/coolkev/cicd-controller/internal/store"
)

// Requeue delays per §4.7 step 6 and step 12.
const (
	requeueSettled = 60 * time.Second
	requeueFailure = 15 * time.Second
	requeueSuccess = 5 * time.Minute
)

// Reconciler drives each DeployConfig's applied tuple toward its wanted
// tuple: resolving manifests at the wanted artifact SHA, applying them,
// pruning children no longer declared, and recording the outcome in both
// the DC's status subresource and the deploy history ledger.
type Reconciler struct {
	Cluster       cluster.Client
	Store         *store.Store
	Provisioner   *nsprovision.Provisioner
	CostEstimator *cost.Estimator

	locks singleflight.Group
}

// New builds a Reconciler.
func New(cl cluster.Client, st *store.Store, prov *nsprovision.Provisioner) *Reconciler {
	return &Reconciler{Cluster: cl, Store: st, Provisioner: prov, CostEstimator: cost.NewEstimator(cost.DefaultConfig())}
}

// Reconcile runs one pass for req's DeployConfig under a per-DC
// single-flight lock: concurrent invocations for the same DC collapse into
// one execution and share its result.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	key := req.Namespace + "/" + req.Name

	v, err, _ := r.locks.Do(key, func() (interface{}, error) {
		res, rerr := r.reconcile(ctx, req.Namespace, req.Name)
		return res, rerr
	})
	if err != nil {
		return ctrl.Result{}, err
	}
	return v.(ctrl.Result), nil
}

func (r *Reconciler) reconcile(ctx context.Context, ns, name string) (ctrl.Result, error) {
	log := logf.FromContext(ctx).WithValues("namespace", ns, "name", name)

	dc, err := r.Cluster.GetDC(ctx, ns, name)
	if err != nil {
		if kind, ok := cicderr.KindOf(err); ok && kind == cicderr.NotFound {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if !dc.DeletionTimestamp.IsZero() {
		return r.finalize(ctx, dc, log)
	}

	added, err := r.Cluster.AddFinalizer(ctx, ns, name)
	if err != nil {
		log.Error(err, "adding finalizer")
		return ctrl.Result{}, err
	}
	if added {
		return ctrl.Result{Requeue: true}, nil
	}

	latestSha, err := r.computeLatestSha(ctx, dc)
	if err != nil {
		log.Error(err, "computing latest sha")
	}
	orphaned := dc.Labels[cluster.OrphanedLabel] == "true"
	if latestSha != dc.Status.LatestSha || orphaned != dc.Status.Orphaned {
		if err := r.Cluster.PatchDCStatus(ctx, ns, name, func(s *cicdv1.DeployConfigStatus) {
			s.LatestSha = latestSha
			s.Orphaned = orphaned
		}); err != nil {
			log.Error(err, "patching latestSha and orphaned mirror")
		}
		dc.Status.Orphaned = orphaned
	}

	configHash := configsync.Fingerprint(dc, r.trackedBranch(ctx, dc))

	wantedSha := dc.Status.WantedSha
	wantedConfigSha := dc.Status.WantedConfigSha

	switch {
	case dc.Spec.Autodeploy && !orphaned && dc.Artifactful():
		if latestSha != "" && latestSha != dc.Status.CurrentSha {
			wantedSha = latestSha
			wantedConfigSha = configHash
		}
	case dc.Spec.Autodeploy && !dc.Artifactful():
		if configHash != wantedConfigSha {
			wantedConfigSha = configHash
		}
	}

	if wantedSha != dc.Status.WantedSha || wantedConfigSha != dc.Status.WantedConfigSha {
		if err := r.Cluster.PatchDCStatus(ctx, ns, name, func(s *cicdv1.DeployConfigStatus) {
			s.WantedSha = wantedSha
			s.WantedConfigSha = wantedConfigSha
		}); err != nil {
			log.Error(err, "patching wanted tuple")
		}
	}

	if wantedSha == dc.Status.CurrentSha && wantedConfigSha == dc.Status.CurrentConfigSha {
		return ctrl.Result{RequeueAfter: requeueSettled}, nil
	}

	if err := statetuple.Validate(dc.Artifactful(), wantedSha, wantedConfigSha); err != nil {
		if perr := r.Cluster.PatchDCStatus(ctx, ns, name, func(s *cicdv1.DeployConfigStatus) {
			s.LastError = err.Error()
		}); perr != nil {
			log.Error(perr, "patching invalid-tuple last_error")
		}
		return ctrl.Result{}, nil
	}

	if err := r.Provisioner.Ensure(ctx, ns); err != nil {
		return r.fail(ctx, ns, name, wantedSha, wantedConfigSha, err, log)
	}

	manifests, err := manifest.Resolve(dc, wantedSha)
	if err != nil {
		return r.fail(ctx, ns, name, wantedSha, wantedConfigSha, err, log)
	}
	sort.Slice(manifests, func(i, j int) bool {
		gi, gj := manifests[i].GVK.String(), manifests[j].GVK.String()
		if gi != gj {
			return gi < gj
		}
		return manifests[i].Name < manifests[j].Name
	})

	applied := map[string]bool{}
	for _, m := range manifests {
		if err := r.Cluster.ApplyDynamic(ctx, m.GVK, ns, m.Name, m.Manifest); err != nil {
			return r.fail(ctx, ns, name, wantedSha, wantedConfigSha, err, log)
		}
		applied[ownedKey(m.GVK.String(), m.Name)] = true
	}

	owned, err := r.Cluster.ListOwned(ctx, ns, name)
	if err != nil {
		return r.fail(ctx, ns, name, wantedSha, wantedConfigSha, err, log)
	}
	for _, obj := range owned {
		gvk := obj.GroupVersionKind()
		if applied[ownedKey(gvk.String(), obj.GetName())] {
			continue
		}
		if err := r.Cluster.Delete(ctx, gvk, ns, obj.GetName()); err != nil {
			log.Error(err, "pruning orphaned child", "kind", gvk.Kind, "name", obj.GetName())
		}
	}

	appliedCost := r.CostEstimator.EstimateOwned(appliedManifests(manifests))

	if err := r.Cluster.PatchDCStatus(ctx, ns, name, func(s *cicdv1.DeployConfigStatus) {
		s.CurrentSha = wantedSha
		s.CurrentConfigSha = wantedConfigSha
		s.LastError = ""
		s.ObservedGeneration = dc.Generation
		s.LastAppliedCost = appliedCost
	}); err != nil {
		log.Error(err, "patching success status")
	}
	if err := r.Store.AppendHistory(ctx, store.HistoryEntry{
		DCName: name, Namespace: ns,
		ArtifactSHA: wantedSha, ConfigSHA: wantedConfigSha,
		Action: "deploy", Initiator: "reconciler", Outcome: "success",
	}); err != nil {
		log.Error(err, "appending success history")
	}

	return ctrl.Result{RequeueAfter: requeueSuccess}, nil
}

// finalize tears down a DC's owned children and clears the finalizer so
// its deletion can complete. Never requeues: there is nothing left to
// converge once the DC itself is gone.
func (r *Reconciler) finalize(ctx context.Context, dc *cicdv1.DeployConfig, log logr.Logger) (ctrl.Result, error) {
	owned, err := r.Cluster.ListOwned(ctx, dc.Namespace, dc.Name)
	if err != nil {
		return ctrl.Result{}, err
	}
	for _, obj := range owned {
		gvk := obj.GroupVersionKind()
		if err := r.Cluster.Delete(ctx, gvk, dc.Namespace, obj.GetName()); err != nil {
			log.Error(err, "deleting owned child during finalize", "kind", gvk.Kind, "name", obj.GetName())
		}
	}
	if _, err := r.Cluster.RemoveFinalizer(ctx, dc.Namespace, dc.Name); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

func (r *Reconciler) fail(ctx context.Context, ns, name, wantedSha, wantedConfigSha string, cause error, log logr.Logger) (ctrl.Result, error) {
	log.Error(cause, "reconcile apply failed")
	if err := r.Cluster.PatchDCStatus(ctx, ns, name, func(s *cicdv1.DeployConfigStatus) {
		s.LastError = cause.Error()
	}); err != nil {
		log.Error(err, "patching failure status")
	}
	if err := r.Store.AppendHistory(ctx, store.HistoryEntry{
		DCName: name, Namespace: ns,
		ArtifactSHA: wantedSha, ConfigSHA: wantedConfigSha,
		Action: "deploy", Initiator: "reconciler", Outcome: "failure", Error: cause.Error(),
	}); err != nil {
		log.Error(err, "appending failure history")
	}
	return ctrl.Result{RequeueAfter: requeueFailure}, nil
}

// computeLatestSha looks up the latest successful commit on dc's tracked
// branch. An artifactless config, or a repository the store has not yet
// observed, has no latest SHA.
func (r *Reconciler) computeLatestSha(ctx context.Context, dc *cicdv1.DeployConfig) (string, error) {
	if !dc.Artifactful() {
		return "", nil
	}
	repo, err := r.Store.GetRepo(ctx, dc.Spec.Repo.Owner, dc.Spec.Repo.Repo)
	if err != nil {
		if kind, ok := store.KindOf(err); ok && kind == store.NotFound {
			return "", nil
		}
		return "", err
	}
	sha, err := r.Store.LatestSuccessfulSHA(ctx, repo.ID, dc.TrackedBranch(repo.DefaultBranch))
	if err != nil {
		if kind, ok := store.KindOf(err); ok && kind == store.NotFound {
			return "", nil
		}
		return "", err
	}
	return sha, nil
}

// trackedBranch resolves the branch dc's config_version_hash is computed
// against: the artifact repository's default branch when dc.Spec.Repo.Branch
// is unset and the repository is known, or dc.Spec.Repo.Branch as-is
// otherwise. An artifactless config with no branch override hashes against
// an empty tracked branch; the Config Synchroniser fingerprints the same
// config against the branch it synced, so its recorded fingerprint differs
// from the wantedConfigSha computed here.
func (r *Reconciler) trackedBranch(ctx context.Context, dc *cicdv1.DeployConfig) string {
	if dc.Spec.Repo.Branch != "" {
		return dc.Spec.Repo.Branch
	}
	if !dc.Artifactful() {
		return ""
	}
	repo, err := r.Store.GetRepo(ctx, dc.Spec.Repo.Owner, dc.Spec.Repo.Repo)
	if err != nil {
		return ""
	}
	return repo.DefaultBranch
}

func ownedKey(gvk, name string) string { return gvk + "/" + name }

// appliedManifests extracts the applied unstructured objects from manifests
// for cost estimation, which only inspects pod templates and replica counts
// and doesn't care about GVK or name.
func appliedManifests(manifests []cluster.Manifest) []unstructured.Unstructured {
	out := make([]unstructured.Unstructured, 0, len(manifests))
	for _, m := range manifests {
		if m.Manifest != nil {
			out = append(out, *m.Manifest)
		}
	}
	return out
}

// SetupWithManager registers the Reconciler with mgr, watching DeployConfig
// resources.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&cicdv1.DeployConfig{}).
		Named("deployconfig").
		Complete(r)
}
