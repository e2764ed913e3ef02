// Copyright 2025 The Previewd Authors
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

package cluster

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	cicdv1 "github.com/coolkev/cicd-controller/api/v1alpha1"
)

// FieldManager is the fixed field-manager identity used for every
// server-side apply this client performs, so repeated applies converge
// idempotently instead of fighting other writers.
const FieldManager = "cicd-controller"

// ManagedByLabel and DCLabel mark every resource the Manifest Resolver
// produces for a DeployConfig.
const (
	ManagedByLabel      = "cicd.coolkev.com/managed-by"
	ManagedByLabelValue = "cicd"
	DCLabel             = "cicd.coolkev.com/dc"
)

// OrphanedLabel and OrphanedAtAnnotation mark a DeployConfig whose .deploy/
// source definition has disappeared. The Config Synchroniser is the sole
// writer of these; the Reconciler only reads them (it owns the status
// subresource, not the DC's metadata).
const (
	OrphanedLabel        = "cicd.coolkev.com/orphaned"
	OrphanedAtAnnotation = "cicd.coolkev.com/orphaned-at"
)

// Finalizer blocks a DC's deletion until the Reconciler has torn down its
// owned children.
const Finalizer = "cicd.coolkev.com/finalizer"

// NamespacedKinds are the namespaced resource kinds the control plane knows
// how to enumerate generically: the set a Manifest Resolver output is
// expected to use, and the set a Namespace Provisioner's template-namespace
// copy walks. A DC's template_spec (and a template namespace's contents)
// may use any kind in this set at any time, so callers enumerating
// "everything owned" or "everything copyable" check every kind here rather
// than inferring it from a single DC's current resourceType.
var NamespacedKinds = []schema.GroupVersionKind{
	{Group: "apps", Version: "v1", Kind: "Deployment"},
	{Group: "apps", Version: "v1", Kind: "StatefulSet"},
	{Group: "apps", Version: "v1", Kind: "DaemonSet"},
	{Group: "batch", Version: "v1", Kind: "CronJob"},
	{Group: "batch", Version: "v1", Kind: "Job"},
	{Group: "", Version: "v1", Kind: "Service"},
	{Group: "", Version: "v1", Kind: "ConfigMap"},
	{Group: "", Version: "v1", Kind: "Secret"},
	{Group: "networking.k8s.io", Version: "v1", Kind: "Ingress"},
}

// Manifest is a resolved, ready-to-apply resource.
type Manifest struct {
	GVK      schema.GroupVersionKind
	Name     string
	Manifest *unstructured.Unstructured
}

// Client is a thin typed wrapper over the orchestrator's REST surface:
// CRUD and server-side apply for arbitrary namespaced resources by GVK,
// plus dedicated operations for the DeployConfig custom resource.
type Client interface {
	GetDC(ctx context.Context, ns, name string) (*cicdv1.DeployConfig, error)
	ListDC(ctx context.Context, ns string) ([]cicdv1.DeployConfig, error)
	ApplyDC(ctx context.Context, dc *cicdv1.DeployConfig) error

	// DeleteDC deletes the DC object itself. Used by the Deploy Coordinator
	// to complete an orphaned config's undeploy; the Reconciler never calls
	// this — it only deletes a DC's owned children.
	DeleteDC(ctx context.Context, ns, name string) error

	PatchDCStatus(ctx context.Context, ns, name string, mutate func(*cicdv1.DeployConfigStatus)) error

	// PatchDCLabels merges labels and annotations into the DC's metadata,
	// leaving spec and status untouched. Used by the Config Synchroniser to
	// mark a DC orphaned without trespassing on the Reconciler's status
	// subresource or the Deploy Coordinator's spec fields.
	PatchDCLabels(ctx context.Context, ns, name string, labels, annotations map[string]string) error

	// AddFinalizer and RemoveFinalizer idempotently add/remove Finalizer on
	// the DC. added/removed report false when the finalizer was already in
	// the requested state, so callers can skip an unnecessary patch.
	AddFinalizer(ctx context.Context, ns, name string) (added bool, err error)
	RemoveFinalizer(ctx context.Context, ns, name string) (removed bool, err error)

	// ApplyDynamic server-side applies manifest under FieldManager.
	ApplyDynamic(ctx context.Context, gvk schema.GroupVersionKind, ns, name string, manifest *unstructured.Unstructured) error

	// ListOwned enumerates resources labelled as owned by dcName in ns.
	ListOwned(ctx context.Context, ns, dcName string) ([]unstructured.Unstructured, error)

	// ListNamespaced enumerates every resource of a known namespaced kind
	// in ns, regardless of labels. Used by the Namespace Provisioner to
	// walk a template namespace's contents.
	ListNamespaced(ctx context.Context, ns string) ([]unstructured.Unstructured, error)

	// Create creates obj, returning a Conflict-kind error if it already
	// exists so callers can implement create-if-absent semantics.
	Create(ctx context.Context, obj *unstructured.Unstructured) error

	Delete(ctx context.Context, gvk schema.GroupVersionKind, ns, name string) error

	EnsureNamespace(ctx context.Context, ns string) error

	// NamespaceExists reports whether ns is already present.
	NamespaceExists(ctx context.Context, ns string) (bool, error)
}
