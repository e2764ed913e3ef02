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

// Package cluster wraps the orchestrator's REST surface: typed access to
// the DeployConfig custom resource, and generic server-side apply for the
// arbitrary resource kinds a DeployConfig's template produces.
package cluster

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	cicdv1 "github.com/coolkev/cicd-controller/api/v1alpha1"
	"github.com/coolkev/cicd-controller/internal/cicderr"
)

const transientRetries = 3

var transientBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

type clusterClient struct {
	c client.Client
}

// NewClient builds a Client over an already-constructed controller-runtime
// client (typically the manager's cached client).
func NewClient(c client.Client) Client {
	return &clusterClient{c: c}
}

func (cc *clusterClient) GetDC(ctx context.Context, ns, name string) (*cicdv1.DeployConfig, error) {
	var dc cicdv1.DeployConfig
	if err := cc.c.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, &dc); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, cicderr.New("GetDC", cicderr.NotFound, err)
		}
		return nil, classifyApplyErr("GetDC", err)
	}
	return &dc, nil
}

func (cc *clusterClient) ListDC(ctx context.Context, ns string) ([]cicdv1.DeployConfig, error) {
	var list cicdv1.DeployConfigList
	opts := []client.ListOption{}
	if ns != "" {
		opts = append(opts, client.InNamespace(ns))
	}
	if err := cc.c.List(ctx, &list, opts...); err != nil {
		return nil, classifyApplyErr("ListDC", err)
	}
	return list.Items, nil
}

// ApplyDC server-side applies the spec fields of dc (repo, autodeploy,
// resourceType, spec). Status fields are never touched here.
func (cc *clusterClient) ApplyDC(ctx context.Context, dc *cicdv1.DeployConfig) error {
	applyObj := &cicdv1.DeployConfig{
		TypeMeta: metav1.TypeMeta{APIVersion: cicdv1.GroupVersion.String(), Kind: "DeployConfig"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      dc.Name,
			Namespace: dc.Namespace,
		},
		Spec: dc.Spec,
	}

	err := retryTransient(ctx, func() error {
		return cc.c.Patch(ctx, applyObj, client.Apply, client.FieldOwner(FieldManager), client.ForceOwnership)
	})
	if err != nil {
		return classifyApplyErr("ApplyDC", err)
	}
	return nil
}

func (cc *clusterClient) DeleteDC(ctx context.Context, ns, name string) error {
	dc := &cicdv1.DeployConfig{ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name}}
	if err := cc.c.Delete(ctx, dc); err != nil && !apierrors.IsNotFound(err) {
		return classifyApplyErr("DeleteDC", err)
	}
	return nil
}

func (cc *clusterClient) PatchDCStatus(ctx context.Context, ns, name string, mutate func(*cicdv1.DeployConfigStatus)) error {
	var dc cicdv1.DeployConfig
	if err := cc.c.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, &dc); err != nil {
		if apierrors.IsNotFound(err) {
			return cicderr.New("PatchDCStatus", cicderr.NotFound, err)
		}
		return classifyApplyErr("PatchDCStatus", err)
	}

	patch := client.MergeFrom(dc.DeepCopy())
	mutate(&dc.Status)

	err := retryTransient(ctx, func() error {
		return cc.c.Status().Patch(ctx, &dc, patch)
	})
	if err != nil {
		return classifyApplyErr("PatchDCStatus", err)
	}
	return nil
}

func (cc *clusterClient) PatchDCLabels(ctx context.Context, ns, name string, labels, annotations map[string]string) error {
	var dc cicdv1.DeployConfig
	if err := cc.c.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, &dc); err != nil {
		if apierrors.IsNotFound(err) {
			return cicderr.New("PatchDCLabels", cicderr.NotFound, err)
		}
		return classifyApplyErr("PatchDCLabels", err)
	}

	patch := client.MergeFrom(dc.DeepCopy())

	existingLabels := dc.GetLabels()
	if existingLabels == nil {
		existingLabels = map[string]string{}
	}
	for k, v := range labels {
		existingLabels[k] = v
	}
	dc.SetLabels(existingLabels)

	existingAnnotations := dc.GetAnnotations()
	if existingAnnotations == nil {
		existingAnnotations = map[string]string{}
	}
	for k, v := range annotations {
		existingAnnotations[k] = v
	}
	dc.SetAnnotations(existingAnnotations)

	err := retryTransient(ctx, func() error {
		return cc.c.Patch(ctx, &dc, patch)
	})
	if err != nil {
		return classifyApplyErr("PatchDCLabels", err)
	}
	return nil
}

func (cc *clusterClient) AddFinalizer(ctx context.Context, ns, name string) (bool, error) {
	var dc cicdv1.DeployConfig
	if err := cc.c.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, &dc); err != nil {
		if apierrors.IsNotFound(err) {
			return false, cicderr.New("AddFinalizer", cicderr.NotFound, err)
		}
		return false, classifyApplyErr("AddFinalizer", err)
	}

	if controllerutil.ContainsFinalizer(&dc, Finalizer) {
		return false, nil
	}

	patch := client.MergeFrom(dc.DeepCopy())
	controllerutil.AddFinalizer(&dc, Finalizer)

	err := retryTransient(ctx, func() error {
		return cc.c.Patch(ctx, &dc, patch)
	})
	if err != nil {
		return false, classifyApplyErr("AddFinalizer", err)
	}
	return true, nil
}

func (cc *clusterClient) RemoveFinalizer(ctx context.Context, ns, name string) (bool, error) {
	var dc cicdv1.DeployConfig
	if err := cc.c.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, &dc); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, classifyApplyErr("RemoveFinalizer", err)
	}

	if !controllerutil.ContainsFinalizer(&dc, Finalizer) {
		return false, nil
	}

	patch := client.MergeFrom(dc.DeepCopy())
	controllerutil.RemoveFinalizer(&dc, Finalizer)

	err := retryTransient(ctx, func() error {
		return cc.c.Patch(ctx, &dc, patch)
	})
	if err != nil {
		return false, classifyApplyErr("RemoveFinalizer", err)
	}
	return true, nil
}

func (cc *clusterClient) ApplyDynamic(ctx context.Context, gvk schema.GroupVersionKind, ns, name string, manifest *unstructured.Unstructured) error {
	obj := manifest.DeepCopy()
	obj.SetGroupVersionKind(gvk)
	obj.SetNamespace(ns)
	obj.SetName(name)

	err := retryTransient(ctx, func() error {
		return cc.c.Patch(ctx, obj, client.Apply, client.FieldOwner(FieldManager), client.ForceOwnership)
	})
	if err != nil {
		return classifyApplyErr("ApplyDynamic", err)
	}
	return nil
}

func (cc *clusterClient) ListOwned(ctx context.Context, ns, dcName string) ([]unstructured.Unstructured, error) {
	var owned []unstructured.Unstructured

	for _, gvk := range NamespacedKinds {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))

		err := cc.c.List(ctx, list, client.InNamespace(ns), client.MatchingLabels{
			ManagedByLabel: ManagedByLabelValue,
			DCLabel:        dcName,
		})
		if err != nil {
			if meta.IsNoMatchError(err) {
				continue
			}
			return nil, classifyApplyErr("ListOwned", err)
		}
		owned = append(owned, list.Items...)
	}

	return owned, nil
}

func (cc *clusterClient) ListNamespaced(ctx context.Context, ns string) ([]unstructured.Unstructured, error) {
	var all []unstructured.Unstructured

	for _, gvk := range NamespacedKinds {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))

		err := cc.c.List(ctx, list, client.InNamespace(ns))
		if err != nil {
			if meta.IsNoMatchError(err) {
				continue
			}
			return nil, classifyApplyErr("ListNamespaced", err)
		}
		all = append(all, list.Items...)
	}

	return all, nil
}

func (cc *clusterClient) Create(ctx context.Context, obj *unstructured.Unstructured) error {
	if err := cc.c.Create(ctx, obj); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return cicderr.New("Create", cicderr.Conflict, err)
		}
		return classifyApplyErr("Create", err)
	}
	return nil
}

func (cc *clusterClient) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	var namespace corev1.Namespace
	if err := cc.c.Get(ctx, types.NamespacedName{Name: ns}, &namespace); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, classifyApplyErr("NamespaceExists", err)
	}
	return true, nil
}

func (cc *clusterClient) Delete(ctx context.Context, gvk schema.GroupVersionKind, ns, name string) error {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	obj.SetNamespace(ns)
	obj.SetName(name)

	if err := cc.c.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
		return classifyApplyErr("Delete", err)
	}
	return nil
}

func (cc *clusterClient) EnsureNamespace(ctx context.Context, ns string) error {
	namespace := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: ns}}

	_, err := controllerutil.CreateOrUpdate(ctx, cc.c, namespace, func() error {
		return nil
	})
	if err != nil {
		return classifyApplyErr("EnsureNamespace", err)
	}
	return nil
}

func retryTransient(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= transientRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || attempt == transientRetries {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(transientBackoff[attempt]):
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	return apierrors.IsConflict(err) || apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) || apierrors.IsTooManyRequests(err)
}

func classifyApplyErr(op string, err error) error {
	switch {
	case apierrors.IsForbidden(err):
		return cicderr.New(op, cicderr.ClusterFatal, err)
	case apierrors.IsInvalid(err) || apierrors.IsBadRequest(err):
		return cicderr.New(op, cicderr.ClusterFatal, err)
	case apierrors.IsConflict(err):
		return cicderr.New(op, cicderr.Conflict, err)
	case isTransient(err):
		return cicderr.New(op, cicderr.ClusterTransient, err)
	case apierrors.IsNotFound(err):
		return cicderr.New(op, cicderr.NotFound, err)
	default:
		return cicderr.New(op, cicderr.ClusterFatal, fmt.Errorf("unclassified cluster error: %w", err))
	}
}
