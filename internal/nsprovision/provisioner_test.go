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

package nsprovision

import (
	"context"
	"fmt"
	"testing"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	cicdv1 "github.com/coolkev/cicd-controller/api/v1alpha1"
	"github.com/coolkev/cicd-controller/internal/cicderr"
	"github.com/coolkev/cicd-controller/internal/cluster"
)

// fakeCluster is a hand-written stand-in for cluster.Client that tracks
// namespaces and objects in memory, just enough to exercise Provisioner.
type fakeCluster struct {
	namespaces map[string]bool
	objects    map[string]map[string]*unstructured.Unstructured // ns -> name+kind -> obj
	byNS       map[string][]unstructured.Unstructured
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		namespaces: map[string]bool{},
		objects:    map[string]map[string]*unstructured.Unstructured{},
		byNS:       map[string][]unstructured.Unstructured{},
	}
}

func key(obj *unstructured.Unstructured) string {
	return obj.GetKind() + "/" + obj.GetName()
}

func (f *fakeCluster) GetDC(ctx context.Context, ns, name string) (*cicdv1.DeployConfig, error) {
	return nil, cicderr.New("GetDC", cicderr.NotFound, nil)
}
func (f *fakeCluster) ListDC(ctx context.Context, ns string) ([]cicdv1.DeployConfig, error) {
	return nil, nil
}
func (f *fakeCluster) ApplyDC(ctx context.Context, dc *cicdv1.DeployConfig) error { return nil }
func (f *fakeCluster) DeleteDC(ctx context.Context, ns, name string) error        { return nil }
func (f *fakeCluster) PatchDCStatus(ctx context.Context, ns, name string, mutate func(*cicdv1.DeployConfigStatus)) error {
	return nil
}
func (f *fakeCluster) ApplyDynamic(ctx context.Context, gvk schema.GroupVersionKind, ns, name string, manifest *unstructured.Unstructured) error {
	return nil
}
func (f *fakeCluster) ListOwned(ctx context.Context, ns, dcName string) ([]unstructured.Unstructured, error) {
	return nil, nil
}
func (f *fakeCluster) ListNamespaced(ctx context.Context, ns string) ([]unstructured.Unstructured, error) {
	return f.byNS[ns], nil
}
func (f *fakeCluster) Create(ctx context.Context, obj *unstructured.Unstructured) error {
	ns := obj.GetNamespace()
	if f.objects[ns] == nil {
		f.objects[ns] = map[string]*unstructured.Unstructured{}
	}
	k := key(obj)
	if _, exists := f.objects[ns][k]; exists {
		return cicderr.New("Create", cicderr.Conflict, fmt.Errorf("%s already exists in %s", k, ns))
	}
	f.objects[ns][k] = obj
	return nil
}
func (f *fakeCluster) Delete(ctx context.Context, gvk schema.GroupVersionKind, ns, name string) error {
	return nil
}
func (f *fakeCluster) EnsureNamespace(ctx context.Context, ns string) error {
	f.namespaces[ns] = true
	return nil
}
func (f *fakeCluster) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	return f.namespaces[ns], nil
}
func (f *fakeCluster) PatchDCLabels(ctx context.Context, ns, name string, labels, annotations map[string]string) error {
	return nil
}
func (f *fakeCluster) AddFinalizer(ctx context.Context, ns, name string) (bool, error) {
	return false, nil
}
func (f *fakeCluster) RemoveFinalizer(ctx context.Context, ns, name string) (bool, error) {
	return false, nil
}

var _ cluster.Client = (*fakeCluster)(nil)

func cmObj(ns, name string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": ns,
			"uid":       "template-uid",
		},
	}}
	return u
}

func TestEnsure_NoopWhenNamespaceExists(t *testing.T) {
	fc := newFakeCluster()
	fc.namespaces["team-a"] = true
	p := New(fc, "infra")

	if err := p.Ensure(context.Background(), "team-a"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(fc.objects["team-a"]) != 0 {
		t.Fatalf("expected no copy when namespace already existed")
	}
}

func TestEnsure_CopiesTemplateNamespaceResources(t *testing.T) {
	fc := newFakeCluster()
	fc.byNS["infra"] = []unstructured.Unstructured{*cmObj("infra", "defaults")}
	p := New(fc, "infra")

	if err := p.Ensure(context.Background(), "team-a"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !fc.namespaces["team-a"] {
		t.Fatalf("expected team-a to be created")
	}
	copied, ok := fc.objects["team-a"]["ConfigMap/defaults"]
	if !ok {
		t.Fatalf("expected defaults ConfigMap to be copied")
	}
	if copied.GetNamespace() != "team-a" {
		t.Errorf("expected copy namespace team-a, got %q", copied.GetNamespace())
	}
	if copied.GetUID() != "" {
		t.Errorf("expected uid cleared, got %q", copied.GetUID())
	}
	if copied.GetLabels()[copiedFromTemplateLabel] != "true" {
		t.Errorf("expected copied-from-template label")
	}
	if copied.GetAnnotations()[copiedFromTemplateNSAnnot] != "infra" {
		t.Errorf("expected copied-from-template-namespace annotation, got %v", copied.GetAnnotations())
	}
}

func TestEnsure_SkipsExistingTargetResource(t *testing.T) {
	fc := newFakeCluster()
	fc.byNS["infra"] = []unstructured.Unstructured{*cmObj("infra", "defaults")}
	fc.objects["team-a"] = map[string]*unstructured.Unstructured{
		"ConfigMap/defaults": cmObj("team-a", "defaults"),
	}
	original := fc.objects["team-a"]["ConfigMap/defaults"]
	p := New(fc, "infra")

	if err := p.Ensure(context.Background(), "team-a"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if fc.objects["team-a"]["ConfigMap/defaults"] != original {
		t.Fatalf("expected existing target resource to be left untouched")
	}
}

func TestEnsure_NoTemplateNamespaceDisablesCopy(t *testing.T) {
	fc := newFakeCluster()
	p := New(fc, "")

	if err := p.Ensure(context.Background(), "team-a"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !fc.namespaces["team-a"] {
		t.Fatalf("expected namespace to be created")
	}
}
