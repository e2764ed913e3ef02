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

package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	ctrl "sigs.k8s.io/controller-runtime"

	cicdv1 "github.com/coolkev/cicd-controller/api/v1alpha1"
	"github.com/coolkev/cicd-controller/internal/cicderr"
)

type fakeCluster struct {
	dcs []cicdv1.DeployConfig
}

func (f *fakeCluster) GetDC(ctx context.Context, ns, name string) (*cicdv1.DeployConfig, error) {
	return nil, cicderr.New("GetDC", cicderr.NotFound, nil)
}
func (f *fakeCluster) ListDC(ctx context.Context, ns string) ([]cicdv1.DeployConfig, error) {
	return f.dcs, nil
}
func (f *fakeCluster) ApplyDC(ctx context.Context, dc *cicdv1.DeployConfig) error { return nil }
func (f *fakeCluster) DeleteDC(ctx context.Context, ns, name string) error       { return nil }
func (f *fakeCluster) PatchDCStatus(ctx context.Context, ns, name string, mutate func(*cicdv1.DeployConfigStatus)) error {
	return nil
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
func (f *fakeCluster) ApplyDynamic(ctx context.Context, gvk schema.GroupVersionKind, ns, name string, manifest *unstructured.Unstructured) error {
	return nil
}
func (f *fakeCluster) ListOwned(ctx context.Context, ns, dcName string) ([]unstructured.Unstructured, error) {
	return nil, nil
}
func (f *fakeCluster) ListNamespaced(ctx context.Context, ns string) ([]unstructured.Unstructured, error) {
	return nil, nil
}
func (f *fakeCluster) Create(ctx context.Context, obj *unstructured.Unstructured) error { return nil }
func (f *fakeCluster) Delete(ctx context.Context, gvk schema.GroupVersionKind, ns, name string) error {
	return nil
}
func (f *fakeCluster) EnsureNamespace(ctx context.Context, ns string) error { return nil }
func (f *fakeCluster) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	return false, nil
}

func TestSweeper_RunStopsGracefullyOnContextCancel(t *testing.T) {
	cl := &fakeCluster{}
	kicks := make(chan ctrl.Request, 8)
	s := New(cl, kicks, 20*time.Millisecond, logr.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestSweeper_EnqueuesAKickPerDC(t *testing.T) {
	cl := &fakeCluster{dcs: []cicdv1.DeployConfig{
		{ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "web"}},
		{ObjectMeta: metav1.ObjectMeta{Namespace: "team-b", Name: "api"}},
	}}
	kicks := make(chan ctrl.Request, 8)
	s := New(cl, kicks, time.Hour, logr.Discard())

	if err := s.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case req := <-kicks:
			got[req.Namespace+"/"+req.Name] = true
		default:
			t.Fatal("expected a kick per DC")
		}
	}
	if !got["team-a/web"] || !got["team-b/api"] {
		t.Fatalf("unexpected kicks: %v", got)
	}
}

func TestSweeper_DropsKickWhenQueueFull(t *testing.T) {
	cl := &fakeCluster{dcs: []cicdv1.DeployConfig{
		{ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "web"}},
	}}
	kicks := make(chan ctrl.Request) // unbuffered, nobody reading
	s := New(cl, kicks, time.Hour, logr.Discard())

	done := make(chan struct{})
	go func() {
		_ = s.sweep(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep blocked on a full kick queue instead of dropping")
	}
}
