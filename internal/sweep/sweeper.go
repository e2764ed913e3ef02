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

// Package sweep provides the Reconciler's scheduled-requeue trigger: a
// periodic full listing of every DeployConfig, kicking each one so drift
// introduced outside a watch event (a manually deleted owned child, a
// missed webhook) is still caught within one sweep interval.
package sweep

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/coolkev/cicd-controller/internal/cluster"
)

// Sweeper periodically lists every DeployConfig and enqueues a Reconciler
// kick for each. It never mutates anything itself; the Reconciler's own
// per-DC single-flight lock makes a redundant kick for an already-settled
// DC cheap (one GetDC, a settled-tuple short-circuit, no apply).
type Sweeper struct {
	Cluster  cluster.Client
	Kicks    chan ctrl.Request
	Interval time.Duration
	Log      logr.Logger
}

// New builds a Sweeper. interval is typically several minutes; the
// Reconciler's own per-DC requeue (60s settled, 5m success) already
// covers the common case, so the sweep interval only needs to be tight
// enough to bound how long out-of-band drift can go unnoticed.
func New(cl cluster.Client, kicks chan ctrl.Request, interval time.Duration, log logr.Logger) *Sweeper {
	return &Sweeper{Cluster: cl, Kicks: kicks, Interval: interval, Log: log}
}

// Run ticks every s.Interval until ctx is done, running one sweep pass
// per tick. A failed pass is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.Log.Error(err, "sweep pass failed")
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	dcs, err := s.Cluster.ListDC(ctx, "")
	if err != nil {
		return err
	}
	for i := range dcs {
		dc := &dcs[i]
		req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: dc.Namespace, Name: dc.Name}}
		select {
		case s.Kicks <- req:
		default:
			s.Log.Info("dropping sweep kick, queue full", "namespace", dc.Namespace, "name", dc.Name)
		}
	}
	return nil
}
