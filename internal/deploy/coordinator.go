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

package deploy

import (
	"context"

	"github.com/go-logr/logr"

	cicdv1 "github.com/coolkev/cicd-controller/api/v1alpha1"
	"github.com/coolkev/cicd-controller/internal/cluster"
	"github.com/coolkev/cicd-controller/internal/statetuple"
	"github.com/coolkev/cicd-controller/internal/store"
)

// Coordinator exposes the operator-facing deploy surface. It writes a DC's
// desired fields (wantedSha, wantedConfigSha) through the status
// subresource for explicit operator actions; the Reconciler also writes
// them for autodeploying configs. It never touches the applied status
// fields the Reconciler owns, and it never applies cluster resources itself.
type Coordinator struct {
	Cluster cluster.Client
	Store   *store.Store
	Log     logr.Logger
}

// New builds a Coordinator.
func New(cl cluster.Client, st *store.Store, log logr.Logger) *Coordinator {
	return &Coordinator{Cluster: cl, Store: st, Log: log}
}

// Deploy validates (artifactSha, configSha) against dc's artifactfulness,
// writes it to the DC's desired fields, and appends a history row. A
// namespace change is never possible here: ns/name identify exactly one
// existing DC, and that is the object patched — there is no "desired
// namespace" parameter to disagree with it.
func (c *Coordinator) Deploy(ctx context.Context, ns, name, artifactSha, configSha string) error {
	return c.apply(ctx, ns, name, artifactSha, configSha, "deploy")
}

// Redeploy is identical to Deploy but marks the history row as a
// re-application, for rollback-style re-targeting of a previous tuple.
func (c *Coordinator) Redeploy(ctx context.Context, ns, name, artifactSha, configSha string) error {
	return c.apply(ctx, ns, name, artifactSha, configSha, "redeploy")
}

func (c *Coordinator) apply(ctx context.Context, ns, name, artifactSha, configSha, action string) error {
	log := c.Log.WithValues("namespace", ns, "name", name, "action", action)

	dc, err := c.Cluster.GetDC(ctx, ns, name)
	if err != nil {
		return err
	}

	if err := statetuple.Validate(dc.Artifactful(), artifactSha, configSha); err != nil {
		c.recordHistory(ctx, ns, name, artifactSha, configSha, action, "failure", err.Error(), log)
		return err
	}

	if dc.Labels[cluster.OrphanedLabel] == "true" {
		log.Info("deploying to an orphaned config")
	}

	if dc.Status.WantedSha == artifactSha && dc.Status.WantedConfigSha == configSha {
		return nil
	}

	if err := c.Cluster.PatchDCStatus(ctx, ns, name, func(s *cicdv1.DeployConfigStatus) {
		s.WantedSha = artifactSha
		s.WantedConfigSha = configSha
	}); err != nil {
		c.recordHistory(ctx, ns, name, artifactSha, configSha, action, "failure", err.Error(), log)
		return err
	}

	c.recordHistory(ctx, ns, name, artifactSha, configSha, action, "success", "", log)
	return nil
}

// Undeploy sets dc's target tuple to (None, None); the Reconciler, on its
// next pass, applies an empty manifest set and prunes every owned child.
// If dc was already orphaned, this completes its lifecycle by deleting
// the DC object itself right after clearing the tuple, without waiting for
// that pass; the finalizer then tears down its children — adopted from
// deploy_handlers.rs's Undeploy arm.
func (c *Coordinator) Undeploy(ctx context.Context, ns, name string) error {
	log := c.Log.WithValues("namespace", ns, "name", name, "action", "undeploy")

	dc, err := c.Cluster.GetDC(ctx, ns, name)
	if err != nil {
		return err
	}

	orphaned := dc.Labels[cluster.OrphanedLabel] == "true"

	if dc.Status.WantedSha != "" || dc.Status.WantedConfigSha != "" {
		if err := c.Cluster.PatchDCStatus(ctx, ns, name, func(s *cicdv1.DeployConfigStatus) {
			s.WantedSha = ""
			s.WantedConfigSha = ""
		}); err != nil {
			c.recordHistory(ctx, ns, name, "", "", "undeploy", "failure", err.Error(), log)
			return err
		}
		c.recordHistory(ctx, ns, name, "", "", "undeploy", "success", "", log)
	}

	if !orphaned {
		return nil
	}
	if err := c.Cluster.DeleteDC(ctx, ns, name); err != nil {
		log.Error(err, "deleting orphaned config after undeploy")
		return err
	}
	return nil
}

// SetAutodeploy toggles dc's autodeploy preference. Carried over from the
// original's ToggleAutodeploy action as a plain desired-field mutation;
// Bounce and ExecuteJob are not, since they operate on workloads directly
// rather than the (artifactSha, configSha) state machine this component
// owns.
func (c *Coordinator) SetAutodeploy(ctx context.Context, ns, name string, enabled bool) error {
	dc, err := c.Cluster.GetDC(ctx, ns, name)
	if err != nil {
		return err
	}
	if dc.Spec.Autodeploy == enabled {
		return nil
	}
	dc.Spec.Autodeploy = enabled
	return c.Cluster.ApplyDC(ctx, dc)
}

func (c *Coordinator) recordHistory(ctx context.Context, ns, name, artifactSha, configSha, action, outcome, errMsg string, log logr.Logger) {
	if err := c.Store.AppendHistory(ctx, store.HistoryEntry{
		DCName: name, Namespace: ns,
		ArtifactSHA: artifactSha, ConfigSHA: configSha,
		Action: action, Initiator: "operator", Outcome: outcome, Error: errMsg,
	}); err != nil {
		log.Error(err, "appending history")
	}
}
