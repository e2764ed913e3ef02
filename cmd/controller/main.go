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

package main

import (
	"context"
	"flag"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	cicdv1 "github.com/coolkev/cicd-controller/api/v1alpha1"
	"github.com/coolkev/cicd-controller/internal/cluster"
	"github.com/coolkev/cicd-controller/internal/configsync"
	"github.com/coolkev/cicd-controller/internal/controller"
	"github.com/coolkev/cicd-controller/internal/deploy"
	"github.com/coolkev/cicd-controller/internal/ingest"
	"github.com/coolkev/cicd-controller/internal/nsprovision"
	"github.com/coolkev/cicd-controller/internal/sourcehost"
	"github.com/coolkev/cicd-controller/internal/store"
	"github.com/coolkev/cicd-controller/internal/sweep"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(cicdv1.AddToScheme(scheme))
}

// sweepInterval bounds how long out-of-band drift in an owned child can go
// unnoticed between the Reconciler's own per-DC requeue timers.
const sweepInterval = 5 * time.Minute

func main() {
	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	opts := zap.Options{Development: false}
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager.")
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	setupLog := ctrl.Log.WithName("setup")

	cfg, err := loadConfig()
	if err != nil {
		setupLog.Error(err, "invalid configuration")
		os.Exit(1)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "cicd-controller.cicd.coolkev.com",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		setupLog.Error(err, "unable to open persistence store", "path", cfg.DatabasePath)
		os.Exit(1)
	}
	defer st.Close()

	source, err := sourcehost.NewClient(cfg.Credentials)
	if err != nil {
		setupLog.Error(err, "unable to build source-host client")
		os.Exit(1)
	}

	cl := cluster.NewClient(mgr.GetClient())
	prov := nsprovision.New(cl, cfg.TemplateNamespace)
	sync := configsync.New(source, cl, st)

	reconciler := controller.New(cl, st, prov)
	if err := reconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create reconciler")
		os.Exit(1)
	}

	// Kicks is shared by the webhook ingest and the sweep scheduler: both
	// only ever write a ctrl.Request into it, and the forwarder below is
	// the sole reader, calling the Reconciler directly rather than going
	// through a controller-runtime watch source.
	kicks := make(chan ctrl.Request, 64)

	hub := ingest.New(cfg.WebsocketURL, cfg.ClientSecret, st, cl, sync, ctrl.Log.WithName("ingest"))
	hub.Kicks = kicks
	if err := mgr.Add(manager.RunnableFunc(hub.Run)); err != nil {
		setupLog.Error(err, "unable to add webhook ingest")
		os.Exit(1)
	}

	sweeper := sweep.New(cl, kicks, sweepInterval, ctrl.Log.WithName("sweep"))
	if err := mgr.Add(manager.RunnableFunc(sweeper.Run)); err != nil {
		setupLog.Error(err, "unable to add sweep scheduler")
		os.Exit(1)
	}

	if err := mgr.Add(manager.RunnableFunc(kickForwarder(kicks, reconciler))); err != nil {
		setupLog.Error(err, "unable to add kick forwarder")
		os.Exit(1)
	}

	// The Deploy Coordinator has no lifecycle of its own. This binary builds
	// one from the same Cluster Client and Store and then discards it: no
	// operator-facing surface (CLI, HTTP API) is wired into this process.
	_ = deploy.New(cl, st, ctrl.Log.WithName("deploy"))

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// kickForwarder drains kicks until ctx is done, calling reconciler.Reconcile
// directly for each request. The Reconciler's own per-DC single-flight lock
// makes this safe to run concurrently with the manager's own watch-triggered
// calls into the same Reconciler.
func kickForwarder(kicks <-chan ctrl.Request, reconciler *controller.Reconciler) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		log := ctrl.Log.WithName("kick-forwarder")
		for {
			select {
			case <-ctx.Done():
				return nil
			case req := <-kicks:
				if _, err := reconciler.Reconcile(ctx, req); err != nil {
					log.Error(err, "forwarded reconcile failed", "namespace", req.Namespace, "name", req.Name)
				}
			}
		}
	}
}
