// Copyright 2016-2019 Authors of Cilium
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

// Package cluster implements the multi-cluster Cluster CRD controller
// (spec.md §4.8): observing a Cluster CR starts a per-cluster Service/
// EndpointSlice watch loop feeding the shared multi-cluster fan-in;
// deleting one signals that loop to stop and waits for it to confirm
// shutdown before the finalizer is removed.
package cluster

import (
	"context"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/mesh-cni/agent/api/v1alpha1"
	"github.com/mesh-cni/agent/internal/controller"
	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/k8s/multicluster"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/logging"
	"github.com/mesh-cni/agent/internal/logging/logfields"
	"github.com/mesh-cni/agent/internal/types"
)

var log = logging.WithSubsys("cluster")

// DefaultWatchRequeue mirrors CLUSTER_FINALIZER's DEFAULT_REQUEUE in the
// original cluster-controller: a live Cluster is requeued periodically so
// a watch loop that died without deleting the CR gets noticed and
// restarted.
const DefaultWatchRequeue = 300 * time.Second

// ClientFunc resolves a kubeconfig context, ConfigMap, or API endpoint
// named by a Cluster's spec into a usable clientset. Left to the caller
// since that resolution is environment-specific.
type ClientFunc func(ctx context.Context, spec v1alpha1.ClusterSpec) (kubernetes.Interface, error)

type watchEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller is the Cluster-keyed Reconciler. Every live Cluster CR has at
// most one running watchEntry in active, keyed by the Cluster's name, per
// spec.md §4.8's "process-wide map keyed by cluster name".
type Controller struct {
	Client       client.Client
	Clusters     reflector.Store[*v1alpha1.Cluster]
	Observations chan<- multicluster.Observation
	ClientFor    ClientFunc
	SyncTimeout  time.Duration

	mu     sync.Mutex
	active map[string]*watchEntry
}

var _ controller.Reconciler = (*Controller)(nil)

// NewController builds a Controller with an empty active-watch table.
func NewController(c client.Client, clusters reflector.Store[*v1alpha1.Cluster], observations chan<- multicluster.Observation, clientFor ClientFunc, syncTimeout time.Duration) *Controller {
	return &Controller{
		Client:       c,
		Clusters:     clusters,
		Observations: observations,
		ClientFor:    clientFor,
		SyncTimeout:  syncTimeout,
		active:       make(map[string]*watchEntry),
	}
}

func (c *Controller) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	cr, ok := c.Clusters.Get(req.Namespace, req.Name)
	if !ok {
		return controller.Result{}, nil
	}

	if controller.IsDeleting(cr) {
		return c.cleanup(ctx, cr)
	}

	if _, err := controller.EnsureFinalizer(ctx, c.Client, cr, v1alpha1.ClusterFinalizer); err != nil {
		return controller.Result{}, errors.Wrap(errors.KubeAPI, "ensure cluster finalizer", err)
	}

	c.mu.Lock()
	_, running := c.active[cr.Name]
	c.mu.Unlock()
	if running {
		return controller.Result{RequeueAfter: DefaultWatchRequeue}, nil
	}

	if err := c.startWatch(cr); err != nil {
		return controller.Result{}, err
	}
	return controller.Result{RequeueAfter: DefaultWatchRequeue}, nil
}

func (c *Controller) startWatch(cr *v1alpha1.Cluster) error {
	clientset, err := c.ClientFor(context.Background(), cr.Spec)
	if err != nil {
		return errors.Wrap(errors.ConfigLoad, "resolve cluster client", err)
	}

	spec := types.ClusterSpec{
		ID:                  cr.Spec.ID,
		Name:                cr.Name,
		KubeconfigContext:   cr.Spec.KubeconfigContext,
		APIEndpoint:         cr.Spec.APIEndpoint,
		KubeconfigConfigMap: cr.Spec.KubeconfigConfigMap,
	}
	watched := multicluster.NewCluster(spec, clientset)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.active[cr.Name] = &watchEntry{cancel: cancel, done: done}
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := watched.Run(runCtx, c.Observations, c.SyncTimeout); err != nil {
			log.WithField(logfields.ClusterName, cr.Name).WithError(err).Error("cluster watch exited with error")
		}
	}()

	log.WithField(logfields.ClusterName, cr.Name).Info("started cluster watch")
	return nil
}

// cleanup implements the two-phase finalizer's cleanup half: request the
// watch loop stop, and keep requeuing at DefaultShutdownRequeue until it
// confirms, only then removing the finalizer.
func (c *Controller) cleanup(ctx context.Context, cr *v1alpha1.Cluster) (controller.Result, error) {
	c.mu.Lock()
	entry, running := c.active[cr.Name]
	c.mu.Unlock()

	if running {
		entry.cancel()
		select {
		case <-entry.done:
			c.mu.Lock()
			delete(c.active, cr.Name)
			c.mu.Unlock()
		default:
			return controller.Result{RequeueAfter: controller.DefaultShutdownRequeue}, nil
		}
	}

	if err := controller.RemoveFinalizerAndPersist(ctx, c.Client, cr, v1alpha1.ClusterFinalizer); err != nil {
		return controller.Result{}, errors.Wrap(errors.KubeAPI, "remove cluster finalizer", err)
	}
	return controller.Result{}, nil
}
