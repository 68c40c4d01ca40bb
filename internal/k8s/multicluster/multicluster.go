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

// Package multicluster fans Service and EndpointSlice observations from an
// arbitrary number of clusters onto a single bounded channel, tagged with
// the originating cluster, per spec.md §4.3's multi-cluster fan-in.
package multicluster

import (
	"context"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/logging"
	"github.com/mesh-cni/agent/internal/logging/logfields"
	"github.com/mesh-cni/agent/internal/types"
)

var log = logging.WithSubsys("k8s-multicluster")

// ResourceKind identifies which of the two watched resource kinds an
// Observation carries.
type ResourceKind int

const (
	ResourceService ResourceKind = iota
	ResourceEndpointSlice
)

// Observation is a single cluster-tagged event forwarded onto the shared
// fan-in channel.
type Observation struct {
	ClusterID     uint32
	ClusterName   string
	Kind          ResourceKind
	EventKind     reflector.EventKind
	Service       *corev1.Service
	EndpointSlice *discoveryv1.EndpointSlice
}

// defaultChannelSize bounds the shared fan-in channel. Producers block
// (never drop) once it fills, per spec.md §4.3.
const defaultChannelSize = 1024

// Cluster watches Services and EndpointSlices in one Kubernetes cluster and
// forwards every observation, tagged with spec, onto a shared channel.
type Cluster struct {
	spec   types.ClusterSpec
	client kubernetes.Interface

	services  *reflector.Reflector[*corev1.Service]
	endpoints *reflector.Reflector[*discoveryv1.EndpointSlice]
}

// NewCluster builds the Service and EndpointSlice reflectors for spec,
// backed by client.
func NewCluster(spec types.ClusterSpec, client kubernetes.Interface) *Cluster {
	svcInformer := cache.NewSharedIndexInformer(
		&cache.ListWatch{
			ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
				return client.CoreV1().Services(metav1.NamespaceAll).List(context.Background(), opts)
			},
			WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
				return client.CoreV1().Services(metav1.NamespaceAll).Watch(context.Background(), opts)
			},
		},
		&corev1.Service{}, 0, cache.Indexers{cache.NamespaceIndex: cache.MetaNamespaceIndexFunc},
	)
	epsInformer := cache.NewSharedIndexInformer(
		&cache.ListWatch{
			ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
				return client.DiscoveryV1().EndpointSlices(metav1.NamespaceAll).List(context.Background(), opts)
			},
			WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
				return client.DiscoveryV1().EndpointSlices(metav1.NamespaceAll).Watch(context.Background(), opts)
			},
		},
		&discoveryv1.EndpointSlice{}, 0, cache.Indexers{cache.NamespaceIndex: cache.MetaNamespaceIndexFunc},
	)

	return &Cluster{
		spec:   spec,
		client: client,
		services: reflector.New[*corev1.Service]("services", svcInformer, func(obj interface{}) (*corev1.Service, bool) {
			s, ok := obj.(*corev1.Service)
			return s, ok
		}),
		endpoints: reflector.New[*discoveryv1.EndpointSlice]("endpointslices", epsInformer, func(obj interface{}) (*discoveryv1.EndpointSlice, bool) {
			s, ok := obj.(*discoveryv1.EndpointSlice)
			return s, ok
		}),
	}
}

// Run subscribes to and starts both reflectors, waits for their initial
// sync, then blocks forwarding every observation (the initial list's adds
// included) onto out until ctx is cancelled.
func (c *Cluster) Run(ctx context.Context, out chan<- Observation, syncTimeout time.Duration) error {
	scopedLog := log.WithField(logfields.ClusterName, c.spec.Name)

	svcEvents := c.services.Subscribe()
	epsEvents := c.endpoints.Subscribe()

	go c.services.Run(ctx)
	go c.endpoints.Run(ctx)

	err := c.services.WaitForSync(ctx, syncTimeout)
	if err == nil {
		err = c.endpoints.WaitForSync(ctx, syncTimeout)
	}
	if err != nil {
		go func() {
			for range svcEvents {
			}
		}()
		go func() {
			for range epsEvents {
			}
		}()
		return err
	}
	scopedLog.Info("cluster watch synced")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for ev := range svcEvents {
			out <- Observation{
				ClusterID:   c.spec.ID,
				ClusterName: c.spec.Name,
				Kind:        ResourceService,
				EventKind:   ev.Kind,
				Service:     ev.Object,
			}
		}
	}()
	go func() {
		defer wg.Done()
		for ev := range epsEvents {
			out <- Observation{
				ClusterID:     c.spec.ID,
				ClusterName:   c.spec.Name,
				Kind:          ResourceEndpointSlice,
				EventKind:     ev.Kind,
				EndpointSlice: ev.Object,
			}
		}
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Manager runs one Cluster per configured cluster and owns the shared
// fan-in channel they all forward onto.
type Manager struct {
	Observations chan Observation

	clusters    []*Cluster
	syncTimeout time.Duration
}

// NewManager builds a Manager for the given clusters descriptor
// (local + remote), using clientFor to obtain a kubernetes.Interface per
// spec (the caller resolves kubeconfig context / configmap / in-cluster
// config, since that is environment-specific and out of this package's
// scope).
func NewManager(cfg types.ClustersConfig, syncTimeout time.Duration, clientFor func(types.ClusterSpec) (kubernetes.Interface, error)) (*Manager, error) {
	m := &Manager{
		Observations: make(chan Observation, defaultChannelSize),
		syncTimeout:  syncTimeout,
	}

	all := append([]types.ClusterSpec{cfg.Local}, cfg.Remote...)
	for _, spec := range all {
		client, err := clientFor(spec)
		if err != nil {
			return nil, err
		}
		m.clusters = append(m.clusters, NewCluster(spec, client))
	}
	return m, nil
}

// Run starts every cluster's watch loop and blocks until ctx is cancelled
// and all of them have wound down.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range m.clusters {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(ctx, m.Observations, m.syncTimeout); err != nil {
				log.WithField(logfields.ClusterName, c.spec.Name).WithError(err).Error("cluster watch exited with error")
			}
		}()
	}
	wg.Wait()
	close(m.Observations)
}
