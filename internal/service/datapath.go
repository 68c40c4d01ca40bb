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

package service

import (
	"context"
	"net"
	"sync"

	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/mesh-cni/agent/api/v1alpha1"
	"github.com/mesh-cni/agent/internal/controller"
	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/logging/logfields"
	"github.com/mesh-cni/agent/internal/types"
)

// ServiceCleanupFinalizer is added to every Service the writer has
// programmed at least one entry for, resolving Open Question 3: it
// guarantees no orphaned slot survives a Service deleted before its
// MeshEndpoint/EndpointSlices converge.
const ServiceCleanupFinalizer = "mesh-cni.dev/service-cleanup"

type serviceRef struct {
	Namespace, Name string
}

// DatapathWriter is the Service-keyed Reconciler that renders a
// MeshEndpoint (or, absent one, a Service computed the same way) into the
// two-level service/endpoint kernel tables, per spec.md §4.6's slot
// allocation algorithm.
type DatapathWriter struct {
	Client client.Client

	ServiceV4  *bpfmap.CachedMap[types.ServiceKey, types.ServiceValue]
	ServiceV6  *bpfmap.CachedMap[types.ServiceKey, types.ServiceValue]
	EndpointV4 *bpfmap.CachedMap[types.EndpointKey, types.EndpointValue]
	EndpointV6 *bpfmap.CachedMap[types.EndpointKey, types.EndpointValue]

	Services       reflector.Store[*corev1.Service]
	EndpointSlices reflector.Store[*discoveryv1.EndpointSlice]
	MeshEndpoints  reflector.Store[*v1alpha1.MeshEndpoint]

	mu            sync.Mutex
	nextSlot      uint16
	slots         map[types.ServiceKey]uint16
	keysByService map[serviceRef]map[types.ServiceKey]struct{}
}

var _ controller.Reconciler = (*DatapathWriter)(nil)

// NewDatapathWriter builds a DatapathWriter with its slot allocator seeded
// at types.FirstSlotID.
func NewDatapathWriter(client client.Client, serviceV4, serviceV6 *bpfmap.CachedMap[types.ServiceKey, types.ServiceValue], endpointV4, endpointV6 *bpfmap.CachedMap[types.EndpointKey, types.EndpointValue], services reflector.Store[*corev1.Service], slices reflector.Store[*discoveryv1.EndpointSlice], meshEndpoints reflector.Store[*v1alpha1.MeshEndpoint]) *DatapathWriter {
	return &DatapathWriter{
		Client:         client,
		ServiceV4:      serviceV4,
		ServiceV6:      serviceV6,
		EndpointV4:     endpointV4,
		EndpointV6:     endpointV6,
		Services:       services,
		EndpointSlices: slices,
		MeshEndpoints:  meshEndpoints,
		nextSlot:       types.FirstSlotID,
		slots:          make(map[types.ServiceKey]uint16),
		keysByService:  make(map[serviceRef]map[types.ServiceKey]struct{}),
	}
}

func (w *DatapathWriter) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	svc, ok := w.Services.Get(req.Namespace, req.Name)
	if !ok {
		return controller.Result{}, nil
	}
	ref := serviceRef{Namespace: req.Namespace, Name: req.Name}

	if controller.IsDeleting(svc) {
		if err := w.removeService(ref); err != nil {
			return controller.Result{}, err
		}
		if err := controller.RemoveFinalizerAndPersist(ctx, w.Client, svc, ServiceCleanupFinalizer); err != nil {
			return controller.Result{}, errors.Wrap(errors.KubeAPI, "remove service finalizer", err)
		}
		return controller.Result{}, nil
	}

	spec := w.desiredSpec(svc)
	pairs := w.renderPairs(spec)

	if len(pairs) > 0 {
		if _, err := controller.EnsureFinalizer(ctx, w.Client, svc, ServiceCleanupFinalizer); err != nil {
			return controller.Result{}, errors.Wrap(errors.KubeAPI, "ensure service finalizer", err)
		}
	}

	seen := make(map[types.ServiceKey]struct{}, len(pairs))
	for key, endpoints := range pairs {
		if err := w.writeSlot(ref, key, endpoints); err != nil {
			return controller.Result{}, err
		}
		seen[key] = struct{}{}
	}

	w.mu.Lock()
	stale := make([]types.ServiceKey, 0)
	for key := range w.keysByService[ref] {
		if _, ok := seen[key]; !ok {
			stale = append(stale, key)
		}
	}
	w.mu.Unlock()
	for _, key := range stale {
		if err := w.deleteKey(ref, key); err != nil {
			return controller.Result{}, err
		}
	}

	return controller.Result{}, nil
}

func (w *DatapathWriter) desiredSpec(svc *corev1.Service) v1alpha1.MeshEndpointSpec {
	if w.MeshEndpoints.Valid() {
		if mep, ok := w.MeshEndpoints.Get(svc.Namespace, svc.Name); ok {
			return mep.Spec
		}
	}
	slices := endpointSlicesOwnedBy(w.EndpointSlices, svc)
	return generateMeshEndpointSpec(svc, slices)
}

// renderPairs converts a MeshEndpointSpec into ServiceKey -> []EndpointValue
// mappings, skipping any service-IP/backend-IP pair whose address families
// differ (spec.md §4.6's address-family mismatch rule) rather than coercing
// them.
func (w *DatapathWriter) renderPairs(spec v1alpha1.MeshEndpointSpec) map[types.ServiceKey][]types.EndpointValue {
	out := make(map[types.ServiceKey][]types.EndpointValue)
	for _, svcIPStr := range spec.ServiceIPs {
		svcIP := net.ParseIP(svcIPStr)
		if svcIP == nil {
			continue
		}
		svcFamily, ok := types.FamilyOf(svcIP)
		if !ok {
			continue
		}
		_, svcAddr := types.AddrFromNetIP(svcIP)

		for _, b := range spec.Backends {
			backendIP := net.ParseIP(b.BackendIP)
			if backendIP == nil {
				continue
			}
			backendFamily, ok := types.FamilyOf(backendIP)
			if !ok || backendFamily != svcFamily {
				continue
			}
			_, backendAddr := types.AddrFromNetIP(backendIP)

			protocol := types.ParseProtocol(b.Protocol)
			key := types.ServiceKey{Family: svcFamily, Addr: svcAddr, Port: uint16(b.ServicePort), Protocol: protocol}
			val := types.EndpointValue{Family: backendFamily, Addr: backendAddr, Port: uint16(b.BackendPort), Protocol: protocol}
			out[key] = append(out[key], val)
		}
	}
	return out
}

func (w *DatapathWriter) tablesFor(family types.Family) (*bpfmap.CachedMap[types.ServiceKey, types.ServiceValue], *bpfmap.CachedMap[types.EndpointKey, types.EndpointValue]) {
	if family == types.FamilyV6 {
		return w.ServiceV6, w.EndpointV6
	}
	return w.ServiceV4, w.EndpointV4
}

// writeSlot implements spec.md §4.6's slot allocation: a new ServiceKey
// gets the next monotonic slot id; an existing one reuses its slot,
// overwrites positions 0..newCount, and deletes any position the new count
// no longer covers.
func (w *DatapathWriter) writeSlot(ref serviceRef, key types.ServiceKey, endpoints []types.EndpointValue) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	serviceMap, endpointMap := w.tablesFor(key.Family)

	slot, exists := w.slots[key]
	var oldCount uint16
	if exists {
		if old, ok, err := serviceMap.Get(key); err == nil && ok {
			oldCount = old.Count
		}
	} else {
		slot = w.nextSlot
		w.nextSlot++
		w.slots[key] = slot
	}

	newCount := uint16(len(endpoints))
	for i, ep := range endpoints {
		if err := endpointMap.Update(types.EndpointKey{SlotID: slot, Position: uint16(i)}, ep); err != nil {
			return errors.Wrap(errors.KernelMap, "write endpoint entry", err)
		}
	}
	for i := newCount; i < oldCount; i++ {
		if err := endpointMap.Delete(types.EndpointKey{SlotID: slot, Position: i}); err != nil {
			return errors.Wrap(errors.KernelMap, "delete stale endpoint entry", err)
		}
	}
	if err := serviceMap.Update(key, types.ServiceValue{SlotID: slot, Count: newCount}); err != nil {
		return errors.Wrap(errors.KernelMap, "write service entry", err)
	}

	if w.keysByService[ref] == nil {
		w.keysByService[ref] = make(map[types.ServiceKey]struct{})
	}
	w.keysByService[ref][key] = struct{}{}

	log.WithField(logfields.SlotID, slot).WithField(logfields.K8sSvcName, ref.Name).Debugf("programmed service slot, count=%d", newCount)
	return nil
}

func (w *DatapathWriter) deleteKey(ref serviceRef, key types.ServiceKey) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot, ok := w.slots[key]
	if !ok {
		return nil
	}
	serviceMap, endpointMap := w.tablesFor(key.Family)
	if old, ok2, err := serviceMap.Get(key); err == nil && ok2 {
		for i := uint16(0); i < old.Count; i++ {
			_ = endpointMap.Delete(types.EndpointKey{SlotID: slot, Position: i})
		}
	}
	if err := serviceMap.Delete(key); err != nil {
		return errors.Wrap(errors.KernelMap, "delete service entry", err)
	}
	delete(w.slots, key)
	if set := w.keysByService[ref]; set != nil {
		delete(set, key)
	}
	return nil
}

func (w *DatapathWriter) removeService(ref serviceRef) error {
	w.mu.Lock()
	keys := make([]types.ServiceKey, 0, len(w.keysByService[ref]))
	for k := range w.keysByService[ref] {
		keys = append(keys, k)
	}
	w.mu.Unlock()

	for _, k := range keys {
		if err := w.deleteKey(ref, k); err != nil {
			return err
		}
	}
	return nil
}
