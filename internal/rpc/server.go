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

package rpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/vishvananda/netns"
	"google.golang.org/grpc"

	"github.com/mesh-cni/agent/api/v1alpha1"
	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/datapath/lifecycle"
	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/logging"
	"github.com/mesh-cni/agent/internal/logging/logfields"
	"github.com/mesh-cni/agent/internal/types"
)

var log = logging.WithSubsys("rpc")

// DefaultSocketPath is the well-known control socket path, per spec.md §6.
const DefaultSocketPath = "/var/run/mesh/mesh.sock"

// socketMode is the permission bits the listening socket is chmod'd to
// after creation: owner and group read/write, matching spec.md §6's
// "mode 0660".
const socketMode = 0o660

// Agent is the AgentServer implementation backing the local control
// socket: AddPod/DeletePod attach or detach the in-kernel classifiers,
// the List* calls read back the same state the reconcilers maintain.
type Agent struct {
	PinTree lifecycle.PinTree

	ServiceV4  *bpfmap.CachedMap[types.ServiceKey, types.ServiceValue]
	ServiceV6  *bpfmap.CachedMap[types.ServiceKey, types.ServiceValue]
	EndpointV4 *bpfmap.CachedMap[types.EndpointKey, types.EndpointValue]
	EndpointV6 *bpfmap.CachedMap[types.EndpointKey, types.EndpointValue]

	IPCacheV4 *bpfmap.CachedMap[types.IPCacheKey, uint32]
	IPCacheV6 *bpfmap.CachedMap[types.IPCacheKey, uint32]

	Policy *bpfmap.CachedMap[types.PolicyKey, types.PolicyAction]

	ConntrackV4 *bpfmap.CachedMap[types.ConntrackKey, types.ConntrackValue]
	ConntrackV6 *bpfmap.CachedMap[types.ConntrackKey, types.ConntrackValue]

	Identities reflector.Store[*v1alpha1.Identity]
}

var _ AgentServer = (*Agent)(nil)

// Serve listens on a Unix socket at path, chmods it to socketMode, and
// blocks serving the mesh.v1.Agent service until ctx is cancelled.
func Serve(ctx context.Context, path string, agent *Agent) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.IO, "rpc.Serve", fmt.Errorf("remove stale socket: %w", err))
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return errors.Wrap(errors.IO, "rpc.Serve", fmt.Errorf("listen on %s: %w", path, err))
	}
	if err := os.Chmod(path, socketMode); err != nil {
		_ = ln.Close()
		return errors.Wrap(errors.IO, "rpc.Serve", fmt.Errorf("chmod %s: %w", path, err))
	}

	server := grpc.NewServer()
	RegisterAgentServer(server, agent)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	log.WithField("path", path).Info("rpc socket listening")

	select {
	case <-ctx.Done():
		server.GracefulStop()
		return nil
	case err := <-errCh:
		return errors.Wrap(errors.IO, "rpc.Serve", err)
	}
}

// AddPod attaches the service classifier to both directions of req.Iface
// inside req.NetNamespace (if given), per spec.md §6. Idempotent: attaching
// an already-attached interface is not an error.
func (a *Agent) AddPod(ctx context.Context, req *PodRequest) (*PodReply, error) {
	err := withNetNamespace(req.NetNamespace, func() error {
		return lifecycle.AttachPod(a.PinTree, req.Iface)
	})
	if err != nil {
		return nil, err
	}
	log.WithField(logfields.ContainerID, req.ContainerID).WithField(logfields.Interface, req.Iface).Info("attached pod")
	return &PodReply{OK: true}, nil
}

// DeletePod unpins both classifier links for req.Iface. Per spec.md §6,
// absent paths are success, so entering the (possibly already-gone)
// namespace is not required; DetachPod only touches pinned link paths
// under PinTree, which live in this process's own mount namespace.
func (a *Agent) DeletePod(ctx context.Context, req *PodRequest) (*PodReply, error) {
	if err := lifecycle.DetachPod(a.PinTree, req.Iface); err != nil {
		return nil, err
	}
	log.WithField(logfields.ContainerID, req.ContainerID).WithField(logfields.Interface, req.Iface).Info("detached pod")
	return &PodReply{OK: true}, nil
}

// ListIps snapshots the IP->identity cache and joins it against the known
// Identity objects to recover each id's label set, per spec.md §6.
func (a *Agent) ListIps(ctx context.Context, req *ListIpsRequest) (*ListIpsReply, error) {
	labelsByID := make(map[uint32]map[string]string, len(a.Identities.List()))
	for _, ident := range a.Identities.List() {
		labelsByID[ident.Spec.ID] = mergeLabels(ident.Spec.NamespaceLabels, ident.Spec.PodLabels)
	}

	var entries []IPEntry
	for _, family := range []struct {
		name string
		m    *bpfmap.CachedMap[types.IPCacheKey, uint32]
	}{{"v4", a.IPCacheV4}, {"v6", a.IPCacheV6}} {
		if family.m == nil {
			continue
		}
		snap, err := family.m.Snapshot()
		if err != nil {
			return nil, errors.Wrap(errors.KernelMap, "rpc.ListIps", err)
		}
		for key, id := range snap {
			ip := types.NetIPFromAddr(key.Family, key.Addr)
			entries = append(entries, IPEntry{
				IP:     ip.String(),
				ID:     id,
				Labels: reservedOrLabels(id, labelsByID),
			})
		}
	}
	return &ListIpsReply{Entries: entries}, nil
}

// ListServices snapshots the two-level service/endpoint tables. When
// req.FromMap is set it reads straight from the kernel map instead of the
// reconciler's in-process cache, per spec.md §6.
func (a *Agent) ListServices(ctx context.Context, req *ListServicesRequest) (*ListServicesReply, error) {
	var entries []ServiceEntry
	for _, pair := range []struct {
		services  *bpfmap.CachedMap[types.ServiceKey, types.ServiceValue]
		endpoints *bpfmap.CachedMap[types.EndpointKey, types.EndpointValue]
	}{{a.ServiceV4, a.EndpointV4}, {a.ServiceV6, a.EndpointV6}} {
		if pair.services == nil || pair.endpoints == nil {
			continue
		}
		services, endpoints, err := snapshotServicePair(pair.services, pair.endpoints, req.FromMap)
		if err != nil {
			return nil, errors.Wrap(errors.KernelMap, "rpc.ListServices", err)
		}
		for key, value := range services {
			ip := types.NetIPFromAddr(key.Family, key.Addr)
			entry := ServiceEntry{
				ServiceEndpoint: fmt.Sprintf("%s:%d", ip, key.Port),
				Protocol:        key.Protocol.String(),
			}
			for pos := uint16(0); pos < value.Count; pos++ {
				ek := types.EndpointKey{SlotID: value.SlotID, Position: pos}
				ev, ok := endpoints[ek]
				if !ok {
					continue
				}
				backendIP := types.NetIPFromAddr(ev.Family, ev.Addr)
				entry.Endpoints = append(entry.Endpoints, fmt.Sprintf("%s:%d", backendIP, ev.Port))
			}
			entries = append(entries, entry)
		}
	}
	return &ListServicesReply{Entries: entries}, nil
}

func snapshotServicePair(services *bpfmap.CachedMap[types.ServiceKey, types.ServiceValue], endpoints *bpfmap.CachedMap[types.EndpointKey, types.EndpointValue], fromMap bool) (map[types.ServiceKey]types.ServiceValue, map[types.EndpointKey]types.EndpointValue, error) {
	if fromMap {
		svc, err := services.Inner().Snapshot()
		if err != nil {
			return nil, nil, err
		}
		ep, err := endpoints.Inner().Snapshot()
		if err != nil {
			return nil, nil, err
		}
		return svc, ep, nil
	}
	svc, err := services.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	ep, err := endpoints.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	return svc, ep, nil
}

// ListPolicy snapshots the rendered policy table.
func (a *Agent) ListPolicy(ctx context.Context, req *ListPolicyRequest) (*ListPolicyReply, error) {
	if a.Policy == nil {
		return &ListPolicyReply{}, nil
	}
	snap, err := a.Policy.Snapshot()
	if err != nil {
		return nil, errors.Wrap(errors.KernelMap, "rpc.ListPolicy", err)
	}
	entries := make([]PolicyEntry, 0, len(snap))
	for key, action := range snap {
		entries = append(entries, PolicyEntry{
			SrcID:   key.SrcID,
			DstID:   key.DstID,
			DstPort: key.DstPort,
			Proto:   key.Protocol.String(),
			Action:  action.String(),
		})
	}
	return &ListPolicyReply{Entries: entries}, nil
}

// GetConntrack always reads straight from the kernel map, per spec.md §6:
// no reconciler owns or caches this table, since the in-kernel datapath is
// the only writer.
func (a *Agent) GetConntrack(ctx context.Context, req *GetConntrackRequest) (*GetConntrackReply, error) {
	var entries []ConntrackEntry
	for _, m := range []*bpfmap.CachedMap[types.ConntrackKey, types.ConntrackValue]{a.ConntrackV4, a.ConntrackV6} {
		if m == nil {
			continue
		}
		snap, err := m.Inner().Snapshot()
		if err != nil {
			return nil, errors.Wrap(errors.KernelMap, "rpc.GetConntrack", err)
		}
		for key := range snap {
			entries = append(entries, ConntrackEntry{
				SrcIP:   types.NetIPFromAddr(key.Family, key.SrcAddr).String(),
				SrcPort: key.SrcPort,
				DstIP:   types.NetIPFromAddr(key.Family, key.DstAddr).String(),
				DstPort: key.DstPort,
				Proto:   key.Protocol.String(),
			})
		}
	}
	return &GetConntrackReply{Entries: entries}, nil
}

func mergeLabels(namespaceLabels, podLabels map[string]string) map[string]string {
	out := make(map[string]string, len(namespaceLabels)+len(podLabels))
	for k, v := range namespaceLabels {
		out[k] = v
	}
	for k, v := range podLabels {
		out[k] = v
	}
	return out
}

func reservedOrLabels(id uint32, labelsByID map[uint32]map[string]string) map[string]string {
	if labels, ok := labelsByID[id]; ok {
		return labels
	}
	switch id {
	case types.LocalNodeID:
		return map[string]string{"reserved": "local-node"}
	case types.RemoteNodeID:
		return map[string]string{"reserved": "remote-node"}
	default:
		return map[string]string{}
	}
}

// withNetNamespace runs fn with the calling goroutine's OS thread switched
// into the namespace at path, restoring the original namespace afterward.
// An empty path runs fn in the caller's current namespace, for the chained
// CNI case where the plugin has already entered it. Locking the OS thread
// here (rather than leaving it to lifecycle.AttachPod alone) is required
// because the namespace switch itself is thread-scoped, per spec.md §5's
// "entering a network namespace affects the entire OS thread" note.
func withNetNamespace(path string, fn func() error) error {
	if path == "" {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	original, err := netns.Get()
	if err != nil {
		return errors.Wrap(errors.IO, "rpc.withNetNamespace", fmt.Errorf("get current namespace: %w", err))
	}
	defer original.Close()

	target, err := netns.GetFromPath(path)
	if err != nil {
		return errors.Wrap(errors.IO, "rpc.withNetNamespace", fmt.Errorf("open namespace %s: %w", path, err))
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return errors.Wrap(errors.IO, "rpc.withNetNamespace", fmt.Errorf("enter namespace %s: %w", path, err))
	}
	defer func() {
		if err := netns.Set(original); err != nil {
			log.WithError(err).Error("failed to restore original network namespace")
		}
	}()

	return fn()
}
