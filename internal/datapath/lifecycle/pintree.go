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

// Package lifecycle owns the datapath's boot sequence, per-pod attach and
// detach, and the conntrack garbage collector, built on the pinned
// filesystem tree described by PinTree.
package lifecycle

import (
	"fmt"
	"path/filepath"
)

// Map names pinned under PinTree.Maps. v4/v6 are pinned separately
// (resolves Open Question 4: symmetric dual-stack handling).
const (
	MapIPCacheV4  = "ipcache_v4"
	MapIPCacheV6  = "ipcache_v6"
	MapServiceV4  = "service_v4"
	MapServiceV6  = "service_v6"
	MapEndpointV4 = "endpoint_v4"
	MapEndpointV6 = "endpoint_v6"
	MapConntrack  = "conntrack"
	MapPolicy     = "policy"
)

// Program names pinned under PinTree.Progs.
const (
	ProgService = "mesh_cni_service"
	ProgPolicy  = "mesh_cni_policy"
	ProgSockRW  = "mesh_cni_sockaddr"
)

// PinTree describes the deterministic directory layout rooted at the
// configured bpf_fs, per spec.md §4.2's "Filesystem pins".
type PinTree struct {
	Root string
}

// NewPinTree builds a PinTree rooted at root (the agent's configured bpf_fs,
// default /sys/fs/bpf/mesh-cni).
func NewPinTree(root string) PinTree {
	return PinTree{Root: root}
}

func (t PinTree) mapsDir() string  { return filepath.Join(t.Root, "maps") }
func (t PinTree) progsDir() string { return filepath.Join(t.Root, "progs") }
func (t PinTree) linksDir() string { return filepath.Join(t.Root, "links") }

// Subdirs returns the maps/progs/links subtree roots that must exist before
// anything is pinned into them.
func (t PinTree) Subdirs() []string {
	return []string{t.mapsDir(), t.progsDir(), t.linksDir()}
}

// MapPath returns the pin path for a named map.
func (t PinTree) MapPath(name string) string {
	return filepath.Join(t.mapsDir(), name)
}

// ProgPath returns the pin path for a named program.
func (t PinTree) ProgPath(name string) string {
	return filepath.Join(t.progsDir(), name)
}

// SockAddrLinkPath is the pin path for the cgroup socket-address program's
// attach link.
func (t PinTree) SockAddrLinkPath() string {
	return filepath.Join(t.linksDir(), "mesh_cni_sockaddr_cgroup")
}

// ClassifierLinkPath is the pin path for a per-interface, per-direction
// classifier link, per spec.md §4.2 ("links/mesh_cni_ingress_<iface>_{ingress|egress}").
func (t PinTree) ClassifierLinkPath(iface string, direction Direction) string {
	return filepath.Join(t.linksDir(), fmt.Sprintf("mesh_cni_ingress_%s_%s", iface, direction))
}

// Direction is the classifier attach direction for a per-pod interface.
type Direction string

const (
	DirectionIngress Direction = "ingress"
	DirectionEgress  Direction = "egress"
)

// AllMaps lists every map name the boot sequence must pin.
func AllMaps() []string {
	return []string{
		MapIPCacheV4, MapIPCacheV6,
		MapServiceV4, MapServiceV6,
		MapEndpointV4, MapEndpointV6,
		MapConntrack,
		MapPolicy,
	}
}

// AllPrograms lists every program name the boot sequence must load and pin.
func AllPrograms() []string {
	return []string{ProgService, ProgPolicy, ProgSockRW}
}
