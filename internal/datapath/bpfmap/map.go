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

// Package bpfmap provides the uniform interface over datapath tables
// described by the design's Datapath Map Abstraction: update/delete/get/
// snapshot, plus a cached wrapper that mirrors writes in memory and
// suppresses redundant writes. No pack example wires a third-party Go eBPF
// library (see DESIGN.md), so the kernel-facing implementation in
// kernel_map.go talks to the bpf(2) syscall directly via golang.org/x/sys/unix,
// the same layer the teacher's pre-cilium/ebpf pkg/bpf package was built on.
package bpfmap

// Map is a kernel-resident key/value table consulted by the in-kernel
// classifier programs. K and V must be fixed-size, comparable types whose
// wire layout is encoded by the concrete Map implementation.
type Map[K comparable, V any] interface {
	// Update is an idempotent insert-or-replace.
	Update(key K, value V) error
	// Delete returns success if key is already absent.
	Delete(key K) error
	// Get returns (zero, false, nil) if key is absent.
	Get(key K) (V, bool, error)
	// Snapshot returns the full key/value set. May be a slow path.
	Snapshot() (map[K]V, error)
	// Close releases the underlying kernel resources.
	Close() error
}
