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

package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPinTreePaths(t *testing.T) {
	tree := NewPinTree("/sys/fs/bpf/mesh-cni")

	if got, want := tree.MapPath(MapIPCacheV4), "/sys/fs/bpf/mesh-cni/maps/ipcache_v4"; got != want {
		t.Fatalf("MapPath = %s, want %s", got, want)
	}
	if got, want := tree.ProgPath(ProgService), "/sys/fs/bpf/mesh-cni/progs/mesh_cni_service"; got != want {
		t.Fatalf("ProgPath = %s, want %s", got, want)
	}
	if got, want := tree.ClassifierLinkPath("eth0", DirectionIngress), "/sys/fs/bpf/mesh-cni/links/mesh_cni_ingress_eth0_ingress"; got != want {
		t.Fatalf("ClassifierLinkPath = %s, want %s", got, want)
	}
	if got, want := tree.ClassifierLinkPath("eth0", DirectionEgress), "/sys/fs/bpf/mesh-cni/links/mesh_cni_ingress_eth0_egress"; got != want {
		t.Fatalf("ClassifierLinkPath (egress) = %s, want %s", got, want)
	}
}

func TestPinsValidRequiresEveryMapAndProgramAndLink(t *testing.T) {
	root := t.TempDir()
	tree := NewPinTree(root)

	if pinsValid(tree) {
		t.Fatalf("expected pinsValid to be false against an empty tree")
	}

	for _, dir := range tree.Subdirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll(%s): %v", dir, err)
		}
	}
	for _, name := range AllMaps() {
		touch(t, tree.MapPath(name))
	}
	if pinsValid(tree) {
		t.Fatalf("expected pinsValid to still be false before program pins exist")
	}

	for _, name := range AllPrograms() {
		touch(t, tree.ProgPath(name))
	}
	if pinsValid(tree) {
		t.Fatalf("expected pinsValid to still be false before the sockaddr link pin exists")
	}

	touch(t, tree.SockAddrLinkPath())
	if !pinsValid(tree) {
		t.Fatalf("expected pinsValid to be true once every map, program and link pin exists")
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll(%s): %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}
