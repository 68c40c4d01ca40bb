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
	"fmt"
	"os"
	"runtime"

	"github.com/vishvananda/netlink"

	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/logging/logfields"
)

// AttachPod attaches the service-engine classifier to both directions of
// iface and pins the classifier program at each direction's
// ClassifierLinkPath under tree, per spec.md §4.2. Entering
// a pod's network namespace to reach iface is the caller's responsibility
// (the RPC AddPod handler does it before calling in); this function itself
// only needs a dedicated OS thread because the netlink handle it opens is
// bound to the namespace of the calling thread.
func AttachPod(tree PinTree, iface string) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	scopedLog := log.WithField(logfields.Interface, iface)

	progFD, err := bpfmap.OpenPin(tree.ProgPath(ProgService))
	if err != nil {
		return errors.Wrap(errors.KernelProgram, "lifecycle.AttachPod", fmt.Errorf("open pinned program: %w", err))
	}
	defer func() { _ = os_Close(progFD) }()

	link, err := netlink.LinkByName(iface)
	if err != nil {
		return errors.Wrap(errors.KernelProgram, "lifecycle.AttachPod", fmt.Errorf("lookup iface %s: %w", iface, err))
	}

	if err := ensureClsact(link); err != nil {
		return errors.Wrap(errors.KernelProgram, "lifecycle.AttachPod", err)
	}

	attached := make([]Direction, 0, 2)
	defer func() {
		if err != nil {
			for _, d := range attached {
				scopedLog.WithField("direction", d).Warn("attach failed, unpinning partially-attached link")
				_ = os.Remove(tree.ClassifierLinkPath(iface, d))
			}
		}
	}()

	for _, d := range []Direction{DirectionIngress, DirectionEgress} {
		if err = attachClassifier(link, progFD, d); err != nil {
			return errors.Wrap(errors.KernelProgram, "lifecycle.AttachPod", fmt.Errorf("attach %s: %w", d, err))
		}
		if err = bpfmap.PinFD(progFD, tree.ClassifierLinkPath(iface, d)); err != nil {
			return errors.Wrap(errors.KernelProgram, "lifecycle.AttachPod", fmt.Errorf("pin %s link: %w", d, err))
		}
		attached = append(attached, d)
	}

	scopedLog.Info("attached pod classifiers")
	return nil
}

// DetachPod unpins both classifier links for iface. Missing paths are not
// errors, per spec.md §4.2.
func DetachPod(tree PinTree, iface string) error {
	for _, d := range []Direction{DirectionIngress, DirectionEgress} {
		path := tree.ClassifierLinkPath(iface, d)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(errors.KernelProgram, "lifecycle.DetachPod", fmt.Errorf("unpin %s: %w", path, err))
		}
	}
	log.WithField(logfields.Interface, iface).Info("detached pod classifiers")
	return nil
}

// ensureClsact makes sure link has a clsact qdisc, the attach point both tc
// classifier directions hang off of. Idempotent: EEXIST from the kernel is
// swallowed.
func ensureClsact(link netlink.Link) error {
	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    netlink.HANDLE_CLSACT,
			Handle:    netlink.MakeHandle(0xffff, 0),
		},
		QdiscType: "clsact",
	}
	if err := netlink.QdiscAdd(qdisc); err != nil && !os.IsExist(err) {
		return fmt.Errorf("add clsact qdisc: %w", err)
	}
	return nil
}

// attachClassifier installs a direct-action BPF filter at the given
// direction's clsact hook, pointing at progFD.
func attachClassifier(link netlink.Link, progFD int, direction Direction) error {
	parent := uint32(netlink.HANDLE_MIN_INGRESS)
	if direction == DirectionEgress {
		parent = netlink.HANDLE_MIN_EGRESS
	}
	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    parent,
			Handle:    netlink.MakeHandle(0, 1),
			Protocol:  unixETHPALL,
		},
		Fd:           progFD,
		Name:         fmt.Sprintf("mesh_cni_%s", direction),
		DirectAction: true,
	}
	if err := netlink.FilterAdd(filter); err != nil && !os.IsExist(err) {
		return fmt.Errorf("add %s filter: %w", direction, err)
	}
	return nil
}

// os_Close avoids importing golang.org/x/sys/unix just for Close in this
// file; AttachPod only ever holds this one extra fd.
func os_Close(fd int) error {
	f := os.NewFile(uintptr(fd), "bpf-prog")
	return f.Close()
}

// unixETHPALL is ETH_P_ALL as a host-order value, the protocol filter value
// for a catch-all classifier.
const unixETHPALL = 0x0003
