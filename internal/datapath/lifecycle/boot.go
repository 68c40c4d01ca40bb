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
	"context"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/logging"
	"github.com/mesh-cni/agent/internal/types"
)

var log = logging.WithSubsys("datapath-lifecycle")

// Config is everything Boot needs to bring the datapath up.
type Config struct {
	// BPFFSRoot is the bpf_fs configuration value (default /sys/fs/bpf/mesh-cni).
	BPFFSRoot string
	// CgroupRoot is the cgroup_fs configuration value the sockaddr program
	// attaches to (default /sys/fs/cgroup).
	CgroupRoot string
	// ServiceObject, PolicyObject and SockAddrObject locate the compiled
	// program objects produced by the (out-of-scope) build step.
	ServiceObject   string
	PolicyObject    string
	SockAddrObject  string
}

const bpfLinkCreate = 28

// attachTypeCgroupInetSockAddr is the single cgroup hook the sockaddr
// program is attached at: IPv4 connect. The bind hooks and the IPv6 connect
// hook are not attached.
const attachTypeCgroupInetSockAddr = 10 // BPF_CGROUP_INET4_CONNECT

type bpfAttrLinkCreate struct {
	progFD     uint32
	targetFD   uint32
	attachType uint32
	flags      uint32
}

// Boot runs the idempotent boot sequence from spec.md §4.2: if every
// required map and program pin is already present, it is reused as-is;
// otherwise the whole pin tree is recreated from scratch.
func Boot(ctx context.Context, tree PinTree, cfg Config) error {
	if pinsValid(tree) {
		log.Info("datapath pins present and valid, skipping reload")
		return nil
	}

	log.Info("datapath pins missing or incomplete, reloading from scratch")
	if err := os.RemoveAll(tree.Root); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.KernelProgram, "lifecycle.Boot", fmt.Errorf("clear pin tree %s: %w", tree.Root, err))
	}
	for _, dir := range tree.Subdirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(errors.KernelProgram, "lifecycle.Boot", fmt.Errorf("create %s: %w", dir, err))
		}
	}

	if err := loadAndPin(ProgramSpec{Name: ProgService, Type: ProgTypeSchedCLS, Path: cfg.ServiceObject}, tree.ProgPath(ProgService)); err != nil {
		return ignoreAlreadyLoaded(err)
	}
	if err := loadAndPin(ProgramSpec{Name: ProgPolicy, Type: ProgTypeSchedCLS, Path: cfg.PolicyObject}, tree.ProgPath(ProgPolicy)); err != nil {
		return ignoreAlreadyLoaded(err)
	}
	sockFD, err := loadProgram(ProgramSpec{Name: ProgSockRW, Type: ProgTypeCgroupSock, Path: cfg.SockAddrObject})
	if err != nil {
		return ignoreAlreadyLoaded(err)
	}
	defer unix.Close(sockFD)
	if err := bpfmap.PinFD(sockFD, tree.ProgPath(ProgSockRW)); err != nil {
		return errors.Wrap(errors.KernelProgram, "lifecycle.Boot", fmt.Errorf("pin %s: %w", ProgSockRW, err))
	}

	if err := attachCgroupSockAddr(sockFD, cfg.CgroupRoot, tree.SockAddrLinkPath()); err != nil {
		return ignoreAlreadyAttached(err)
	}

	for _, name := range AllMaps() {
		if err := ensureMapPinned(tree, name); err != nil {
			return errors.Wrap(errors.KernelMap, "lifecycle.Boot", fmt.Errorf("pin map %s: %w", name, err))
		}
	}

	log.Info("datapath boot sequence complete")
	return nil
}

// Map capacities for the fixed tables. Chosen generously for a single
// node's worth of state; tune via config if a cluster outgrows them.
// Exported so a caller reopening an already-pinned map at runtime (outside
// Boot, e.g. the reconcilers wired up in cmd/mesh-cni-agent) sizes it
// identically rather than duplicating these numbers.
const (
	MaxIPCacheEntries   = 1 << 16
	MaxServiceEntries   = 1 << 12
	MaxEndpointEntries  = 1 << 15
	MaxConntrackEntries = 1 << 18
	MaxPolicyEntries    = 1 << 16
)

const (
	maxIPCacheEntries   = MaxIPCacheEntries
	maxServiceEntries   = MaxServiceEntries
	maxEndpointEntries  = MaxEndpointEntries
	maxConntrackEntries = MaxConntrackEntries
	maxPolicyEntries    = MaxPolicyEntries
)

// ensureMapPinned creates (or reopens, if already pinned) the named map and
// immediately closes the handle: Boot only needs the pin to exist, the
// reconcilers that follow reopen it themselves through bpfmap.CachedMap.
func ensureMapPinned(tree PinTree, name string) error {
	path := tree.MapPath(name)
	var (
		m   interface{ Close() error }
		err error
	)
	switch name {
	case MapIPCacheV4, MapIPCacheV6:
		m, err = bpfmap.CreateLPMTrie[types.IPCacheKey, types.IdentityID](name, path, maxIPCacheEntries, bpfmap.IPCacheCodec{})
	case MapServiceV4, MapServiceV6:
		m, err = bpfmap.CreateHash[types.ServiceKey, types.ServiceValue](name, path, maxServiceEntries, bpfmap.ServiceCodec{})
	case MapEndpointV4, MapEndpointV6:
		m, err = bpfmap.CreateHash[types.EndpointKey, types.EndpointValue](name, path, maxEndpointEntries, bpfmap.EndpointCodec{})
	case MapConntrack:
		m, err = bpfmap.CreateHash[types.ConntrackKey, types.ConntrackValue](name, path, maxConntrackEntries, bpfmap.ConntrackCodec{})
	case MapPolicy:
		m, err = bpfmap.CreateHash[types.PolicyKey, types.PolicyAction](name, path, maxPolicyEntries, bpfmap.PolicyCodec{})
	default:
		return fmt.Errorf("unknown map name %q", name)
	}
	if err != nil {
		return err
	}
	return m.Close()
}

// attachCgroupSockAddr attaches progFD to the cgroup at cgroupRoot and pins
// the resulting link at linkPath.
func attachCgroupSockAddr(progFD int, cgroupRoot, linkPath string) error {
	cgFD, err := unix.Open(cgroupRoot, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return errors.Wrap(errors.KernelProgram, "lifecycle.attachCgroupSockAddr", fmt.Errorf("open cgroup root %s: %w", cgroupRoot, err))
	}
	defer unix.Close(cgFD)

	attr := bpfAttrLinkCreate{
		progFD:     uint32(progFD),
		targetFD:   uint32(cgFD),
		attachType: attachTypeCgroupInetSockAddr,
	}
	r1, _, errno := unix.Syscall(unix.SYS_BPF, uintptr(bpfLinkCreate), uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return errors.Wrap(errors.KernelProgram, "lifecycle.attachCgroupSockAddr", errno)
	}
	linkFD := int(r1)
	defer unix.Close(linkFD)

	if err := bpfmap.PinFD(linkFD, linkPath); err != nil {
		return errors.Wrap(errors.KernelProgram, "lifecycle.attachCgroupSockAddr", fmt.Errorf("pin link: %w", err))
	}
	return nil
}

// pinsValid reports whether every required map and program pin exists.
func pinsValid(tree PinTree) bool {
	for _, name := range AllMaps() {
		if !pathExists(tree.MapPath(name)) {
			return false
		}
	}
	for _, name := range AllPrograms() {
		if !pathExists(tree.ProgPath(name)) {
			return false
		}
	}
	return pathExists(tree.SockAddrLinkPath())
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ignoreAlreadyLoaded and ignoreAlreadyAttached implement spec.md §4.2's
// failure model: AlreadyLoaded/AlreadyAttached are not fatal.
func ignoreAlreadyLoaded(err error) error {
	if isErrno(err, unix.EEXIST) {
		log.Warn("program already loaded, continuing")
		return nil
	}
	return err
}

func ignoreAlreadyAttached(err error) error {
	if isErrno(err, unix.EEXIST) {
		log.Warn("program already attached, continuing")
		return nil
	}
	return err
}

func isErrno(err error, target unix.Errno) bool {
	for err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno == target
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
