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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/errors"
)

// ProgType mirrors the kernel's bpf_prog_type values this agent uses.
type ProgType uint32

const (
	ProgTypeSchedCLS   ProgType = 3  // BPF_PROG_TYPE_SCHED_CLS, the classifier programs
	ProgTypeCgroupSock ProgType = 18 // BPF_PROG_TYPE_CGROUP_SOCK_ADDR, the rewrite program
)

const bpfProgLoad = 5

type bpfAttrProgLoad struct {
	progType    uint32
	insnCnt     uint32
	insns       uint64
	license     uint64
	logLevel    uint32
	logSize     uint32
	logBuf      uint64
	kernVersion uint32
}

// licenseGPL is required by the kernel verifier for any program calling
// GPL-only helpers, which both the classifier and the sockaddr rewrite
// program do (bpf_redirect, bpf_sk_*).
var licenseGPL = append([]byte("GPL"), 0)

// ProgramSpec names a compiled program object to load: Path points at a
// flat file of 8-byte BPF instructions (this repo does not carry an ELF/BTF
// loader — no pack example wires one either, see DESIGN.md — so the
// compiled object is expected pre-linked into raw instructions by the
// out-of-scope build step that produces it).
type ProgramSpec struct {
	Name string
	Type ProgType
	Path string
}

// loadProgram reads spec.Path and issues BPF_PROG_LOAD, returning the new
// program's fd.
func loadProgram(spec ProgramSpec) (int, error) {
	insns, err := os.ReadFile(spec.Path)
	if err != nil {
		return 0, errors.Wrap(errors.KernelProgram, "lifecycle.loadProgram", fmt.Errorf("read %s: %w", spec.Path, err))
	}
	if len(insns) == 0 || len(insns)%8 != 0 {
		return 0, errors.New(errors.KernelProgram, "lifecycle.loadProgram", fmt.Errorf("%s: not a whole number of 8-byte instructions", spec.Path))
	}

	attr := bpfAttrProgLoad{
		progType: uint32(spec.Type),
		insnCnt:  uint32(len(insns) / 8),
		insns:    uint64(uintptr(unsafe.Pointer(&insns[0]))),
		license:  uint64(uintptr(unsafe.Pointer(&licenseGPL[0]))),
	}
	r1, _, errno := unix.Syscall(unix.SYS_BPF, uintptr(bpfProgLoad), uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return 0, errors.Wrap(errors.KernelProgram, "lifecycle.loadProgram", fmt.Errorf("load %s: %w", spec.Name, errno))
	}
	return int(r1), nil
}

// loadAndPin loads spec and pins the resulting program fd at pinPath,
// closing the fd either way (the kernel keeps the program alive through the
// pin once one exists).
func loadAndPin(spec ProgramSpec, pinPath string) error {
	fd, err := loadProgram(spec)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	if err := bpfmap.PinFD(fd, pinPath); err != nil {
		return errors.Wrap(errors.KernelProgram, "lifecycle.loadAndPin", fmt.Errorf("pin %s at %s: %w", spec.Name, pinPath, err))
	}
	return nil
}
