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

package bpfmap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mesh-cni/agent/internal/errors"
)

// Codec encodes/decodes the fixed-size key and value of a datapath table to
// and from the byte layout the kernel map expects. The implementation for
// each table type lives in codecs.go in this package.
type Codec[K comparable, V any] interface {
	KeySize() int
	ValueSize() int
	EncodeKey(K) []byte
	DecodeKey([]byte) K
	EncodeValue(V) []byte
	DecodeValue([]byte) V
}

// bpf(2) map type and command constants this package relies on. Kept local
// rather than imported from an eBPF library since none is wired for this
// concern (see DESIGN.md).
const (
	bpfMapCreate      = 0
	bpfMapLookupElem  = 1
	bpfMapUpdateElem  = 2
	bpfMapDeleteElem  = 3
	bpfMapGetNextKey  = 4
	bpfObjPin         = 6
	bpfObjGet         = 7

	bpfMapTypeHash    = 1
	bpfMapTypeLPMTrie = 11

	bpfAny = 0
)

type bpfAttrMapCreate struct {
	mapType    uint32
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	mapFlags   uint32
}

type bpfAttrMapElem struct {
	mapFD uint32
	pad0  uint32
	key   uint64
	value uint64 // union with next_key
	flags uint64
}

type bpfAttrObj struct {
	pathname uint64
	bpfFD    uint32
	fileFlags uint32
}

func bpfSyscall(cmd int, attr unsafe.Pointer, size uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_BPF, uintptr(cmd), uintptr(attr), size)
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

// kernelMap is a Map backed by a live bpf map file descriptor, obtained
// either by creating a new map or by opening a pin at path via BPF_OBJ_GET.
type kernelMap[K comparable, V any] struct {
	name  string
	fd    int
	codec Codec[K, V]
}

// CreateLPMTrie creates (or, if pinPath already exists, opens) an LPM-trie
// map sized for maxEntries, pins it at pinPath, and returns a Map over it.
// Used for the IP->Identity tables.
func CreateLPMTrie[K comparable, V any](name, pinPath string, maxEntries uint32, codec Codec[K, V]) (Map[K, V], error) {
	return openOrCreate(name, pinPath, bpfMapTypeLPMTrie, maxEntries, codec, unix.BPF_F_NO_PREALLOC)
}

// CreateHash creates (or opens) a plain hash map, used for the service,
// endpoint, conntrack and policy tables.
func CreateHash[K comparable, V any](name, pinPath string, maxEntries uint32, codec Codec[K, V]) (Map[K, V], error) {
	return openOrCreate(name, pinPath, bpfMapTypeHash, maxEntries, codec, 0)
}

func openOrCreate[K comparable, V any](name, pinPath string, mapType uint32, maxEntries uint32, codec Codec[K, V], flags uint32) (Map[K, V], error) {
	if _, err := os.Stat(pinPath); err == nil {
		fd, err := objGet(pinPath)
		if err != nil {
			return nil, errors.Wrap(errors.KernelMap, "bpfmap.openOrCreate", err)
		}
		return &kernelMap[K, V]{name: name, fd: fd, codec: codec}, nil
	}

	attr := bpfAttrMapCreate{
		mapType:    mapType,
		keySize:    uint32(codec.KeySize()),
		valueSize:  uint32(codec.ValueSize()),
		maxEntries: maxEntries,
		mapFlags:   flags,
	}
	r, err := bpfSyscall(bpfMapCreate, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return nil, errors.Wrap(errors.KernelMap, "bpfmap.openOrCreate", fmt.Errorf("create map %s: %w", name, err))
	}
	fd := int(r)

	if err := objPin(fd, pinPath); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(errors.KernelMap, "bpfmap.openOrCreate", fmt.Errorf("pin map %s at %s: %w", name, pinPath, err))
	}

	return &kernelMap[K, V]{name: name, fd: fd, codec: codec}, nil
}

func objPin(fd int, path string) error {
	pathBytes := append([]byte(path), 0)
	attr := bpfAttrObj{
		pathname: uint64(uintptr(unsafe.Pointer(&pathBytes[0]))),
		bpfFD:    uint32(fd),
	}
	_, err := bpfSyscall(bpfObjPin, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return err
}

func objGet(path string) (int, error) {
	pathBytes := append([]byte(path), 0)
	attr := bpfAttrObj{
		pathname: uint64(uintptr(unsafe.Pointer(&pathBytes[0]))),
	}
	r, err := bpfSyscall(bpfObjGet, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return 0, err
	}
	return int(r), nil
}

func (m *kernelMap[K, V]) Update(key K, value V) error {
	kb := m.codec.EncodeKey(key)
	vb := m.codec.EncodeValue(value)
	attr := bpfAttrMapElem{
		mapFD: uint32(m.fd),
		key:   uint64(uintptr(unsafe.Pointer(&kb[0]))),
		value: uint64(uintptr(unsafe.Pointer(&vb[0]))),
		flags: bpfAny,
	}
	if _, err := bpfSyscall(bpfMapUpdateElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr)); err != nil {
		return errors.Wrap(errors.KernelMap, "bpfmap.Update", fmt.Errorf("map %s: %w", m.name, err))
	}
	return nil
}

func (m *kernelMap[K, V]) Delete(key K) error {
	kb := m.codec.EncodeKey(key)
	attr := bpfAttrMapElem{
		mapFD: uint32(m.fd),
		key:   uint64(uintptr(unsafe.Pointer(&kb[0]))),
	}
	if _, err := bpfSyscall(bpfMapDeleteElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr)); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return errors.Wrap(errors.KernelMap, "bpfmap.Delete", fmt.Errorf("map %s: %w", m.name, err))
	}
	return nil
}

func (m *kernelMap[K, V]) Get(key K) (V, bool, error) {
	var zero V
	kb := m.codec.EncodeKey(key)
	vb := make([]byte, m.codec.ValueSize())
	attr := bpfAttrMapElem{
		mapFD: uint32(m.fd),
		key:   uint64(uintptr(unsafe.Pointer(&kb[0]))),
		value: uint64(uintptr(unsafe.Pointer(&vb[0]))),
	}
	if _, err := bpfSyscall(bpfMapLookupElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr)); err != nil {
		if err == unix.ENOENT {
			return zero, false, nil
		}
		return zero, false, errors.Wrap(errors.KernelMap, "bpfmap.Get", fmt.Errorf("map %s: %w", m.name, err))
	}
	return m.codec.DecodeValue(vb), true, nil
}

func (m *kernelMap[K, V]) Snapshot() (map[K]V, error) {
	out := make(map[K]V)
	keySize := m.codec.KeySize()
	cur := make([]byte, keySize)
	haveCur := false

	for {
		next := make([]byte, keySize)
		attr := bpfAttrMapElem{mapFD: uint32(m.fd)}
		if haveCur {
			attr.key = uint64(uintptr(unsafe.Pointer(&cur[0])))
		}
		attr.value = uint64(uintptr(unsafe.Pointer(&next[0])))

		if _, err := bpfSyscall(bpfMapGetNextKey, unsafe.Pointer(&attr), unsafe.Sizeof(attr)); err != nil {
			if err == unix.ENOENT {
				break
			}
			return nil, errors.Wrap(errors.KernelMap, "bpfmap.Snapshot", fmt.Errorf("map %s: %w", m.name, err))
		}

		key := m.codec.DecodeKey(next)
		value, ok, err := m.Get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = value
		}
		cur = next
		haveCur = true
	}
	return out, nil
}

func (m *kernelMap[K, V]) Close() error {
	return unix.Close(m.fd)
}
