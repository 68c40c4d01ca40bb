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

// PinFD and OpenPin are exported so internal/datapath/lifecycle can pin and
// reopen program file descriptors (BPF_PROG_LOAD returns an fd the same
// shape as BPF_MAP_CREATE does) through the same BPF_OBJ_PIN/BPF_OBJ_GET
// path this package already wraps for maps.

// PinFD pins fd at path via BPF_OBJ_PIN.
func PinFD(fd int, path string) error {
	return objPin(fd, path)
}

// OpenPin opens an existing pin at path via BPF_OBJ_GET, returning its fd.
func OpenPin(path string) (int, error) {
	return objGet(path)
}
