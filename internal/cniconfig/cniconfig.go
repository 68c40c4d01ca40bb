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

// Package cniconfig bootstraps the CNI plugin's on-disk preconditions
// (spec.md §6's "CNI conflist integration"), generalizing
// ensure_cni_preconditions from mesh-cni-agent/src/cni.rs.
package cniconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/containernetworking/cni/libcni"

	"github.com/mesh-cni/agent/internal/config"
	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/logging"
)

var log = logging.WithSubsys("cniconfig")

const (
	conflistName = "05-mesh.conflist"
	pluginBinary = "mesh-cni"
)

// existingConfRetries and existingConfInterval bound how long
// EnsurePreconditions waits for the primary CNI plugin to write its own
// conflist/conf before giving up, per spec.md §6 ("retry up to three times
// at 5s intervals to tolerate the primary CNI writing first").
const (
	existingConfRetries  = 3
	existingConfInterval = 5 * time.Second
)

// pluginConfig is the mesh plugin's own entry in a CNI conflist's
// "plugins" array.
type pluginConfig struct {
	Type string `json:"type"`
}

// conflist is the minimal shape of a CNI .conflist file this agent writes:
// an existing file's plugins array gets the mesh plugin appended, and each
// plugin entry is carried over byte-for-byte as a json.RawMessage. Of the
// existing file's top-level fields only cniVersion and name are written
// back; any other top-level field is dropped.
type conflist struct {
	CNIVersion string            `json:"cniVersion,omitempty"`
	Name       string            `json:"name,omitempty"`
	Plugins    []json.RawMessage `json:"plugins"`
}

// EnsurePreconditions creates the CNI plugin's log directory, installs the
// plugin binary into args.CNIBinDir, and writes 05-mesh.conflist into
// args.CNIConfDir. When args.Chained is set, it instead folds the mesh
// plugin into whatever conflist/conf the primary CNI plugin already wrote,
// retrying if that file hasn't appeared yet.
func EnsurePreconditions(args config.ControllerArgs, pluginSrcPath string) error {
	if err := ensureLogDir(args.CNIPluginLogDir); err != nil {
		return err
	}
	if err := installPluginBinary(pluginSrcPath, args.CNIBinDir); err != nil {
		return err
	}

	out, err := buildConflist(args)
	if err != nil {
		return err
	}
	return writeConflist(args.CNIConfDir, out)
}

func ensureLogDir(dir string) error {
	log.WithField("dir", dir).Info("creating cni plugin log directory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.IO, "cniconfig.ensureLogDir", err)
	}
	return nil
}

func installPluginBinary(srcPath, dstDir string) error {
	log.WithField("dir", dstDir).Info("installing cni plugin binary")
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrap(errors.IO, "cniconfig.installPluginBinary", err)
	}
	defer src.Close()

	dstPath := filepath.Join(dstDir, pluginBinary)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return errors.Wrap(errors.IO, "cniconfig.installPluginBinary", err)
	}
	defer dst.Close()

	if _, err := dst.ReadFrom(src); err != nil {
		return errors.Wrap(errors.IO, "cniconfig.installPluginBinary", err)
	}
	return dst.Chmod(0o755)
}

// buildConflist returns the raw bytes to write to 05-mesh.conflist: a
// fresh single-plugin conflist for the primary-plugin case, or the
// existing conflist/conf with the mesh plugin appended for the chained
// case. The chained case parses the primary plugin's file with
// containernetworking/cni's own conf-list types rather than a hand-rolled
// struct, so plugin entries using fields this package doesn't know about
// still round-trip unchanged; top-level fields other than cniVersion and
// name are not carried over.
func buildConflist(args config.ControllerArgs) ([]byte, error) {
	if !args.Chained {
		cl := conflist{
			CNIVersion: "1.0.0",
			Name:       "mesh-cni",
			Plugins:    []json.RawMessage{mustMarshalPlugin()},
		}
		return json.MarshalIndent(cl, "", "  ")
	}

	existing, err := readExistingConfWithRetry(args.CNIConfDir)
	if err != nil {
		return nil, err
	}

	list, err := parseExistingConfList(existing)
	if err != nil {
		return nil, err
	}
	list.Plugins = append(list.Plugins, &libcni.NetworkConfig{Bytes: mustMarshalPlugin()})

	cl := conflist{
		CNIVersion: list.CNIVersion,
		Name:       list.Name,
		Plugins:    make([]json.RawMessage, len(list.Plugins)),
	}
	for i, p := range list.Plugins {
		cl.Plugins[i] = p.Bytes
	}
	return json.MarshalIndent(cl, "", "  ")
}

// parseExistingConfList accepts either shape the primary CNI plugin may
// have written: a multi-plugin .conflist, or a single-plugin legacy .conf,
// which libcni.ConfFromBytes wraps into a one-element list.
func parseExistingConfList(data []byte) (*libcni.NetworkConfigList, error) {
	if list, err := libcni.ConfListFromBytes(data); err == nil {
		return list, nil
	}

	single, err := libcni.ConfFromBytes(data)
	if err != nil {
		return nil, errors.Wrap(errors.ConfigLoad, "cniconfig.parseExistingConfList", fmt.Errorf("parse existing conflist/conf: %w", err))
	}
	return &libcni.NetworkConfigList{
		Name:       single.Network.Name,
		CNIVersion: single.Network.CNIVersion,
		Plugins:    []*libcni.NetworkConfig{single},
	}, nil
}

func mustMarshalPlugin() json.RawMessage {
	raw, err := json.Marshal(pluginConfig{Type: pluginBinary})
	if err != nil {
		panic(fmt.Sprintf("cniconfig: marshalling the mesh plugin descriptor failed: %v", err))
	}
	return raw
}

// readExistingConfWithRetry looks for the first (lexicographically, by
// filename) .conflist in dir, falling back to the first .conf if no
// conflist exists, retrying on any read failure (including no such file
// yet) up to existingConfRetries times.
func readExistingConfWithRetry(dir string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= existingConfRetries; attempt++ {
		if attempt > 0 {
			log.WithField("attempt", attempt).Info("waiting for primary cni plugin to write its conflist")
			time.Sleep(existingConfInterval)
		}
		data, err := readExistingConf(dir)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, errors.Wrap(errors.ConfigLoad, "cniconfig.readExistingConfWithRetry", lastErr)
}

func readExistingConf(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.Name() == conflistName {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if path, ok := firstWithExt(dir, names, ".conflist"); ok {
		return os.ReadFile(path)
	}
	if path, ok := firstWithExt(dir, names, ".conf"); ok {
		return os.ReadFile(path)
	}
	return nil, fmt.Errorf("no existing .conflist or .conf found in %s", dir)
}

func firstWithExt(dir string, names []string, ext string) (string, bool) {
	for _, name := range names {
		if filepath.Ext(name) == ext {
			return filepath.Join(dir, name), true
		}
	}
	return "", false
}

func writeConflist(dir string, data []byte) error {
	path := filepath.Join(dir, conflistName)
	log.WithField("path", path).Info("writing cni conflist")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(errors.IO, "cniconfig.writeConflist", err)
	}
	return nil
}
