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

// Package config defines ControllerArgs, the agent's runtime configuration,
// and binds it from flags, environment variables and (for the multi-cluster
// descriptor) a YAML file, the way the teacher layers pkg/option on top of
// viper and pflag.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"

	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/types"
)

// ControllerArgs is the agent's top-level configuration, per spec.md §6.
type ControllerArgs struct {
	MetricsAddress    string `mapstructure:"metrics-address"`
	Iface             string `mapstructure:"iface"`
	NodeName          string `mapstructure:"node-name"`
	ClusterID         uint32 `mapstructure:"cluster-id"`
	CNIBinDir         string `mapstructure:"cni-bin-dir"`
	CNIConfDir        string `mapstructure:"cni-conf-dir"`
	CNIPluginLogDir   string `mapstructure:"cni-plugin-log-dir"`
	MeshClustersConfig string `mapstructure:"mesh-clusters-config"`
	AgentSocketPath   string `mapstructure:"agent-socket-path"`
	BPFFS             string `mapstructure:"bpf-fs"`
	CgroupFS          string `mapstructure:"cgroup-fs"`
	Chained           bool   `mapstructure:"chained"`
	LogLevel          string `mapstructure:"log-level"`
}

// Defaults returns a ControllerArgs populated with spec.md §6's defaults.
func Defaults() ControllerArgs {
	return ControllerArgs{
		MetricsAddress:     "0.0.0.0:9090",
		Iface:              "eth0",
		CNIBinDir:          "/opt/cni/bin",
		CNIConfDir:         "/etc/cni/net.d",
		CNIPluginLogDir:    "/var/log/mesh-cni",
		MeshClustersConfig: "/etc/mesh-cni/cluster-config",
		AgentSocketPath:    "/var/run/mesh/mesh.sock",
		BPFFS:              "/sys/fs/bpf/mesh-cni",
		CgroupFS:           "/sys/fs/cgroup",
		LogLevel:           "info",
	}
}

// BindFlags registers the controller's flags on fs and binds each one (plus
// its NODE_NAME/CLUSTER_ID-style environment variable) into v, mirroring
// mesh-cni-agent/src/config.rs's clap derive.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	d := Defaults()
	fs.String("metrics-address", d.MetricsAddress, "address the readiness/metrics HTTP surface listens on")
	fs.String("iface", d.Iface, "interface to attach the boot-time classifier to")
	fs.String("node-name", "", "name of the Kubernetes Node this agent runs on")
	fs.Uint32("cluster-id", 0, "unique ID for this cluster among the mesh")
	fs.String("cni-bin-dir", d.CNIBinDir, "directory the CNI plugin binary is installed into")
	fs.String("cni-conf-dir", d.CNIConfDir, "directory the CNI conflist is written to")
	fs.String("cni-plugin-log-dir", d.CNIPluginLogDir, "directory the CNI plugin writes logs to")
	fs.String("mesh-clusters-config", d.MeshClustersConfig, "path to the multi-cluster descriptor YAML file")
	fs.String("agent-socket-path", d.AgentSocketPath, "Unix socket the local RPC surface listens on")
	fs.String("bpf-fs", d.BPFFS, "root of the pinned BPF filesystem tree")
	fs.String("cgroup-fs", d.CgroupFS, "root cgroupfs the socket-address program attaches to")
	fs.Bool("chained", false, "install as a chained CNI plugin rather than the primary one")
	fs.String("log-level", d.LogLevel, "logrus level: debug, info, warn, error")

	_ = v.BindPFlags(fs)
	_ = v.BindEnv("node-name", "NODE_NAME")
	_ = v.BindEnv("cluster-id", "CLUSTER_ID")
	_ = v.BindEnv("cni-bin-dir", "CNI_BIN_DIR")
	_ = v.BindEnv("cni-conf-dir", "CNI_CONF_DIR")
	_ = v.BindEnv("cni-plugin-log-dir", "CNI_PLUGIN_LOG_PATH")
	_ = v.BindEnv("mesh-clusters-config", "MESH_CLUSTERS_CONFIG")
	_ = v.BindEnv("agent-socket-path", "AGENT_SOCKET_PATH")
}

// FromViper decodes a ControllerArgs out of v (after BindFlags + parse) and
// validates the required fields (node-name, cluster-id).
func FromViper(v *viper.Viper) (ControllerArgs, error) {
	args := Defaults()
	if err := v.Unmarshal(&args); err != nil {
		return ControllerArgs{}, errors.Wrap(errors.ConfigLoad, "config.FromViper", err)
	}
	if args.NodeName == "" {
		return ControllerArgs{}, errors.New(errors.ConfigLoad, "config.FromViper", fmt.Errorf("node-name is required"))
	}
	if args.ClusterID == 0 {
		return ControllerArgs{}, errors.New(errors.ConfigLoad, "config.FromViper", fmt.Errorf("cluster-id is required"))
	}
	if _, _, err := net.SplitHostPort(args.MetricsAddress); err != nil {
		return ControllerArgs{}, errors.Wrap(errors.ConfigLoad, "config.FromViper", err)
	}
	return args, nil
}

// LoadClustersConfig reads and parses the YAML file at path into a
// types.ClustersConfig, per spec.md §6.
func LoadClustersConfig(path string) (types.ClustersConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.ClustersConfig{}, errors.Wrap(errors.ConfigLoad, "config.LoadClustersConfig", err)
	}
	var cfg types.ClustersConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return types.ClustersConfig{}, errors.Wrap(errors.ConfigLoad, "config.LoadClustersConfig", err)
	}
	if cfg.Local.ID == 0 && cfg.Local.Name == "" {
		return types.ClustersConfig{}, errors.New(errors.ConfigLoad, "config.LoadClustersConfig", fmt.Errorf("local cluster descriptor is required"))
	}
	return cfg, nil
}
