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

// Command mesh-cni-agent is the per-node control plane process: it runs the
// identity, service, policy and cluster reconcilers against the local
// Kubernetes API, boots the in-kernel datapath, and serves the local RPC and
// readiness/metrics surfaces described in spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/mesh-cni/agent/api/v1alpha1"
	"github.com/mesh-cni/agent/internal/cluster"
	"github.com/mesh-cni/agent/internal/cniconfig"
	"github.com/mesh-cni/agent/internal/config"
	"github.com/mesh-cni/agent/internal/controller"
	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/datapath/lifecycle"
	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/httpapi"
	"github.com/mesh-cni/agent/internal/identity"
	"github.com/mesh-cni/agent/internal/k8s/multicluster"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/logging"
	"github.com/mesh-cni/agent/internal/metrics"
	"github.com/mesh-cni/agent/internal/node"
	"github.com/mesh-cni/agent/internal/policy"
	"github.com/mesh-cni/agent/internal/rpc"
	"github.com/mesh-cni/agent/internal/service"
	"github.com/mesh-cni/agent/internal/types"
)

// cniPluginSrcPath mirrors the original agent's CNI_PATH: the plugin binary
// ships alongside the agent binary in the same container image layer.
const cniPluginSrcPath = "./mesh-cni"

// bpfObjectDir is where the (out-of-scope) build step drops the compiled
// program objects lifecycle.Boot loads.
const bpfObjectDir = "/var/lib/mesh-cni/bpf"

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "mesh-cni-agent",
		Short: "Per-node mesh-cni control plane agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	config.BindFlags(root.Flags(), v)

	if err := root.Execute(); err != nil {
		logging.DefaultLogger.WithError(err).Error("agent exited with error")
		os.Exit(1)
	}
}

func run(parent context.Context, v *viper.Viper) error {
	args, err := config.FromViper(v)
	if err != nil {
		return err
	}
	logging.SetupLevel(args.LogLevel)
	log := logging.WithSubsys("main")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return errors.Wrap(errors.ConfigLoad, "main.run", err)
	}
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		return errors.Wrap(errors.ConfigLoad, "main.run", err)
	}

	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return errors.Wrap(errors.KubeAPI, "main.run", fmt.Errorf("load kubeconfig: %w", err))
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return errors.Wrap(errors.KubeAPI, "main.run", fmt.Errorf("build clientset: %w", err))
	}
	crdClient, err := crdRESTClient(restCfg, scheme)
	if err != nil {
		return errors.Wrap(errors.KubeAPI, "main.run", fmt.Errorf("build crd rest client: %w", err))
	}

	w, err := newWiring(clientset, crdClient)
	if err != nil {
		return err
	}
	w.startAndSync(ctx, 30*time.Second)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return errors.Wrap(errors.ConfigLoad, "main.run", fmt.Errorf("register metrics: %w", err))
	}

	pinTree := lifecycle.NewPinTree(args.BPFFS)
	bootCfg := lifecycle.Config{
		BPFFSRoot:      args.BPFFS,
		CgroupRoot:     args.CgroupFS,
		ServiceObject:  filepath.Join(bpfObjectDir, "service.o"),
		PolicyObject:   filepath.Join(bpfObjectDir, "policy.o"),
		SockAddrObject: filepath.Join(bpfObjectDir, "sockaddr.o"),
	}
	if err := lifecycle.Boot(ctx, pinTree, bootCfg); err != nil {
		return err
	}

	maps, err := openKernelMaps(pinTree)
	if err != nil {
		return err
	}

	crClient, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return errors.Wrap(errors.KubeAPI, "main.run", fmt.Errorf("build controller-runtime client: %w", err))
	}

	generator := &identity.Generator{
		Client:     crClient,
		Namespaces: w.namespaces,
		Pods:       w.pods,
		Identities: w.identities,
	}
	programmer := &identity.Programmer{
		LocalNodeName: args.NodeName,
		IPCacheV4:     maps.ipCacheV4,
		IPCacheV6:     maps.ipCacheV6,
		Nodes:         w.nodes,
		Pods:          w.pods,
		Namespaces:    w.namespaces,
		Identities:    w.identities,
	}
	datapathWriter := service.NewDatapathWriter(crClient, maps.serviceV4, maps.serviceV6, maps.endpointV4, maps.endpointV6, w.services, w.endpointSlices, w.meshEndpoints)
	materializer := &service.MeshEndpointMaterializer{
		Client:         crClient,
		Scheme:         scheme,
		Services:       w.services,
		EndpointSlices: w.endpointSlices,
	}
	renderer := policy.NewRenderer(crClient, maps.policy, w.networkPolicies, w.identities)

	observations := make(chan multicluster.Observation, 1024)
	clusterCtrl := cluster.NewController(crClient, w.clusters, observations, remoteClusterClientFunc(clientset), 30*time.Second)
	go drainObservations(ctx, observations)

	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: "0"},
		HealthProbeBindAddress: "0",
	})
	if err != nil {
		return errors.Wrap(errors.KubeAPI, "main.run", fmt.Errorf("build controller manager: %w", err))
	}
	if err := registerControllers(mgr, generator, programmer, datapathWriter, materializer, renderer, clusterCtrl); err != nil {
		return err
	}

	go lifecycle.ConntrackGC(ctx, maps.conntrackV4, time.Now())

	if err := cniconfig.EnsurePreconditions(args, cniPluginSrcPath); err != nil {
		return err
	}
	if err := node.RemoveStartupTaints(ctx, clientset, args.NodeName); err != nil {
		return err
	}

	httpServer := httpapi.NewServer(args.MetricsAddress, prometheus.DefaultGatherer)
	go func() {
		if err := httpServer.ListenAndServe(ctx); err != nil {
			log.WithError(err).Error("http server exited with error")
		}
	}()

	agent := &rpc.Agent{
		PinTree:     pinTree,
		ServiceV4:   maps.serviceV4,
		ServiceV6:   maps.serviceV6,
		EndpointV4:  maps.endpointV4,
		EndpointV6:  maps.endpointV6,
		IPCacheV4:   maps.ipCacheV4,
		IPCacheV6:   maps.ipCacheV6,
		Policy:      maps.policy,
		ConntrackV4: maps.conntrackV4,
		Identities:  w.identities,
	}
	go func() {
		if err := rpc.Serve(ctx, args.AgentSocketPath, agent); err != nil {
			log.WithError(err).Error("rpc server exited with error")
		}
	}()

	clustersCfg, err := config.LoadClustersConfig(args.MeshClustersConfig)
	if err != nil {
		return err
	}
	mcMgr, err := multicluster.NewManager(clustersCfg, 30*time.Second, multiClusterClientFor(clientset))
	if err != nil {
		return err
	}
	go func() {
		for obs := range mcMgr.Observations {
			observations <- obs
		}
	}()
	go mcMgr.Run(ctx)

	httpServer.SetReady(true)
	log.Info("agent ready")

	go func() {
		if err := mgr.Start(ctx); err != nil {
			log.WithError(err).Error("controller manager exited with error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// crdRESTClient builds a plain client-go REST client scoped to the
// mesh-cni.dev/v1alpha1 group, the way multicluster.go builds one for core
// types off clientset.CoreV1().RESTClient() -- generalized here since no
// generated typed clientset exists for the CRDs.
func crdRESTClient(cfg *rest.Config, scheme *runtime.Scheme) (rest.Interface, error) {
	cc := *cfg
	cc.GroupVersion = &v1alpha1.GroupVersion
	cc.APIPath = "/apis"
	codecs := serializer.NewCodecFactory(scheme)
	cc.NegotiatedSerializer = codecs.WithoutConversion()
	if cc.UserAgent == "" {
		cc.UserAgent = rest.DefaultKubernetesUserAgent()
	}
	return rest.RESTClientFor(&cc)
}

// wiring holds every Reflector/Store pair the reconcilers read from.
type wiring struct {
	reflectors []interface{ Run(ctx context.Context) }
	syncers    []interface{ WaitForSync(ctx context.Context, timeout time.Duration) error }

	nodes           reflector.Store[*corev1.Node]
	pods            reflector.Store[*corev1.Pod]
	namespaces      reflector.Store[*corev1.Namespace]
	services        reflector.Store[*corev1.Service]
	endpointSlices  reflector.Store[*discoveryv1.EndpointSlice]
	networkPolicies reflector.Store[*networkingv1.NetworkPolicy]
	identities      reflector.Store[*v1alpha1.Identity]
	meshEndpoints   reflector.Store[*v1alpha1.MeshEndpoint]
	clusters        reflector.Store[*v1alpha1.Cluster]
}

func newWiring(clientset kubernetes.Interface, crdClient rest.Interface) (*wiring, error) {
	w := &wiring{}

	nodeInformer := newInformer(clientset.CoreV1().RESTClient(), "nodes", &corev1.Node{})
	podInformer := newInformer(clientset.CoreV1().RESTClient(), "pods", &corev1.Pod{})
	nsInformer := newInformer(clientset.CoreV1().RESTClient(), "namespaces", &corev1.Namespace{})
	svcInformer := newInformer(clientset.CoreV1().RESTClient(), "services", &corev1.Service{})
	epsInformer := newInformer(clientset.DiscoveryV1().RESTClient(), "endpointslices", &discoveryv1.EndpointSlice{})
	npInformer := newInformer(clientset.NetworkingV1().RESTClient(), "networkpolicies", &networkingv1.NetworkPolicy{})
	identityInformer := newInformer(crdClient, "identities", &v1alpha1.Identity{})
	meshEndpointInformer := newInformer(crdClient, "meshendpoints", &v1alpha1.MeshEndpoint{})
	clusterInformer := newInformer(crdClient, "clusters", &v1alpha1.Cluster{})

	w.nodes = reflector.NewStore[*corev1.Node](nodeInformer, asType[*corev1.Node])
	w.pods = reflector.NewStore[*corev1.Pod](podInformer, asType[*corev1.Pod])
	w.namespaces = reflector.NewStore[*corev1.Namespace](nsInformer, asType[*corev1.Namespace])
	w.services = reflector.NewStore[*corev1.Service](svcInformer, asType[*corev1.Service])
	w.endpointSlices = reflector.NewStore[*discoveryv1.EndpointSlice](epsInformer, asType[*discoveryv1.EndpointSlice])
	w.networkPolicies = reflector.NewStore[*networkingv1.NetworkPolicy](npInformer, asType[*networkingv1.NetworkPolicy])
	w.identities = reflector.NewStore[*v1alpha1.Identity](identityInformer, asType[*v1alpha1.Identity])
	w.meshEndpoints = reflector.NewStore[*v1alpha1.MeshEndpoint](meshEndpointInformer, asType[*v1alpha1.MeshEndpoint])
	w.clusters = reflector.NewStore[*v1alpha1.Cluster](clusterInformer, asType[*v1alpha1.Cluster])

	addReflector(w, reflector.New[*corev1.Node]("nodes", nodeInformer, asType[*corev1.Node]))
	addReflector(w, reflector.New[*corev1.Pod]("pods", podInformer, asType[*corev1.Pod]))
	addReflector(w, reflector.New[*corev1.Namespace]("namespaces", nsInformer, asType[*corev1.Namespace]))
	addReflector(w, reflector.New[*corev1.Service]("services", svcInformer, asType[*corev1.Service]))
	addReflector(w, reflector.New[*discoveryv1.EndpointSlice]("endpointslices", epsInformer, asType[*discoveryv1.EndpointSlice]))
	addReflector(w, reflector.New[*networkingv1.NetworkPolicy]("networkpolicies", npInformer, asType[*networkingv1.NetworkPolicy]))
	addReflector(w, reflector.New[*v1alpha1.Identity]("identities", identityInformer, asType[*v1alpha1.Identity]))
	addReflector(w, reflector.New[*v1alpha1.MeshEndpoint]("meshendpoints", meshEndpointInformer, asType[*v1alpha1.MeshEndpoint]))
	addReflector(w, reflector.New[*v1alpha1.Cluster]("clusters", clusterInformer, asType[*v1alpha1.Cluster]))

	return w, nil
}

// addReflector records r both as something startAndSync can Run and
// something it can WaitForSync on, type-erasing the generic parameter the
// two interfaces above don't need to know about.
func addReflector[T runtime.Object](w *wiring, r *reflector.Reflector[T]) {
	w.reflectors = append(w.reflectors, r)
	w.syncers = append(w.syncers, r)
}

func (w *wiring) startAndSync(ctx context.Context, timeout time.Duration) {
	for _, r := range w.reflectors {
		go r.Run(ctx)
	}
	for _, s := range w.syncers {
		if err := s.WaitForSync(ctx, timeout); err != nil {
			logging.WithSubsys("main").WithError(err).Warn("reflector did not sync within timeout, continuing")
		}
	}
}

func newInformer(restClient cache.Getter, resource string, exampleObject runtime.Object) cache.SharedIndexInformer {
	return cache.NewSharedIndexInformer(
		cache.NewListWatchFromClient(restClient, resource, metav1.NamespaceAll, fields.Everything()),
		exampleObject, 0, cache.Indexers{cache.NamespaceIndex: cache.MetaNamespaceIndexFunc},
	)
}

func asType[T any](obj interface{}) (T, bool) {
	v, ok := obj.(T)
	return v, ok
}

// kernelMaps bundles every cached kernel table the reconcilers and the RPC
// surface share. Conntrack is a single dual-stack table (spec.md §4.2,
// MapConntrack), so only ConntrackV4 is populated; ConntrackV6 in rpc.Agent
// is deliberately left nil.
type kernelMaps struct {
	ipCacheV4, ipCacheV6   *bpfmap.CachedMap[types.IPCacheKey, uint32]
	serviceV4, serviceV6   *bpfmap.CachedMap[types.ServiceKey, types.ServiceValue]
	endpointV4, endpointV6 *bpfmap.CachedMap[types.EndpointKey, types.EndpointValue]
	policy                 *bpfmap.CachedMap[types.PolicyKey, types.PolicyAction]
	conntrackV4            *bpfmap.CachedMap[types.ConntrackKey, types.ConntrackValue]
}

func openKernelMaps(tree lifecycle.PinTree) (*kernelMaps, error) {
	ipCacheV4, err := bpfmap.CreateLPMTrie[types.IPCacheKey, uint32](lifecycle.MapIPCacheV4, tree.MapPath(lifecycle.MapIPCacheV4), lifecycle.MaxIPCacheEntries, bpfmap.IPCacheCodec{})
	if err != nil {
		return nil, errors.Wrap(errors.KernelMap, "main.openKernelMaps", err)
	}
	ipCacheV6, err := bpfmap.CreateLPMTrie[types.IPCacheKey, uint32](lifecycle.MapIPCacheV6, tree.MapPath(lifecycle.MapIPCacheV6), lifecycle.MaxIPCacheEntries, bpfmap.IPCacheCodec{})
	if err != nil {
		return nil, errors.Wrap(errors.KernelMap, "main.openKernelMaps", err)
	}
	serviceV4, err := bpfmap.CreateHash[types.ServiceKey, types.ServiceValue](lifecycle.MapServiceV4, tree.MapPath(lifecycle.MapServiceV4), lifecycle.MaxServiceEntries, bpfmap.ServiceCodec{})
	if err != nil {
		return nil, errors.Wrap(errors.KernelMap, "main.openKernelMaps", err)
	}
	serviceV6, err := bpfmap.CreateHash[types.ServiceKey, types.ServiceValue](lifecycle.MapServiceV6, tree.MapPath(lifecycle.MapServiceV6), lifecycle.MaxServiceEntries, bpfmap.ServiceCodec{})
	if err != nil {
		return nil, errors.Wrap(errors.KernelMap, "main.openKernelMaps", err)
	}
	endpointV4, err := bpfmap.CreateHash[types.EndpointKey, types.EndpointValue](lifecycle.MapEndpointV4, tree.MapPath(lifecycle.MapEndpointV4), lifecycle.MaxEndpointEntries, bpfmap.EndpointCodec{})
	if err != nil {
		return nil, errors.Wrap(errors.KernelMap, "main.openKernelMaps", err)
	}
	endpointV6, err := bpfmap.CreateHash[types.EndpointKey, types.EndpointValue](lifecycle.MapEndpointV6, tree.MapPath(lifecycle.MapEndpointV6), lifecycle.MaxEndpointEntries, bpfmap.EndpointCodec{})
	if err != nil {
		return nil, errors.Wrap(errors.KernelMap, "main.openKernelMaps", err)
	}
	policyMap, err := bpfmap.CreateHash[types.PolicyKey, types.PolicyAction](lifecycle.MapPolicy, tree.MapPath(lifecycle.MapPolicy), lifecycle.MaxPolicyEntries, bpfmap.PolicyCodec{})
	if err != nil {
		return nil, errors.Wrap(errors.KernelMap, "main.openKernelMaps", err)
	}
	conntrackMap, err := bpfmap.CreateHash[types.ConntrackKey, types.ConntrackValue](lifecycle.MapConntrack, tree.MapPath(lifecycle.MapConntrack), lifecycle.MaxConntrackEntries, bpfmap.ConntrackCodec{})
	if err != nil {
		return nil, errors.Wrap(errors.KernelMap, "main.openKernelMaps", err)
	}

	km := &kernelMaps{
		ipCacheV4:   bpfmap.NewCachedMap[types.IPCacheKey, uint32](ipCacheV4),
		ipCacheV6:   bpfmap.NewCachedMap[types.IPCacheKey, uint32](ipCacheV6),
		serviceV4:   bpfmap.NewCachedMap[types.ServiceKey, types.ServiceValue](serviceV4),
		serviceV6:   bpfmap.NewCachedMap[types.ServiceKey, types.ServiceValue](serviceV6),
		endpointV4:  bpfmap.NewCachedMap[types.EndpointKey, types.EndpointValue](endpointV4),
		endpointV6:  bpfmap.NewCachedMap[types.EndpointKey, types.EndpointValue](endpointV6),
		policy:      bpfmap.NewCachedMap[types.PolicyKey, types.PolicyAction](policyMap),
		conntrackV4: bpfmap.NewCachedMap[types.ConntrackKey, types.ConntrackValue](conntrackMap),
	}
	for _, resync := range []func() error{
		km.ipCacheV4.Resync, km.ipCacheV6.Resync,
		km.serviceV4.Resync, km.serviceV6.Resync,
		km.endpointV4.Resync, km.endpointV6.Resync,
		km.policy.Resync, km.conntrackV4.Resync,
	} {
		if err := resync(); err != nil {
			return nil, errors.Wrap(errors.KernelMap, "main.openKernelMaps", err)
		}
	}
	return km, nil
}

func registerControllers(mgr ctrl.Manager, generator *identity.Generator, programmer *identity.Programmer, writer *service.DatapathWriter, materializer *service.MeshEndpointMaterializer, renderer *policy.Renderer, clusterCtrl *cluster.Controller) error {
	registrations := []controller.Options{
		{Name: "identity-generator", For: &corev1.Namespace{}, Reconciler: generator},
		{Name: "identity-programmer-node", For: &corev1.Node{}, Reconciler: controller.ReconcilerFunc(programmer.ReconcileNode)},
		{Name: "identity-programmer-pod", For: &corev1.Pod{}, Reconciler: controller.ReconcilerFunc(programmer.ReconcilePod)},
		{Name: "service-datapath-writer", For: &corev1.Service{}, Owns: []client.Object{&discoveryv1.EndpointSlice{}}, Reconciler: writer},
		{Name: "mesh-endpoint-materializer", For: &corev1.Service{}, Owns: []client.Object{&discoveryv1.EndpointSlice{}}, Reconciler: materializer},
		{Name: "policy-renderer", For: &networkingv1.NetworkPolicy{}, Reconciler: renderer},
		{Name: "cluster-controller", For: &v1alpha1.Cluster{}, Reconciler: clusterCtrl},
	}
	for _, opts := range registrations {
		if err := controller.Register(mgr, opts); err != nil {
			return errors.Wrap(errors.KubeAPI, "main.registerControllers", fmt.Errorf("register %s: %w", opts.Name, err))
		}
	}
	return nil
}

// remoteClusterClientFunc resolves a kubernetes.Interface for a Cluster CR:
// a kubeconfig stashed in a ConfigMap in the agent's own namespace, or (as
// a fallback used when the remote API server trusts this node's own
// service account) the in-cluster REST config pointed at spec.APIEndpoint
// instead of the default host.
func remoteClusterClientFunc(local kubernetes.Interface) cluster.ClientFunc {
	return func(ctx context.Context, spec v1alpha1.ClusterSpec) (kubernetes.Interface, error) {
		if spec.KubeconfigConfigMap != "" {
			return clientFromConfigMap(ctx, local, spec.KubeconfigConfigMap, spec.KubeconfigContext)
		}
		if spec.APIEndpoint != "" {
			return clientFromAPIEndpoint(spec.APIEndpoint)
		}
		return nil, errors.New(errors.ConfigLoad, "main.remoteClusterClientFunc", fmt.Errorf("cluster %d has neither kubeconfigConfigMap nor apiEndpoint set", spec.ID))
	}
}

// multiClusterClientFor adapts the same resolution strategy to the
// multicluster package's types.ClusterSpec, which the mesh-clusters-config
// YAML file (rather than the Cluster CRD) describes.
func multiClusterClientFor(local kubernetes.Interface) func(spec types.ClusterSpec) (kubernetes.Interface, error) {
	return func(spec types.ClusterSpec) (kubernetes.Interface, error) {
		if spec.KubeconfigConfigMap != "" {
			return clientFromConfigMap(context.Background(), local, spec.KubeconfigConfigMap, spec.KubeconfigContext)
		}
		if spec.APIEndpoint != "" {
			return clientFromAPIEndpoint(spec.APIEndpoint)
		}
		return local, nil
	}
}

func clientFromConfigMap(ctx context.Context, local kubernetes.Interface, configMapName, kubeconfigContext string) (kubernetes.Interface, error) {
	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		namespace = "kube-system"
	}
	cm, err := local.CoreV1().ConfigMaps(namespace).Get(ctx, configMapName, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrap(errors.KubeAPI, "main.clientFromConfigMap", err)
	}
	raw, ok := cm.Data["kubeconfig"]
	if !ok {
		return nil, errors.New(errors.ConfigLoad, "main.clientFromConfigMap", fmt.Errorf("configmap %s/%s has no kubeconfig key", namespace, configMapName))
	}
	apiCfg, err := clientcmd.Load([]byte(raw))
	if err != nil {
		return nil, errors.Wrap(errors.ConfigLoad, "main.clientFromConfigMap", err)
	}
	overrides := &clientcmd.ConfigOverrides{}
	if kubeconfigContext != "" {
		overrides.CurrentContext = kubeconfigContext
	}
	restCfg, err := clientcmd.NewNonInteractiveClientConfig(*apiCfg, overrides.CurrentContext, overrides, nil).ClientConfig()
	if err != nil {
		return nil, errors.Wrap(errors.ConfigLoad, "main.clientFromConfigMap", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

func clientFromAPIEndpoint(apiEndpoint string) (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, errors.Wrap(errors.KubeAPI, "main.clientFromAPIEndpoint", err)
	}
	cfg.Host = apiEndpoint
	return kubernetes.NewForConfig(cfg)
}

func drainObservations(ctx context.Context, observations <-chan multicluster.Observation) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-observations:
			// Cross-cluster backend materialization is not yet wired into
			// DatapathWriter; observations are consumed here so producers
			// never block, per spec.md §4.3's "never drop" channel.
		}
	}
}
