package hoster

import (
	"context"
	"strings"
	"sync"
	"time"

	"dedicated-matchmaker/metrics"

	allocationv1 "agones.dev/agones/pkg/apis/allocation/v1"
	agonesclientset "agones.dev/agones/pkg/client/clientset/versioned"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Agones allocates a GameServer from the fleet configured for the region and
// hands back its address and first port.
type Agones struct {
	fleets          map[string]string
	targetNamespace string

	mu     sync.Mutex
	agones agonesclientset.Interface
}

func NewAgones(fleets map[string]string, ns string) *Agones {
	norm := make(map[string]string, len(fleets))
	for region, fleet := range fleets {
		norm[strings.ToUpper(region)] = fleet
	}
	return &Agones{fleets: norm, targetNamespace: ns}
}

func (a *Agones) Resolve(ctx context.Context, region string) (Host, error) {
	start := time.Now()
	fleet, ok := a.fleets[strings.ToUpper(region)]
	if !ok || fleet == "" {
		return Host{}, eris.Wrapf(ErrNoHoster, "no fleet for region %q", region)
	}

	client, err := a.client()
	if err != nil {
		return Host{}, err
	}

	gsa := &allocationv1.GameServerAllocation{
		TypeMeta: metav1.TypeMeta{
			APIVersion: allocationv1.SchemeGroupVersion.String(),
			Kind:       "GameServerAllocation",
		},
		Spec: allocationv1.GameServerAllocationSpec{
			Selectors: []allocationv1.GameServerSelector{
				{
					LabelSelector: metav1.LabelSelector{
						MatchLabels: map[string]string{
							"agones.dev/fleet": fleet,
						},
					},
				},
			},
		},
	}

	ns := a.targetNamespace
	if ns == "" {
		ns = "default"
	}

	created, err := client.AllocationV1().GameServerAllocations(ns).Create(ctx, gsa, metav1.CreateOptions{})
	if err != nil {
		log.Error().Err(err).Str("namespace", ns).Str("fleet", fleet).Msg("hoster: GameServerAllocation create failed")
		metrics.AllocationsTotal.WithLabelValues("failure").Inc()
		return Host{}, eris.Wrapf(err, "allocation in fleet %s failed", fleet)
	}
	if created.Status.State != allocationv1.GameServerAllocationAllocated {
		log.Warn().Str("state", string(created.Status.State)).Str("fleet", fleet).Msg("hoster: allocation not allocated")
		metrics.AllocationsTotal.WithLabelValues("failure").Inc()
		return Host{}, eris.Wrapf(ErrNoHoster, "fleet %s has no ready game server (state=%s)", fleet, created.Status.State)
	}

	addr := created.Status.Address
	var port int32
	if len(created.Status.Ports) > 0 {
		port = created.Status.Ports[0].Port
	}
	if addr == "" || port == 0 {
		log.Error().Str("address", addr).Int32("port", port).Msg("hoster: allocated GameServer missing address/port")
		metrics.AllocationsTotal.WithLabelValues("failure").Inc()
		return Host{}, eris.Errorf("allocated GameServer %s missing address/port", created.Status.GameServerName)
	}

	metrics.AllocationsTotal.WithLabelValues("success").Inc()
	metrics.AllocationDuration.Observe(time.Since(start).Seconds())
	log.Info().Str("region", region).Str("fleet", fleet).Str("gameServerName", created.Status.GameServerName).Str("addr", addr).Int32("port", port).Msg("hoster: allocation successful")
	return Host{Address: addr, Port: int(port)}, nil
}

// client lazily builds the Agones clientset.
func (a *Agones) client() (agonesclientset.Interface, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.agones == nil {
		cli, err := newAgonesClient()
		if err != nil {
			log.Error().Err(err).Msg("hoster: failed to initialize Agones client")
			return nil, eris.Wrap(err, "agones client init failed")
		}
		a.agones = cli
		log.Info().Msg("hoster: Agones client initialized")
	}
	return a.agones, nil
}

// newAgonesClient returns an Agones typed clientset using in-cluster config or local kubeconfig.
func newAgonesClient() (agonesclientset.Interface, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return agonesclientset.NewForConfig(cfg)
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, err
	}
	return agonesclientset.NewForConfig(cfg)
}
