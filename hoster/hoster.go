package hoster

import (
	"context"
	"strings"

	"dedicated-matchmaker/config"

	"github.com/rotisserie/eris"
)

var ErrNoHoster = eris.New("no hoster for region")

// Host is the reachable endpoint of a dedicated server.
type Host struct {
	Address string
	Port    int
}

// Resolver maps a region to the host that will run its dedicated servers.
type Resolver interface {
	Resolve(ctx context.Context, region string) (Host, error)
}

// Static serves the region table loaded from configuration.
type Static struct {
	regions map[string]config.RegionHost
}

func NewStatic(regions map[string]config.RegionHost) *Static {
	norm := make(map[string]config.RegionHost, len(regions))
	for name, h := range regions {
		norm[strings.ToUpper(name)] = h
	}
	return &Static{regions: norm}
}

func (s *Static) Resolve(_ context.Context, region string) (Host, error) {
	h, ok := s.regions[strings.ToUpper(region)]
	if !ok {
		return Host{}, eris.Wrapf(ErrNoHoster, "region %q", region)
	}
	return Host{Address: h.Address, Port: h.Port}, nil
}
