package consul

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/kbukum/registrar/discovery"
)

// Consul accepts session TTLs between 10s and 24h.
const (
	minSessionTTL = 10 * time.Second
	maxSessionTTL = 24 * time.Hour
)

// clientConfig maps provider settings onto the consul API client config.
func clientConfig(cfg discovery.ConsulConfig) *api.Config {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		apiCfg.Scheme = cfg.Scheme
	}
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}
	return apiCfg
}

// sessionTTL renders ttl in the form consul expects, clamped to the range it
// accepts.
func sessionTTL(ttl time.Duration) string {
	if ttl < minSessionTTL {
		ttl = minSessionTTL
	}
	if ttl > maxSessionTTL {
		ttl = maxSessionTTL
	}
	return fmt.Sprintf("%ds", int64(ttl.Round(time.Second)/time.Second))
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		p = "registrar"
	}
	return p
}
