package bootstrap

import (
	"github.com/kbukum/registrar/config"
)

// Config is the constraint for application configuration types. A pointer to
// any struct embedding config.ServiceConfig satisfies it through promoted
// methods:
//
//	type Config struct {
//	    config.ServiceConfig `yaml:",inline" mapstructure:",squash"`
//	    Discovery discovery.Config `yaml:"discovery" mapstructure:"discovery"`
//	}
type Config interface {
	GetServiceConfig() *config.ServiceConfig
	ApplyDefaults()
	Validate() error
}
