package options

import (
	"errors"

	"github.com/spf13/pflag"
)

var _ IOptions = (*RegistryOptions)(nil)

// RegistryOptions locates the vehicle certificate registry.
type RegistryOptions struct {
	// File is a YAML document listing every vehicle and its key material.
	File string `json:"file" mapstructure:"file"`
}

func NewRegistryOptions() *RegistryOptions {
	return &RegistryOptions{
		File: "/etc/cpeer-transmitter/vehicles.yaml",
	}
}

func (o *RegistryOptions) Validate() []error {
	if o == nil {
		return nil
	}
	if o.File == "" {
		return []error{errors.New("--registry.file must not be empty")}
	}
	return nil
}

func (o *RegistryOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.File, "registry.file", o.File, "YAML file describing each vehicle's key store and trust store.")
}
