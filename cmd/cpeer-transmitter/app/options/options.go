package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"cloupeer.io/transmitter/internal/transmitter"
	"cloupeer.io/transmitter/pkg/app"
	"cloupeer.io/transmitter/pkg/log"
	"cloupeer.io/transmitter/pkg/options"
)

type TransmitterOptions struct {
	SpoolOptions    *options.SpoolOptions    `json:"spool" mapstructure:"spool"`
	DispatchOptions *options.DispatchOptions `json:"dispatch" mapstructure:"dispatch"`
	EdgeOptions     *options.EdgeOptions     `json:"edge" mapstructure:"edge"`
	RegistryOptions *options.RegistryOptions `json:"registry" mapstructure:"registry"`
	HttpOptions     *options.HttpOptions     `json:"http" mapstructure:"http"`
	MqttOptions     *options.MqttOptions     `json:"mqtt" mapstructure:"mqtt"`
	S3Options       *options.S3Options       `json:"s3" mapstructure:"s3"`
	Log             *log.Options             `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*TransmitterOptions)(nil)

func NewTransmitterOptions() *TransmitterOptions {
	return &TransmitterOptions{
		SpoolOptions:    options.NewSpoolOptions(),
		DispatchOptions: options.NewDispatchOptions(),
		EdgeOptions:     options.NewEdgeOptions(),
		RegistryOptions: options.NewRegistryOptions(),
		HttpOptions:     options.NewHttpOptions(),
		MqttOptions:     options.NewMqttOptions(),
		S3Options:       options.NewS3Options(),
		Log:             log.NewOptions(),
	}
}

func (o *TransmitterOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.SpoolOptions.AddFlags(fss.FlagSet("spool"))
	o.DispatchOptions.AddFlags(fss.FlagSet("dispatch"))
	o.EdgeOptions.AddFlags(fss.FlagSet("edge"))
	o.RegistryOptions.AddFlags(fss.FlagSet("registry"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *TransmitterOptions) Complete() error {
	return nil
}

func (o *TransmitterOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.SpoolOptions.Validate()...)
	errs = append(errs, o.DispatchOptions.Validate()...)
	errs = append(errs, o.EdgeOptions.Validate()...)
	errs = append(errs, o.RegistryOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *TransmitterOptions) Config() (*transmitter.Config, error) {
	return &transmitter.Config{
		SpoolOptions:    o.SpoolOptions,
		DispatchOptions: o.DispatchOptions,
		EdgeOptions:     o.EdgeOptions,
		RegistryOptions: o.RegistryOptions,
		HttpOptions:     o.HttpOptions,
		MqttOptions:     o.MqttOptions,
		S3Options:       o.S3Options,
	}, nil
}
