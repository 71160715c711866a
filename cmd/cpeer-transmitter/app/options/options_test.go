package options

import (
	"strings"
	"testing"

	"cloupeer.io/transmitter/pkg/options"
)

func TestDefaultsNeedRegistry(t *testing.T) {
	o := NewTransmitterOptions()
	err := o.Validate()
	if err == nil {
		t.Fatal("expected an error without --registry.file")
	}
	if !strings.Contains(err.Error(), "--registry.file") {
		t.Errorf("error = %v, want mention of --registry.file", err)
	}

	o.RegistryOptions.File = "vehicles.yaml"
	if err := o.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateAggregates(t *testing.T) {
	o := NewTransmitterOptions()
	o.RegistryOptions.File = "vehicles.yaml"
	o.EdgeOptions.Policy = options.EdgePolicySharded
	o.HttpOptions.Addr = "no-port"
	o.Log.Format = "xml"

	err := o.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"--edge.nodes", "no-port", "--log.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestFlagsCoverEverySection(t *testing.T) {
	fss := NewTransmitterOptions().Flags()
	for _, name := range []string{"spool", "dispatch", "edge", "registry", "http", "mqtt", "s3", "log"} {
		fs, ok := fss.FlagSets[name]
		if !ok || !fs.HasFlags() {
			t.Errorf("flag set %q missing or empty", name)
		}
	}

	edge := fss.FlagSets["edge"]
	if err := edge.Parse([]string{"--edge.policy=random", "--edge.nodes=a,b"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestConfig(t *testing.T) {
	o := NewTransmitterOptions()
	cfg, err := o.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.EdgeOptions != o.EdgeOptions || cfg.SpoolOptions != o.SpoolOptions || cfg.HttpOptions != o.HttpOptions {
		t.Error("Config does not share the option structs")
	}
}
