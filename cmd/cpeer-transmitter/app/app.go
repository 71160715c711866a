package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"cloupeer.io/transmitter/cmd/cpeer-transmitter/app/options"
	"cloupeer.io/transmitter/pkg/app"
	"cloupeer.io/transmitter/pkg/log"
)

const (
	commandName = "cpeer-transmitter"
	commandDesc = `The Cloupeer transmitter collects the files vehicles leave in a spool
directory, signs each one with the key of the vehicle that produced it and
uploads it to an edge node over mutual TLS. Uploaded files are moved to the
done directory; everything else stays pending for the next cycle.`

	envPrefix = "TRANSMITTER"
)

func NewApp() *app.App {
	opts := options.NewTransmitterOptions()
	application := app.NewApp(
		commandName,
		"Launch a Cloupeer vehicle file transmitter",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithEnvPrefix(envPrefix),
		app.WithRunFunc(run(opts)),
		app.WithCommands(newInspectCommand(opts), newVerifyCommand()),
	)
	return application
}

func run(opts *options.TransmitterOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		defer log.Sync()

		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		t, err := cfg.NewTransmitter(ctx)
		if err != nil {
			return fmt.Errorf("failed to create transmitter: %w", err)
		}

		return t.Run(ctx)
	}
}
