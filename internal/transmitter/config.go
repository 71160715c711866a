package transmitter

import (
	"context"
	"fmt"

	"cloupeer.io/transmitter/internal/pkg/metrics"
	"cloupeer.io/transmitter/internal/transmitter/archive"
	"cloupeer.io/transmitter/internal/transmitter/dispatcher"
	"cloupeer.io/transmitter/internal/transmitter/edge"
	"cloupeer.io/transmitter/internal/transmitter/identity"
	"cloupeer.io/transmitter/internal/transmitter/keystore"
	"cloupeer.io/transmitter/internal/transmitter/notifier"
	"cloupeer.io/transmitter/internal/transmitter/registry"
	"cloupeer.io/transmitter/internal/transmitter/server"
	"cloupeer.io/transmitter/internal/transmitter/signer"
	"cloupeer.io/transmitter/internal/transmitter/spool"
	"cloupeer.io/transmitter/internal/transmitter/uploader"
	"cloupeer.io/transmitter/pkg/log"
	"cloupeer.io/transmitter/pkg/options"
)

type Config struct {
	SpoolOptions    *options.SpoolOptions
	DispatchOptions *options.DispatchOptions
	EdgeOptions     *options.EdgeOptions
	RegistryOptions *options.RegistryOptions
	HttpOptions     *options.HttpOptions
	MqttOptions     *options.MqttOptions
	S3Options       *options.S3Options
}

// Core is the part of the transmitter that needs no network: the spool, the
// registry and the edge selector. The inspect command uses it on its own.
type Core struct {
	Spool    *spool.Spool
	Registry *registry.Registry
	Resolver identity.Resolver
	Selector edge.Selector
}

func (cfg *Config) NewCore() (*Core, error) {
	reg, err := registry.Load(cfg.RegistryOptions.File)
	if err != nil {
		return nil, err
	}

	port, err := options.PortOf(cfg.HttpOptions.Addr)
	if err != nil {
		return nil, fmt.Errorf("instance port: %w", err)
	}
	selector, err := edge.New(cfg.EdgeOptions, port)
	if err != nil {
		return nil, fmt.Errorf("failed to init edge selector: %w", err)
	}

	return &Core{
		Spool:    spool.New(cfg.SpoolOptions.PendingDir, cfg.SpoolOptions.DoneDir),
		Registry: reg,
		Resolver: identity.NewPlateResolver(reg),
		Selector: selector,
	}, nil
}

// NewTransmitter wires every component. ctx bounds broker and bucket setup.
func (cfg *Config) NewTransmitter(ctx context.Context) (*Transmitter, error) {
	core, err := cfg.NewCore()
	if err != nil {
		return nil, err
	}
	if err := core.Spool.Ensure(); err != nil {
		return nil, err
	}
	log.Info("Loaded vehicle registry", "file", cfg.RegistryOptions.File, "vehicles", core.Registry.Len())

	var (
		notify   notifier.Notifier = notifier.Nop{}
		closer   func(context.Context)
		archiver archive.Archiver = archive.Nop{}
	)
	if cfg.MqttOptions.Enabled {
		n, err := notifier.NewMQTTNotifier(ctx, cfg.MqttOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to init notifier: %w", err)
		}
		notify, closer = n, n.Close
	}
	if cfg.S3Options.Enabled {
		m, err := archive.NewMinIO(cfg.S3Options)
		if err != nil {
			return nil, fmt.Errorf("failed to init archive: %w", err)
		}
		if err := m.CheckBucket(ctx); err != nil {
			log.Error(err, "Archive bucket unavailable, archiving will be retried per file", "bucket", cfg.S3Options.BucketName)
		}
		archiver = m
	}

	keys := keystore.NewCache()
	d, err := dispatcher.New(dispatcher.Config{
		Spool:         core.Spool,
		Resolver:      core.Resolver,
		Certificates:  core.Registry,
		Signer:        signer.New(keys),
		Selector:      core.Selector,
		Sender:        uploader.New(keys, cfg.EdgeOptions.RequestTimeout),
		Notifier:      notify,
		Archiver:      archiver,
		Workers:       cfg.DispatchOptions.Workers,
		BatchTimeout:  cfg.DispatchOptions.BatchTimeout,
		NotifyTimeout: cfg.DispatchOptions.NotifyTimeout,
		Mode:          cfg.DispatchOptions.Mode,
	})
	if err != nil {
		return nil, err
	}

	return &Transmitter{
		dispatcher:    d,
		server:        server.NewServer(cfg.HttpOptions, metrics.Registry),
		pendingDir:    core.Spool.PendingDir(),
		options:       cfg.DispatchOptions,
		closeNotifier: closer,
	}, nil
}
