package ota

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/gsmota/internal/engine"
	"github.com/tanq16/gsmota/internal/linkguard"
	"github.com/tanq16/gsmota/internal/manifest"
	"github.com/tanq16/gsmota/internal/report"
	"github.com/tanq16/gsmota/internal/sink"
	"github.com/tanq16/gsmota/internal/transport"
	"github.com/tanq16/gsmota/internal/utils"
)

// Stack is an Updater assembled from configuration, with the resources that
// must be released when done.
type Stack struct {
	*Updater
	closers []func() error
}

func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// Build wires transport, sink, probe, reboot and reporting from cfg. The
// manifest check and the engine share one link and one Link Guard.
func Build(ctx context.Context, cfg utils.Config, observers ...engine.Observer) (*Stack, error) {
	stack := &Stack{}
	client := transport.NewTCPClient(transport.TCPConfig{
		Timeout:      cfg.Download.Timeout,
		SocketBuffer: int(cfg.Download.ChunkSize) + 4096,
	})
	guard := linkguard.New()

	mcfg, err := manifest.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	checker := manifest.New(mcfg, client, guard)

	file := sink.NewFileSink(cfg.Sink.Path, cfg.Sink.Capacity)
	var target engine.Sink = file
	if cfg.Archive.Bucket != "" {
		uploader, err := sink.NewS3Uploader(ctx, cfg.Archive.Profile)
		if err != nil {
			return nil, err
		}
		target = sink.NewArchiveSink(file, uploader, cfg.Archive.Bucket, cfg.Archive.Prefix)
	}

	var rebooter engine.Rebooter = LogRebooter{}
	if len(cfg.Reboot.Command) > 0 {
		rebooter = CommandRebooter{Command: cfg.Reboot.Command}
	}

	if cfg.Report.MQTTURL != "" {
		device := mcfg.DeviceID
		if device == "" {
			if device, err = utils.DeviceID(); err != nil {
				device = "unknown"
			}
		}
		pub, err := report.Dial(cfg.Report.MQTTURL, "gsmota-"+device)
		if err != nil {
			log.Warn().Str("op", "ota").Err(err).Msg("Status reporting disabled")
		} else {
			stack.closers = append(stack.closers, pub.Close)
			observers = append(observers, report.New(pub, cfg.Report.Topic, device))
		}
	}

	opts := []engine.Option{
		engine.WithGuard(guard),
		engine.WithRebooter(rebooter),
		engine.WithObserver(engine.Observers(observers)),
	}
	if cfg.Probe.Address != "" {
		opts = append(opts, engine.WithProbe(transport.DialProbe{Address: cfg.Probe.Address, Timeout: cfg.Probe.Timeout}))
	}
	eng := engine.New(engine.ConfigFrom(cfg.Download), client, target, opts...)
	stack.Updater = New(checker, eng)
	return stack, nil
}
