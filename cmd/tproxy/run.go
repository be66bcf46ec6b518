package main

import (
	"context"
	"os"
	"time"

	"github.com/bardlex/tproxy/internal/bridge"
	"github.com/bardlex/tproxy/internal/config"
	"github.com/bardlex/tproxy/internal/downstream"
	"github.com/bardlex/tproxy/internal/metrics"
	"github.com/bardlex/tproxy/internal/mining"
	"github.com/bardlex/tproxy/internal/pipe"
	"github.com/bardlex/tproxy/internal/status"
	"github.com/bardlex/tproxy/internal/telemetry"
	"github.com/bardlex/tproxy/internal/upstream"
	"github.com/bardlex/tproxy/pkg/log"
)

// run starts the proxy and blocks until the first component shutdown, an
// interrupt or cancellation of ctx. Startup is sequential: the pool
// connection and channel come first, the bridge is built from the extranonce
// the pool assigns, and devices are accepted only once the bridge exists.
func run(ctx context.Context, cfg *config.Config, logger *log.Logger, interrupt <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chainParams, err := cfg.ChainParams()
	if err != nil {
		return err
	}
	if cfg.UpstreamAuthorityPubkey != "" {
		logger.Info("pool authority key configured", "network", chainParams.Name)
	}

	recorder := telemetry.NewRecorder(cfg.Telemetry.QueueSize, logger, telemetry.NewSinks(ctx, telemetry.SinksConfig{
		RedisURL:   cfg.Telemetry.RedisURL,
		SessionTTL: cfg.Telemetry.SessionTTL,
		Influx: telemetry.InfluxConfig{
			URL:    cfg.Telemetry.InfluxURL,
			Token:  cfg.Telemetry.InfluxToken,
			Org:    cfg.Telemetry.InfluxOrg,
			Bucket: cfg.Telemetry.InfluxBucket,
		},
		KafkaBrokers: cfg.Telemetry.KafkaBrokers,
		KafkaTopic:   cfg.Telemetry.KafkaTopic,
	}, logger)...)
	go func() { _ = recorder.Run(ctx) }()

	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				logger.WithError(err).Warn("metrics endpoint stopped", "address", cfg.Metrics.ListenAddr)
			}
		}()
	}

	ch := status.NewChannel()
	sup := status.NewSupervisor(ch, logger)
	sup.OnStatus = func(s status.Status) {
		recorder.Record(telemetry.Event{
			Kind:    telemetry.KindStatus,
			Time:    time.Now(),
			Message: s.String(),
		})
	}

	target := mining.NewSharedTarget()
	hashrate := mining.NewHashrateBook(cfg.UpstreamDifficulty.ChannelNominalHashrate)
	pipes := upstream.NewPipes(upstream.SubmitPipeSize)

	upSender := ch.Sender("upstream", status.UpstreamShutdown)
	up := upstream.New(upstream.Options{
		Address:           cfg.UpstreamAddr(),
		UserIdentity:      cfg.UserIdentity,
		NominalHashrate:   cfg.UpstreamDifficulty.ChannelNominalHashrate,
		SharesPerMinute:   cfg.UpstreamDifficulty.SharesPerMinute,
		MinExtranonceSize: cfg.MinExtranonce2Size,
		ConnectTimeout:    cfg.Timeouts.Connect,
		WriteTimeout:      cfg.Timeouts.Write,
		UpdateInterval:    cfg.UpstreamDifficulty.UpdateInterval(),
		Vendor:            serviceName,
		Firmware:          version,
	}, pipes, target, hashrate, upSender, recorder, logger)
	defer func() { _ = up.Close() }()

	if err := up.Connect(ctx, cfg.MinSupportedVersion, cfg.MaxSupportedVersion); err != nil {
		upSender.Shutdown(err)
		return sup.Run(ctx, interrupt)
	}

	sup.Go(ctx, upSender, "parse_incoming", up.ParseIncoming)
	sup.Go(ctx, upSender, "handle_submit", up.HandleSubmit)
	sup.Go(ctx, upSender, "channel_updates", up.HandleChannelUpdates)

	downstreamCfg := downstream.Config{
		Difficulty:           cfg.DownstreamDifficulty,
		RequirePayoutAddress: cfg.RequirePayoutAddress,
		ChainParams:          chainParams,
		IdleTimeout:          cfg.Timeouts.Idle,
		WriteTimeout:         cfg.Timeouts.Write,
	}

	sup.Go(ctx, ch.Sender("bridge", status.BridgeShutdown), "bridge", func(ctx context.Context) error {
		ext, err := pipes.Extranonce.Take(ctx)
		if err != nil {
			return nil
		}

		b := bridge.New(bridge.Options{
			Submissions:     pipe.New[bridge.Submission](bridge.SubmissionPipeSize),
			UpstreamSubmits: pipes.Submits,
			Jobs:            pipes.Jobs,
			PrevHashes:      pipes.PrevHashes,
			Notify:          bridge.NewNotifyBroadcaster(),
			Extranonce:      ext,
			Target:          target,
			Recorder:        recorder,
		}, logger)

		l := downstream.NewListener(b, downstreamCfg, hashrate, recorder, logger)
		sup.Go(ctx, ch.Sender("downstream", status.DownstreamShutdown), "accept_connections", func(ctx context.Context) error {
			return l.AcceptConnections(ctx, cfg.DownstreamAddr())
		})

		return b.Start(ctx)
	})

	return sup.Run(ctx, interrupt)
}
