package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/gracetech-services/jicofo-sub000/pkg/admin"
	"github.com/gracetech-services/jicofo-sub000/pkg/bridge"
	"github.com/gracetech-services/jicofo-sub000/pkg/config"
	"github.com/gracetech-services/jicofo-sub000/pkg/detector"
	"github.com/gracetech-services/jicofo-sub000/pkg/focus"
	"github.com/gracetech-services/jicofo-sub000/pkg/profiling"
	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
	"github.com/gracetech-services/jicofo-sub000/pkg/telemetry"
)

// drainGracePeriod bounds how long a shutdown waits for conferences to wind
// down before the process exits anyway.
const drainGracePeriod = 30 * time.Second

// connectionLossBudget is how long the XMPP connection may stay down before
// the process latches a hard health failure.
const connectionLossBudget = 5 * time.Minute

func main() {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	// Define functions that are called before exiting.
	// This is useful to stop the profiler if it's enabled.
	deferredFunctions := []func(){}
	if *cpuProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitCPUProfiling(*cpuProfile))
	}
	if *memProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitMemoryProfiling(*memProfile))
	}
	runDeferred := func() {
		for _, function := range deferredFunctions {
			function()
		}
	}

	// Load the config file from the environment variable or path.
	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	breweryRoom, err := jid.Parse(cfg.Bridge.BreweryRoom)
	if err != nil {
		logrus.WithError(err).Fatal("bad bridge brewery room address")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.SetupTelemetry(ctx, cfg.Telemetry.Tracing)
		if err != nil {
			logrus.WithError(err).Fatal("could not set up telemetry")
			return
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("telemetry shutdown failed")
			}
		}()
	}

	// Create the XMPP client.
	client, err := signaling.NewClient(cfg.Xmpp)
	if err != nil {
		logrus.WithError(err).Fatal("could not create XMPP client")
		return
	}

	catalog := bridge.NewCatalog()
	manager := focus.NewManager(client, catalog, cfg.Conference)

	adminServer := admin.NewServer(cfg.Admin, manager)
	adminServer.Start(func(err error) {
		logrus.WithError(err).Error("admin listener failed")
	})

	// Run the XMPP connection loop. It reconnects on its own and only
	// returns once the context is cancelled.
	clientDone := make(chan error, 1)
	go func() {
		clientDone <- client.Run(ctx)
	}()

	// The main loop owns the detector lifecycle: detectors are (re)started
	// on every registration since the server-side MUC state dies with the
	// stream.
	var detectors *detectorSet
	registered := false
	var downTimer *time.Timer

	for running := true; running; {
		select {
		case up := <-client.RegistrationEvents():
			if !up {
				logrus.Warn("XMPP connection lost")
				if downTimer == nil {
					downTimer = time.AfterFunc(connectionLossBudget, func() {
						manager.RecordHardFailure("xmpp connection lost beyond the retry budget")
					})
				}
				continue
			}
			if downTimer != nil {
				downTimer.Stop()
				downTimer = nil
			}

			if registered {
				// Rooms, occupants and pending negotiations did not
				// survive the stream. Start over.
				logrus.Warn("XMPP connection re-established, ending stale conferences")
				detectors.stop(ctx)
				manager.EndAll("xmpp-reconnected")
			}
			registered = true

			detectors = startDetectors(ctx, client, breweryRoom, catalog, manager, cfg.Workers)
		case err := <-clientDone:
			if err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("XMPP client failed")
				runDeferred()
				os.Exit(1)
			}
			running = false
		case <-ctx.Done():
			running = false
		}
	}

	logrus.Info("shutting down")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainGracePeriod)
	defer drainCancel()

	adminServer.Shutdown(drainCtx)
	manager.Drain(drainCtx, "shutdown")
	detectors.stop(drainCtx)

	runDeferred()
	logrus.Info("bye")
}

// detectorSet is the group of brewery watchers started for one registration.
type detectorSet struct {
	bridges *detector.BridgeDetector
	workers []*detector.WorkerDetector
}

func startDetectors(
	ctx context.Context,
	client *signaling.Client,
	breweryRoom jid.JID,
	catalog *bridge.Catalog,
	manager *focus.Manager,
	workers config.WorkersConfig,
) *detectorSet {
	set := &detectorSet{}

	set.bridges = detector.NewBridgeDetector(client, breweryRoom, catalog, manager.NotifyBridgeDown)
	if err := set.bridges.Start(ctx); err != nil {
		logrus.WithError(err).Error("could not start bridge detector")
		set.bridges = nil
	}

	pools := make(map[string]focus.WorkerCounter)
	for _, brewery := range []struct{ name, room string }{
		{"recorder", workers.RecorderRoom},
		{"transcriber", workers.TranscriberRoom},
		{"gateway", workers.GatewayRoom},
	} {
		if brewery.room == "" {
			continue
		}
		address, err := jid.Parse(brewery.room)
		if err != nil {
			logrus.WithError(err).WithField("room", brewery.room).Error("bad worker brewery room address")
			continue
		}
		d := detector.NewWorkerDetector(client, address)
		if err := d.Start(ctx); err != nil {
			logrus.WithError(err).WithField("room", brewery.room).Error("could not start worker detector")
			continue
		}
		set.workers = append(set.workers, d)
		pools[brewery.name] = d
	}
	manager.SetWorkerPools(pools)

	return set
}

func (s *detectorSet) stop(ctx context.Context) {
	if s == nil {
		return
	}
	if s.bridges != nil {
		s.bridges.Stop(ctx)
	}
	for _, d := range s.workers {
		d.Stop(ctx)
	}
}
