// Command coordinatord is the replication control plane's single
// deployable binary: it loads configuration, opens the metadata store,
// wires every component together, and runs the periodic scan/trim/summary
// loops until signaled to stop. Grounded on the shape of the teacher's
// cmd/cli/main.go (config.LoadConfig, sequential subsystem bring-up,
// defer-based teardown) narrowed to this module's components and
// stripped of the teacher's HTTP/GUI surface, which is out of scope here.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaywantadh/fabricd/config"
	"github.com/jaywantadh/fabricd/internal/chunker"
	"github.com/jaywantadh/fabricd/internal/connreg"
	"github.com/jaywantadh/fabricd/internal/crypto"
	"github.com/jaywantadh/fabricd/internal/devices"
	"github.com/jaywantadh/fabricd/internal/distribution"
	"github.com/jaywantadh/fabricd/internal/healer"
	"github.com/jaywantadh/fabricd/internal/health"
	"github.com/jaywantadh/fabricd/internal/jobqueue"
	"github.com/jaywantadh/fabricd/internal/metastore"
	"github.com/jaywantadh/fabricd/internal/metrics"
	"github.com/jaywantadh/fabricd/internal/model"
	"github.com/jaywantadh/fabricd/internal/placement"
	"github.com/jaywantadh/fabricd/internal/reaper"
	"github.com/jaywantadh/fabricd/internal/retrieval"
	"github.com/jaywantadh/fabricd/internal/scheduler"
	"github.com/jaywantadh/fabricd/internal/tempstore"
	"github.com/jaywantadh/fabricd/pkg/env"
	"github.com/jaywantadh/fabricd/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Coordinator bundles every component of the replication control plane
// into one handle: the chunk/file-level operations (Chunker, Distributor,
// Retriever) that an ingest/egress transport would drive. The
// always-running background loops (Healer, Reaper, Scheduler) are not part
// of it; main builds and starts them on its own. Grounded on the teacher's package-level globals in
// cmd/cli/main.go, generalized into an explicit struct per the "no hidden
// globals" design note.
type Coordinator struct {
	Store     *metastore.Store
	Pipeline  *crypto.Pipeline
	Devices   *devices.Registry
	Conns     *connreg.Registry
	Placement *placement.Engine
	Temp      *tempstore.Store
	Chunker   *chunker.Chunker
	Dist      *distribution.Distributor
	Retr      *retrieval.Retriever
}

func buildCoordinator(cfg *config.AppConfig, m *metrics.Metrics, log *logrus.Logger) (*Coordinator, error) {
	store, err := metastore.Open(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	pipeline, err := crypto.Initialize(cfg.KEKHex)
	if err != nil {
		return nil, err
	}
	devReg := devices.New(store, log)
	conns := connreg.New(log)
	placementEngine := placement.New(store, devReg, cfg.RedundancyFactor, cfg.MinReliabilityForPlacement, log)
	temp, err := tempstore.New(cfg.StoragePath, cfg.TempChunkTTL, log)
	if err != nil {
		return nil, err
	}

	var policy chunker.SizePolicy
	switch cfg.ChunkSizePolicy {
	case "legacy":
		policy = chunker.NewLegacyPolicy()
	default:
		policy = chunker.AdaptivePolicy{}
	}

	return &Coordinator{
		Store:     store,
		Pipeline:  pipeline,
		Devices:   devReg,
		Conns:     conns,
		Placement: placementEngine,
		Temp:      temp,
		Chunker:   chunker.New(pipeline, policy, cfg.MaxFileSize, cfg.RedundancyFactor),
		Dist:      distribution.New(store, devReg, placementEngine, conns, temp, m, cfg.TWrite, log),
		Retr:      retrieval.New(store, pipeline, conns, m, cfg.TRead, 0, log),
	}, nil
}

func main() {
	env.LoadEnv()
	logging.InitLogger(env.GetEnv("FABRICD_DEBUG", "") == "true")
	log := logging.Log

	config.LoadConfig(env.GetEnv("FABRICD_CONFIG_DIR", "./config"))
	cfg := config.Config
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	m := metrics.New()

	co, err := buildCoordinator(cfg, m, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build coordinator")
	}
	defer co.Store.Close()

	healQ := jobqueue.New()
	reapQ := jobqueue.New()

	scanner := health.New(co.Store, healQ, reapQ, log)
	co.Devices.SetOfflineHook(func(deviceID string) {
		if dev, err := co.Store.GetDevice(deviceID); err == nil {
			co.Conns.Unbind(dev.LogicalDeviceID)
		}
		if err := scanner.DetectAffected(deviceID); err != nil {
			log.WithError(err).WithField("device_id", deviceID).Warn("failed to react to device going offline")
		}
	})

	heal := healer.New(co.Store, co.Placement, co.Conns, co.Temp, m, healQ, cfg.TWrite, log)
	reap := reaper.New(co.Store, co.Devices, co.Conns, co.Temp, m, reapQ, cfg.TDelete, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go heal.Run(ctx, 5)
	go reap.Run(ctx, 5)

	go serveMetrics(cfg.MetricsAddr, m, log)

	sched, err := scheduler.New(log)
	if err != nil {
		log.WithError(err).Fatal("failed to build scheduler")
	}

	if err := sched.ScheduleScan(cfg.ScanInterval, scanner.ScanAll); err != nil {
		log.WithError(err).Fatal("failed to schedule health scan")
	}
	if err := sched.ScheduleTrim(cfg.TrimInterval, func() error {
		return scanner.ScanAll()
	}); err != nil {
		log.WithError(err).Fatal("failed to schedule trim sweep")
	}
	if err := sched.ScheduleSummary(cfg.SummaryInterval, func() error {
		return logFleetSummary(co.Store, healQ, reapQ, m, log)
	}); err != nil {
		log.WithError(err).Fatal("failed to schedule fleet summary")
	}
	sched.Start()
	defer sched.Stop()

	log.WithField("node_id", cfg.NodeID).Info("coordinatord started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("coordinatord shutting down")
}

func serveMetrics(addr string, m *metrics.Metrics, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("metrics server stopped unexpectedly")
	}
}

func logFleetSummary(store *metastore.Store, healQ, reapQ *jobqueue.Queue, m *metrics.Metrics, log *logrus.Logger) error {
	online, err := store.ListDevicesByState(model.DeviceOnline)
	if err != nil {
		return err
	}
	offline, err := store.ListDevicesByState(model.DeviceOffline)
	if err != nil {
		return err
	}
	suspended, err := store.ListDevicesByState(model.DeviceSuspended)
	if err != nil {
		return err
	}

	chunksByState := make(map[string]int)
	for _, state := range []model.ChunkState{
		model.ChunkPending, model.ChunkReplicating, model.ChunkHealthy,
		model.ChunkDegraded, model.ChunkLost,
	} {
		chunks, err := store.ListChunksByState(state)
		if err != nil {
			return err
		}
		chunksByState[string(state)] = len(chunks)
	}

	m.SetFleetGauges(len(online), len(offline)+len(suspended), chunksByState, healQ.Len(), reapQ.Len())

	log.WithField("devices_online", len(online)).
		WithField("devices_offline", len(offline)+len(suspended)).
		WithField("chunks_healthy", chunksByState[string(model.ChunkHealthy)]).
		WithField("chunks_degraded", chunksByState[string(model.ChunkDegraded)]).
		WithField("chunks_lost", chunksByState[string(model.ChunkLost)]).
		WithField("heal_queue_depth", healQ.Len()).
		WithField("reap_queue_depth", reapQ.Len()).
		Info("fleet summary")
	return nil
}
