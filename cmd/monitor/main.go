package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Gioppix/uptime-monitor/internal/api"
	"github.com/Gioppix/uptime-monitor/internal/config"
	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/heartbeat"
	"github.com/Gioppix/uptime-monitor/internal/internode"
	"github.com/Gioppix/uptime-monitor/internal/metrics"
	"github.com/Gioppix/uptime-monitor/internal/netdiscover"
	"github.com/Gioppix/uptime-monitor/internal/poscache"
	"github.com/Gioppix/uptime-monitor/internal/probe"
	"github.com/Gioppix/uptime-monitor/internal/rangewatch"
	"github.com/Gioppix/uptime-monitor/internal/scheduler"
	"github.com/Gioppix/uptime-monitor/internal/store"
	"github.com/Gioppix/uptime-monitor/pkg/log"
)

var (
	// Version information (set via ldflags during build). Commit doubles as
	// workers_metadata.git_sha (spec.md §6): empty if the binary was built
	// without -ldflags -X.
	Version   = "dev"
	Commit    = ""
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "monitor",
	Short: "A distributed, leaderless synthetic-monitoring worker",
	Long: `monitor runs one worker in a fleet that cooperatively schedules
and executes HTTP health checks, with no leader election: membership is
discovered by heartbeat, and each worker owns a consistent-hash range of
the check space.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"monitor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker process",
	Long:  `Loads configuration from the environment and runs the worker until terminated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd)
	},
}

func init() {
	runCmd.Flags().String("data-dir", "./monitor-data", "Directory for the local ring-position cache and store")
	runCmd.Flags().Int("ingest-writers", 4, "Number of concurrent result-ingest writers")
	runCmd.Flags().Duration("internode-timeout", 5*time.Second, "Per-peer internode broadcast timeout")
}

// runWorker wires every component together and blocks until the process
// receives an interrupt or termination signal.
func runWorker(cmd *cobra.Command) error {
	cfg := config.MustLoad(func(msg string) {
		log.Fatal("configuration error: " + msg)
		os.Exit(1)
	})

	dataDir, _ := cmd.Flags().GetString("data-dir")
	ingestWriters, _ := cmd.Flags().GetInt("ingest-writers")
	internodeTimeout, _ := cmd.Flags().GetDuration("internode-timeout")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(dataDir, "monitor.db"), cfg.DatabaseConcurrentRequests)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	posCache, err := poscache.Open(filepath.Join(dataDir, "position.db"))
	if err != nil {
		return fmt.Errorf("open position cache: %w", err)
	}
	defer posCache.Close()

	processID := uuid.New()
	socketAddr, err := netdiscover.SocketAddress(cfg.SelfIP, cfg.Port)
	if err != nil {
		return fmt.Errorf("determine socket address: %w", err)
	}

	replicaID := effectiveReplicaID(cfg, processID)
	if err := st.UpsertWorkerMetadata(context.Background(), processID, replicaID, Commit); err != nil {
		return fmt.Errorf("register worker metadata: %w", err)
	}

	hbManager := heartbeat.New(st, processID, cfg.Region, cfg.HeartbeatInterval, cfg.CurrentBucketsCount, socketAddr)

	if cachedPos, found, err := posCache.Load(); err != nil {
		log.Error("position cache read failed: " + err.Error())
	} else if found {
		hbManager.ResumePosition(cachedPos)
		log.Logger.Info().Int("position", cachedPos).Msg("resumed ring position from local cache")
	} else {
		pos, err := hbManager.ChoosePosition(context.Background(), rand.New(rand.NewSource(time.Now().UnixNano())))
		if err != nil {
			return fmt.Errorf("choose ring position: %w", err)
		}
		if err := posCache.Store(pos); err != nil {
			log.Error("position cache write failed: " + err.Error())
		}
		log.Logger.Info().Int("position", pos).Msg("chose new ring position")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rangeUpdates, cancelRangeSub := hbManager.Updates()
	defer cancelRangeSub()
	initialAlive := hbManager.AliveSameRegion()
	rangeWatcher := rangewatch.New(processID.String(), cfg.ReplicationFactor, initialAlive)

	executor := probe.NewExecutor(cfg.DevMode)
	sched := scheduler.New(st, executor, cfg.Region, cfg.CurrentBucketVersion, cfg.CurrentBucketsCount, cfg.DatabaseConcurrentRequests, cfg.MaxConcurrentHealthChecks)
	sched.SetCurrentRange(rangeWatcher.Current())

	mutations := make(chan []uuid.UUID, 256)
	internodeHandler := internode.NewHandler(cfg.BackendInternalPassword, mutations)
	broadcaster := internode.New(cfg.BackendInternalPassword, cfg.ReplicationFactor, cfg.CurrentBucketsCount, processID, internodeTimeout)

	broadcastMutation := func(checkID uuid.UUID) {
		alive, err := hbManager.AliveAllRegions(ctx)
		if err != nil {
			log.WithCheckID(checkID.String()).Warn().Err(err).Msg("skipping mutation broadcast: alive-nodes snapshot unavailable")
			return
		}
		bucket := domain.Bucket(checkID, cfg.CurrentBucketsCount)
		msg := internode.MessageWithFilter{
			Message:      domain.InterNodeMessage{Kind: domain.MessageServiceCheckMutation, CheckID: checkID},
			FilterBucket: &bucket,
		}
		acked := broadcaster.Broadcast(ctx, []internode.MessageWithFilter{msg}, alive)
		log.WithCheckID(checkID.String()).Debug().Strs("acked_peers", acked).Msg("mutation broadcast done")
	}
	onMutation := func(checkID uuid.UUID) {
		go broadcastMutation(checkID)
	}

	reader := metrics.NewReader(st, cfg.DatabaseConcurrentRequests, 90)
	httpServer := api.New(st, reader, internodeHandler, cfg.BackendInternalPassword, cfg.CurrentBucketsCount, cfg.CurrentBucketVersion, replicaID, Commit, onMutation)

	rangeWatcherUpdates, cancelRangeWatcherSub := rangeWatcher.Updates()
	defer cancelRangeWatcherSub()

	go hbManager.Run(ctx)
	go rangeWatcher.Run(ctx, rangeUpdates)
	go sched.RunRangeSync(ctx, rangeWatcherUpdates)
	go sched.RunMutationSync(ctx, mutations)
	go sched.RunDispatcher(ctx)
	go sched.RunExecutor(ctx)
	go sched.RunIngestWriters(ctx, ingestWriters)

	serverErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := httpServer.Run(ctx, addr); err != nil {
			serverErr <- err
		}
	}()

	log.Logger.Info().Str("region", string(cfg.Region)).Str("socket_address", socketAddr).Msg("worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		log.Logger.Error().Err(err).Msg("http server exited unexpectedly")
	}

	// Best-effort: tell peers we're leaving before tearing activities down.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if alive, err := hbManager.AliveAllRegions(shutdownCtx); err == nil {
		acked := broadcaster.Broadcast(shutdownCtx, []internode.MessageWithFilter{{
			Message: domain.InterNodeMessage{Kind: domain.MessageShuttingDown, ProcessID: processID},
		}}, alive)
		log.Logger.Info().Strs("acked_peers", acked).Msg("shutdown notice broadcast done")
	}
	shutdownCancel()

	cancel()
	log.Logger.Info().Msg("shutdown complete")
	return nil
}

// effectiveReplicaID returns cfg.ReplicaID if set, else the process id as a
// string, matching the data model's "replica_id defaults to the process
// id" convention.
func effectiveReplicaID(cfg *config.Config, processID uuid.UUID) string {
	if cfg.ReplicaID != "" {
		return cfg.ReplicaID
	}
	return processID.String()
}
