package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/weftworks/weft/catalog/bus"
	businmem "github.com/weftworks/weft/catalog/bus/inmem"
	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/store"
	storeinmem "github.com/weftworks/weft/catalog/store/inmem"
	bloblocal "github.com/weftworks/weft/features/blob/local"
	blobs3 "github.com/weftworks/weft/features/blob/s3"
	pulsebus "github.com/weftworks/weft/features/bus/pulse"
	redislock "github.com/weftworks/weft/features/lock/redis"
	secretsenv "github.com/weftworks/weft/features/secrets/env"
	mongostore "github.com/weftworks/weft/features/store/mongo"
	"github.com/weftworks/weft/runtime/bundle"
	"github.com/weftworks/weft/runtime/executor"
	"github.com/weftworks/weft/runtime/hooks"
	"github.com/weftworks/weft/runtime/jobs"
	"github.com/weftworks/weft/runtime/materializer"
	"github.com/weftworks/weft/runtime/sandbox"
	"github.com/weftworks/weft/runtime/scheduler"
	"github.com/weftworks/weft/runtime/telemetry"
	"github.com/weftworks/weft/runtime/trigger"
)

// Environment variables read in addition to the flags.
const (
	envCacheMaxEntries    = "WEFT_BUNDLE_CACHE_MAX_ENTRIES"
	envCacheTTL           = "WEFT_BUNDLE_CACHE_TTL"
	envInlineQueueDisable = "WEFT_INLINE_QUEUE_DISABLED"
	envSecretPrefix       = "WEFT_SECRET_"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		mongoURIF   = flag.String("mongo-uri", "", "MongoDB connection URI (empty: in-memory store)")
		mongoDBF    = flag.String("mongo-db", "weft", "MongoDB database name")
		redisAddrF  = flag.String("redis-addr", "", "Redis address for locks and the event bus (empty: in-process)")
		cacheDirF   = flag.String("bundle-cache-dir", "/var/cache/weft/bundles", "Bundle cache directory")
		nodeF       = flag.String("node-harness", "node harness/sandbox.mjs", "Command launching the node sandbox harness")
		pythonF     = flag.String("python-harness", "python3 -m weft_sandbox", "Command launching the python sandbox harness")
		intervalF   = flag.Duration("schedule-interval", 15*time.Second, "Scheduler tick interval")
		maxWindowsF = flag.Int("schedule-max-windows", 10, "Catch-up windows materialized per schedule per tick")
		dbgF        = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	// Record store.
	var (
		st          store.Store
		mongoClient *mongodriver.Client
	)
	if *mongoURIF != "" {
		var err error
		mongoClient, err = mongodriver.Connect(mongooptions.Client().ApplyURI(*mongoURIF))
		if err != nil {
			log.Fatalf(ctx, err, "connect mongodb")
		}
		ms, err := mongostore.New(ctx, mongostore.Options{Client: mongoClient, Database: *mongoDBF})
		if err != nil {
			log.Fatalf(ctx, err, "initialize mongodb store")
		}
		if err := ms.Ping(ctx); err != nil {
			log.Fatalf(ctx, err, "ping mongodb")
		}
		st = ms
		log.Print(ctx, log.KV{K: "store", V: "mongo"}, log.KV{K: "db", V: *mongoDBF})
	} else {
		st = storeinmem.New()
		log.Print(ctx, log.KV{K: "store", V: "inmem"})
	}

	// Advisory locks and the event bus share the Redis client.
	var (
		locker store.AdvisoryLocker
		evbus  bus.Bus
	)
	if *redisAddrF != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: *redisAddrF})
		var err error
		locker, err = redislock.New(redislock.Options{Client: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "initialize redis locker")
		}
		evbus, err = pulsebus.New(pulsebus.Options{Redis: rdb, Logger: logger})
		if err != nil {
			log.Fatalf(ctx, err, "initialize pulse bus")
		}
		log.Print(ctx, log.KV{K: "bus", V: "pulse"}, log.KV{K: "redis", V: *redisAddrF})
	} else {
		locker = storeinmem.NewLocker()
		evbus = businmem.New()
		log.Print(ctx, log.KV{K: "bus", V: "inmem"})
	}

	secrets := secretsenv.New(secretsenv.Options{Prefix: envSecretPrefix})

	// Bundle artifact fetchers, selected by the bundle version's storage kind.
	fetchers := make(map[job.ArtifactStorage]bundle.ArtifactFetcher)
	if os.Getenv(bloblocal.EnvStorageRoot) != "" {
		f, err := bloblocal.NewFromEnv()
		if err != nil {
			log.Fatalf(ctx, err, "initialize local bundle storage")
		}
		fetchers[job.StorageLocal] = f
	}
	if os.Getenv(blobs3.EnvBucket) != "" {
		f, err := blobs3.NewFromEnv(ctx)
		if err != nil {
			log.Fatalf(ctx, err, "initialize s3 bundle storage")
		}
		fetchers[job.StorageS3] = f
	}

	cache, err := bundle.New(bundle.Options{
		Root:       *cacheDirF,
		MaxEntries: envInt(envCacheMaxEntries, 0),
		TTL:        envDuration(envCacheTTL, 0),
		Fetchers:   fetchers,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize bundle cache")
	}

	runner := sandbox.NewRunner(sandbox.Options{
		Node:    strings.Fields(*nodeF),
		Python:  strings.Fields(*pythonF),
		Logger:  logger,
		Metrics: metrics,
	})

	hb := hooks.NewBus()

	jobRuntime, err := jobs.New(jobs.Options{
		Store:   st,
		Bundles: cache,
		Sandbox: runner,
		Secrets: secrets,
		Hooks:   hb,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize job runtime")
	}

	exec, err := executor.New(executor.Options{
		Store:   st,
		Jobs:    jobRuntime,
		Secrets: secrets,
		Bus:     evbus,
		Hooks:   hb,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize executor")
	}

	sched, err := scheduler.New(scheduler.Options{
		Store:      st,
		Launcher:   exec,
		Locker:     locker,
		Interval:   *intervalF,
		MaxWindows: *maxWindowsF,
		Hooks:      hb,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize scheduler")
	}

	triggers, err := trigger.New(trigger.Options{
		Store:    st,
		Launcher: exec,
		Hooks:    hb,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize trigger processor")
	}

	mat, err := materializer.New(materializer.Options{
		Store:    st,
		Launcher: exec,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize materializer")
	}

	// Create channel used by both the signal handler and worker goroutines to
	// notify the main goroutine when to stop the service.
	errc := make(chan error)

	// Setup interrupt handler so SIGINT and SIGTERM stop the workers
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)

	var subs []bus.Subscription

	// Inline run queue: execute pending runs as their launch events land on
	// the bus. Disable when a dedicated worker pool consumes the queue.
	if !envBool(envInlineQueueDisable) {
		sub, err := evbus.Subscribe(ctx, bus.TypeRunPending, func(ctx context.Context, env bus.Envelope) error {
			runID, _ := env.Payload["workflowRunId"].(string)
			if runID == "" {
				return nil
			}
			if _, err := exec.ExecuteWorkflowRun(ctx, runID); err != nil {
				logger.Error(ctx, "workflow run execution failed", "run", runID, "err", err.Error())
			}
			return nil
		})
		if err != nil {
			log.Fatalf(ctx, err, "subscribe run queue")
		}
		subs = append(subs, sub)
	}

	triggerSub, err := triggers.Subscribe(ctx, evbus)
	if err != nil {
		log.Fatalf(ctx, err, "subscribe trigger processor")
	}
	subs = append(subs, triggerSub)

	matSub, err := mat.Subscribe(ctx, evbus)
	if err != nil {
		log.Fatalf(ctx, err, "subscribe materializer")
	}
	subs = append(subs, matSub)

	sched.Start(ctx)
	log.Print(ctx, log.KV{K: "msg", V: "weftd started"},
		log.KV{K: "schedule-interval", V: intervalF.String()})

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		log.Printf(ctx, "scheduler stop: %v", err)
	}
	for _, sub := range subs {
		if err := sub.Close(stopCtx); err != nil {
			log.Printf(ctx, "subscription close: %v", err)
		}
	}
	cancel()
	if mongoClient != nil {
		if err := mongoClient.Disconnect(stopCtx); err != nil {
			log.Printf(ctx, "mongodb disconnect: %v", err)
		}
	}
	log.Printf(ctx, "exited")
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "", "false", "0", "off":
		return false
	}
	return true
}
