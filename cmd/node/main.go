package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-utils/cli"
	redisadapter "github.com/flashbots/swap-protect-node/adapters/redis"
	"github.com/flashbots/swap-protect-node/aggregator"
	"github.com/flashbots/swap-protect-node/blockqueue"
	"github.com/flashbots/swap-protect-node/fusion"
	"github.com/flashbots/swap-protect-node/jsonrpcserver"
	"github.com/flashbots/swap-protect-node/protect"
	"github.com/flashbots/swap-protect-node/relay"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// Bundle, secret and queue settings are configured using their own env variables,
	// see `protect`, `fusion` and `blockqueue` packages.

	// Default values
	defaultDebug              = os.Getenv("DEBUG") == "1"
	defaultLogProd            = os.Getenv("LOG_PROD") == "1"
	defaultLogService         = os.Getenv("LOG_SERVICE")
	defaultPort               = cli.GetEnv("PORT", "8080")
	defaultMetricsPort        = cli.GetEnv("METRICS_PORT", "8088")
	defaultRedisEndpoint      = cli.GetEnv("REDIS_ENDPOINT", "redis://localhost:6379")
	defaultPostgresDSN        = cli.GetEnv("POSTGRES_DSN", "")
	defaultEthEndpoint        = cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545")
	defaultAggregatorURL      = cli.GetEnv("AGGREGATOR_URL", "https://api.1inch.dev")
	defaultAggregatorAPIKey   = os.Getenv("AGGREGATOR_API_KEY")
	defaultRelaySigningKey    = os.Getenv("RELAY_SIGNING_KEY")
	defaultTrackerWorkers     = cli.GetEnv("TRACKER_WORKERS", "4")
	defaultTrackerRateLimit   = cli.GetEnv("TRACKER_RATE_LIMIT", "20")
	defaultSweepIntervalMs    = cli.GetEnv("SECRET_SWEEP_INTERVAL_MS", "60000")
	defaultBlockUpdateMs      = cli.GetEnv("BLOCK_UPDATE_INTERVAL_MS", "2000")
	defaultReleaseGuardPrefix = cli.GetEnv("RELEASE_GUARD_PREFIX", "node-release:")
	// See `RelaysConfig` in relay/jsonrpc.go for more info
	defaultRelaysConfig = cli.GetEnv("RELAYS_CONFIG", "relays.yaml")

	// Flags
	debugPtr            = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr          = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr       = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr             = flag.String("port", defaultPort, "port to listen on")
	redisPtr            = flag.String("redis", defaultRedisEndpoint, "redis url string")
	postgresDSNPtr      = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, bundles and secrets are kept in memory when empty")
	ethPtr              = flag.String("eth", defaultEthEndpoint, "eth endpoint")
	aggregatorURLPtr    = flag.String("aggregator-url", defaultAggregatorURL, "swap aggregator api url")
	aggregatorAPIKeyPtr = flag.String("aggregator-api-key", defaultAggregatorAPIKey, "swap aggregator api key")
	relaySigningKeyPtr  = flag.String("relay-signing-key", defaultRelaySigningKey, "hex private key used to sign relay requests")
	relaysConfigPtr     = flag.String("relays-config", defaultRelaysConfig, "relays config file")
	trackerWorkersPtr   = flag.String("tracker-workers", defaultTrackerWorkers, "number of inclusion tracker workers")
	trackerRateLimitPtr = flag.String("tracker-rate-limit", defaultTrackerRateLimit, "inclusion tracker receipt lookups per second")
	sweepIntervalPtr    = flag.String("secret-sweep-interval-ms", defaultSweepIntervalMs, "interval of the expired secrets sweep")
	blockUpdatePtr      = flag.String("block-update-interval-ms", defaultBlockUpdateMs, "interval of the tracker block updates")
	releaseGuardPtr     = flag.String("release-guard-prefix", defaultReleaseGuardPrefix, "redis key prefix of the secret release guard")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting swap-protect-node", zap.String("version", version))

	redisOpts, err := redis.ParseURL(*redisPtr)
	if err != nil {
		logger.Fatal("Failed to parse redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)

	ethBackend, err := ethclient.Dial(*ethPtr)
	if err != nil {
		logger.Fatal("Failed to connect to ethBackend endpoint", zap.Error(err))
	}
	chain := relay.NewCachingChainReader(ethBackend, 0)

	relays, err := relay.LoadRelaysConfig(*relaysConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load relays config", zap.Error(err))
	}
	var signingKey *ecdsa.PrivateKey
	if *relaySigningKeyPtr != "" {
		signingKey, err = crypto.HexToECDSA(strings.TrimPrefix(*relaySigningKeyPtr, "0x"))
		if err != nil {
			logger.Fatal("Failed to parse relay signing key", zap.Error(err))
		}
	}
	relayClient, err := relay.NewJSONRPCRelay(logger, relays, chain, signingKey)
	if err != nil {
		logger.Fatal("Failed to create relay client", zap.Error(err))
	}

	aggregatorClient := aggregator.NewHTTPClient(logger, *aggregatorURLPtr, *aggregatorAPIKeyPtr)

	var (
		bundleStore protect.BundleStore = protect.NewMemoryStore()
		secretStore fusion.SecretStore  = fusion.NewMemorySecretStore()
		orderBook   fusion.OrderBook    = fusion.NewMemoryOrderBook()
	)
	if *postgresDSNPtr != "" {
		db, err := protect.ConnectDB(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to connect to postgres", zap.Error(err))
		}
		bundleStore = protect.NewDBStore(db)
		fusionStore := fusion.NewDBStore(db)
		secretStore, orderBook = fusionStore, fusionStore
	} else {
		logger.Warn("Postgres is not configured, bundles and secrets are kept in memory")
	}

	protectConfig, err := protect.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load protect config", zap.Error(err))
	}
	fusionConfig, err := fusion.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load fusion config", zap.Error(err))
	}
	queueConfig, err := blockqueue.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load block queue config", zap.Error(err))
	}

	trackerWorkers, err := strconv.Atoi(*trackerWorkersPtr)
	if err != nil {
		logger.Fatal("Failed to parse tracker workers", zap.Error(err))
	}
	if trackerWorkers < 1 {
		logger.Fatal("Tracker workers must be greater than 0")
	}
	trackerRateLimit, err := strconv.ParseFloat(*trackerRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse tracker rate limit", zap.Error(err))
	}
	sweepIntervalMs, err := strconv.Atoi(*sweepIntervalPtr)
	if err != nil {
		logger.Fatal("Failed to parse secret sweep interval", zap.Error(err))
	}
	blockUpdateMs, err := strconv.Atoi(*blockUpdatePtr)
	if err != nil {
		logger.Fatal("Failed to parse block update interval", zap.Error(err))
	}

	manager := protect.NewManager(logger, protectConfig, relayClient, aggregatorClient, bundleStore)
	manager.SetInclusionChecker(chain)

	backgroundWg := &sync.WaitGroup{}
	trackQueue := blockqueue.NewRedisQueue(logger, redisClient, "node-track", queueConfig)
	tracker := protect.NewInclusionTracker(logger, trackQueue, chain, manager)
	manager.SetTracker(tracker)
	trackQueue.StartBlockUpdater(ctx, chain.BlockNumber, time.Duration(blockUpdateMs)*time.Millisecond, backgroundWg)
	queueWg := tracker.Start(ctx, trackerWorkers, rate.Limit(trackerRateLimit))

	releaseGuard := redisadapter.NewReleaseGuard(redisClient, *releaseGuardPtr)
	coordinator, err := fusion.NewCoordinator(logger, fusionConfig, aggregatorClient, secretStore, orderBook, releaseGuard)
	if err != nil {
		logger.Fatal("Failed to create fusion coordinator", zap.Error(err))
	}
	coordinator.StartSweeper(ctx, time.Duration(sweepIntervalMs)*time.Millisecond, backgroundWg)

	methods := jsonrpcserver.Methods{}
	for name, method := range protect.NewAPI(logger, manager, protectConfig).Methods() {
		methods[name] = method
	}
	for name, method := range fusion.NewAPI(logger, coordinator).Methods() {
		methods[name] = method
	}
	jsonRPCServer, err := jsonrpcserver.NewHandler(logger, methods)
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	// wait for trackers and the sweeper to finish
	queueWg.Wait()
	backgroundWg.Wait()
}
