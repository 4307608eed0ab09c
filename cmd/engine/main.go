package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rawblock/mixer-engine/internal/api"
	"github.com/rawblock/mixer-engine/internal/blockchain"
	"github.com/rawblock/mixer-engine/internal/config"
	"github.com/rawblock/mixer-engine/internal/engine"
	"github.com/rawblock/mixer-engine/internal/obslog"
	"github.com/rawblock/mixer-engine/internal/pool"
	"github.com/rawblock/mixer-engine/internal/repository"
	"github.com/rawblock/mixer-engine/internal/ringsig"
	"github.com/rawblock/mixer-engine/pkg/models"
)

var log = obslog.For("main")

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	repo, closeRepo := mustRepository()
	defer closeRepo()

	redisClient := maybeRedisClient()
	keyImages := mustKeyImageRegistry(repo, redisClient)
	poolIndex := maybePoolIndex(repo, redisClient)
	chain := mustChainRegistry()

	eng := engine.New(cfg, repo, chain, keyImages, poolIndex)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start engine")
	}

	router := api.SetupRouter(eng)
	port := getEnvOrDefault("PORT", "8080")
	srv := &http.Server{Addr: ":" + port, Handler: router}

	go func() {
		log.WithField("port", port).Info("mixer engine listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	eng.Stop()
}

// mustRepository chooses the Postgres-backed repository when
// MIXER_DATABASE_URL is set, falling back to the in-memory one for local
// development, mirroring the teacher's "continue without persisting" guard
// but failing fast instead of degrading silently when a DSN is configured.
func mustRepository() (repository.Repository, func()) {
	dsn := os.Getenv("MIXER_DATABASE_URL")
	if dsn == "" {
		log.Warn("MIXER_DATABASE_URL not set; using in-memory repository (data does not survive a restart)")
		return repository.NewMemoryRepository(), func() {}
	}
	pg, err := repository.ConnectPostgres(context.Background(), dsn)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to postgres")
	}
	return pg, pg.Close
}

// maybeRedisClient returns a connected Redis client when MIXER_REDIS_ADDR
// is set, or nil otherwise — both the key-image registry and the pool
// index degrade to their repository-backed implementations without it.
func maybeRedisClient() *redis.Client {
	addr := os.Getenv("MIXER_REDIS_ADDR")
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("MIXER_REDIS_PASSWORD"),
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}
	return client
}

func mustKeyImageRegistry(repo repository.Repository, redisClient *redis.Client) ringsig.KeyImageRegistry {
	if redisClient != nil {
		return ringsig.NewRedisKeyImageRegistry(redisClient, "")
	}
	return ringsig.NewRepositoryKeyImageRegistry(repo)
}

func maybePoolIndex(repo repository.Repository, redisClient *redis.Client) pool.Index {
	if redisClient != nil {
		return pool.NewRedisIndex(redisClient, "")
	}
	return pool.NewRepositoryIndex(repo)
}

// mustChainRegistry wires a real BTC RPC adapter when credentials are
// present, and a SimulatedAdapter for every other currency spec §1 names —
// every supported currency needs some adapter for the engine to resolve,
// and production ETH/USDT/SOL/LTC/DASH/ZEC RPC integration is outside this
// repository's scope.
func mustChainRegistry() *blockchain.Registry {
	adapters := []blockchain.Adapter{
		blockchain.NewSimulatedAdapter(models.ETH),
		blockchain.NewSimulatedAdapter(models.USDT),
		blockchain.NewSimulatedAdapter(models.SOL),
		blockchain.NewSimulatedAdapter(models.LTC),
		blockchain.NewSimulatedAdapter(models.DASH),
		blockchain.NewSimulatedAdapter(models.ZEC),
	}

	if host := os.Getenv("MIXER_BTC_RPC_HOST"); host != "" {
		btc, err := blockchain.NewBTCAdapter(blockchain.BTCConfig{
			Host: host,
			User: requireEnv("MIXER_BTC_RPC_USER"),
			Pass: requireEnv("MIXER_BTC_RPC_PASS"),
		})
		if err != nil {
			log.WithError(err).Warn("failed to connect to bitcoin RPC; falling back to a simulated BTC adapter")
			adapters = append(adapters, blockchain.NewSimulatedAdapter(models.BTC))
		} else {
			adapters = append(adapters, btc)
		}
	} else {
		log.Warn("MIXER_BTC_RPC_HOST not set; using a simulated BTC adapter")
		adapters = append(adapters, blockchain.NewSimulatedAdapter(models.BTC))
	}

	return blockchain.NewRegistry(adapters...)
}

func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("required environment variable %s is not set", key)
	}
	return val
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
