// collabtext-relay accepts websocket participants and relays their frames
// through Redis pub/sub, so any number of relay processes can serve the
// same channels. Update events are persisted to Postgres when a database
// is configured (in memory otherwise) and served to late joiners on
// GET /yjs/{channel}.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"collabtext/config"
	"collabtext/discovery"
	"collabtext/history"
	"collabtext/relay"
	"collabtext/room/redisroom"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		redisAddr  string
		dbURL      string
		apiKey     string
		advertise  bool
		rps        float64
		burst      int
		verbose    bool
	)
	flagSet := pflag.NewFlagSet("collabtext-relay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flagSet.StringVar(&listen, "listen", ":8081", "HTTP listen address")
	flagSet.StringVar(&redisAddr, "redis", "", "Redis address (default from config or REDIS_ADDR)")
	flagSet.StringVar(&dbURL, "database-url", "", "Postgres URL for history (default from config or DATABASE_URL)")
	flagSet.StringVar(&apiKey, "api-key", "", "API key clients must present")
	flagSet.BoolVar(&advertise, "advertise", false, "announce the relay over mDNS")
	flagSet.Float64Var(&rps, "rate", 200, "frames per second accepted from each client")
	flagSet.IntVar(&burst, "burst", 400, "frame burst accepted from each client")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if redisAddr == "" {
		redisAddr = cfg.RedisAddr
	}
	if dbURL == "" {
		dbURL = cfg.DatabaseURL
	}
	if apiKey == "" {
		apiKey = cfg.APIKey
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", redisAddr, err)
	}
	logger.Info("connected to redis", "addr", redisAddr)
	transport := redisroom.New(rdb, logger)
	defer transport.Close()

	store, closeStore, err := openStore(ctx, dbURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if apiKey == "" {
		logger.Warn("no api key configured, relay is open")
	}
	server := relay.New(transport,
		relay.WithLogger(logger),
		relay.WithHistory(store),
		relay.WithAPIKey(apiKey),
		relay.WithRateLimit(rate.Limit(rps), burst),
	)
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if advertise {
		ad, err := advertiseRelay(listen)
		if err != nil {
			return err
		}
		defer ad.Shutdown()
		logger.Info("advertising relay over mDNS", "service", discovery.Service)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", listen)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	server.CloseSessions()
	return err
}

func openStore(ctx context.Context, dbURL string, logger *slog.Logger) (history.Store, func(), error) {
	if dbURL == "" {
		logger.Warn("no database configured, history is kept in memory")
		return history.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}
	store := history.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("connected to postgres")
	return store, pool.Close, nil
}

func advertiseRelay(listen string) (*discovery.Advertisement, error) {
	_, portText, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("parsing listen address: %w", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("parsing listen port: %w", err)
	}
	host, _ := os.Hostname()
	return discovery.Advertise("CollabText-"+host, port, map[string]string{"txtv": "1"})
}
