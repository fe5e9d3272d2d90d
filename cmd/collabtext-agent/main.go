// collabtext-agent is a headless participant: it joins a room through a
// relay and edits the shared document from stdin. With --cache the
// document survives restarts and can be edited offline; edits made while
// disconnected are exchanged on the next join.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"collabtext/config"
	"collabtext/crdt"
	"collabtext/discovery"
	"collabtext/history"
	"collabtext/localstore"
	"collabtext/provider"
	"collabtext/room/wsroom"
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
		roomName   string
		name       string
		relayURL   string
		historyURL string
		apiKey     string
		cachePath  string
		discover   bool
		verbose    bool
	)
	flagSet := pflag.NewFlagSet("collabtext-agent", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flagSet.StringVarP(&roomName, "room", "r", "", "room to join")
	flagSet.StringVarP(&name, "name", "n", "", "display name")
	flagSet.StringVar(&relayURL, "relay", "", "relay websocket URL")
	flagSet.StringVar(&historyURL, "history-url", "", "history endpoint base URL")
	flagSet.StringVar(&apiKey, "api-key", "", "API key")
	flagSet.StringVar(&cachePath, "cache", "", "bbolt file caching the document between runs")
	flagSet.BoolVar(&discover, "discover", false, "find a relay over mDNS")
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
	for _, o := range []struct {
		flag  string
		field *string
	}{
		{roomName, &cfg.Room},
		{name, &cfg.Participant.Name},
		{relayURL, &cfg.RelayURL},
		{historyURL, &cfg.HistoryURL},
		{apiKey, &cfg.APIKey},
	} {
		if o.flag != "" {
			*o.field = o.flag
		}
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if discover {
		if err := discoverRelay(ctx, &cfg, historyURL == "", logger); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	doc := crdt.NewDoc(crdt.WithGUID(cfg.Room))
	if cachePath != "" {
		cache, err := localstore.Open(cachePath)
		if err != nil {
			return err
		}
		defer cache.Close()
		detach, err := cache.Attach(doc, cfg.Room, logger)
		if err != nil {
			return err
		}
		defer detach()
		logger.Info("loaded local cache", "keys", len(doc.Snapshot()))
	}

	p := provider.New(doc, wsroom.New(cfg.RelayURL, cfg.APIKey, logger), cfg.Store(),
		provider.WithLogger(logger),
		provider.WithHistory(history.NewFetcher(cfg.HistoryURL, history.WithLogger(logger))),
		provider.WithHandshakeTimeout(cfg.HandshakeTimeout),
	)
	defer p.Destroy()
	p.Awareness().SetLocalStateField("name", cfg.Participant.Name)
	p.On(func(s provider.Status) { logger.Info("provider status", "status", s) })

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.Connect(connectCtx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := execute(line, doc, p, os.Stdout); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
}

func discoverRelay(ctx context.Context, cfg *config.Config, setHistory bool, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	r, err := discovery.First(ctx)
	if err != nil {
		return err
	}
	cfg.RelayURL = r.URL()
	if setHistory {
		u, err := url.Parse(r.URL())
		if err != nil {
			return err
		}
		u.Scheme = "http"
		cfg.HistoryURL = u.String()
	}
	logger.Info("discovered relay", "instance", r.Instance, "url", cfg.RelayURL)
	return nil
}
