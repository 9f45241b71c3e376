package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/guarzo/eve-killwatch/internal/config"
	"github.com/guarzo/eve-killwatch/internal/deliver"
	"github.com/guarzo/eve-killwatch/internal/esi"
	"github.com/guarzo/eve-killwatch/internal/feed"
	"github.com/guarzo/eve-killwatch/internal/ingest"
	"github.com/guarzo/eve-killwatch/internal/logging"
	"github.com/guarzo/eve-killwatch/internal/notify"
	"github.com/guarzo/eve-killwatch/internal/profile"
	"github.com/guarzo/eve-killwatch/internal/status"
	"github.com/guarzo/eve-killwatch/internal/store"
	"github.com/guarzo/eve-killwatch/internal/topology"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config.json")
	flag.Parse()

	// .env is optional; it supplies the ${...} webhook secrets that profile
	// documents reference.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	if err := run(logger, cfg); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(logger *logrus.Logger, cfg *config.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "events.db"))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer st.Close()

	holder, err := topology.NewHolder(cfg.TopologyPath)
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	// Profiles may point at their own topology documents; every distinct
	// path gets one holder so a SIGHUP reload covers them all.
	holders := map[string]*topology.Holder{cfg.TopologyPath: holder}

	profiles, err := profile.LoadDir(logger, cfg.ProfilesDir)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	if len(profiles) == 0 {
		logger.Warnf("no enabled profiles in %s, ingesting only", cfg.ProfilesDir)
	}

	esiClient := esi.New(logger, esi.Options{
		BaseURL:     cfg.ESIBaseURL,
		UserAgent:   cfg.Feed.UserAgent,
		MaxAttempts: cfg.Enrichment.MaxAttempts,
		RetryDelay:  time.Duration(cfg.Enrichment.RetryDelaySeconds) * time.Second,
	})

	src, err := newSource(logger, cfg)
	if err != nil {
		return fmt.Errorf("start %s feed: %w", cfg.Feed.Mode, err)
	}
	defer src.Close()

	poller := ingest.New(logger, ingest.Config{
		Source:    src,
		Store:     st,
		Enricher:  esiClient,
		Topology:  holder,
		Retention: time.Duration(cfg.RetentionHours) * time.Hour,
	})

	started := time.Now()
	var (
		wg    sync.WaitGroup
		pipes []status.Pipeline
	)
	for _, prof := range profiles {
		topo := holder
		if prof.TopologyPath != "" {
			over, ok := holders[prof.TopologyPath]
			if !ok {
				over, err = topology.NewHolder(prof.TopologyPath)
				if err != nil {
					return fmt.Errorf("profile %s topology: %w", prof.Name, err)
				}
				holders[prof.TopologyPath] = over
			}
			topo = over
		}

		sender := deliver.NewWebhookSender(logger, prof.WebhookURL, deliver.SenderOptions{})
		del := deliver.New(logger, prof, sender)
		worker := notify.New(logger, notify.Config{
			Profile:   prof,
			Store:     st,
			Names:     esiClient,
			Topology:  topo,
			Deliverer: del,
			StartedAt: started,
		})
		pipes = append(pipes, status.Pipeline{Worker: worker, Deliverer: del})

		wg.Add(2)
		go func() { defer wg.Done(); del.Run(ctx) }()
		go func() { defer wg.Done(); worker.Run(ctx) }()
	}

	wg.Add(1)
	go func() { defer wg.Done(); poller.Run(ctx) }()

	srv := status.New(logger, cfg.StatusAddr, st, poller, holder, pipes)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			logger.Errorf("status server: %v", err)
		}
	}()

	// SIGHUP reloads every topology document in place; workers pick up the
	// new index on their next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				for path, h := range holders {
					if err := h.Rebuild(); err != nil {
						logger.Errorf("reloading topology %s: %v", path, err)
						continue
					}
					logger.Infof("topology %s reloaded", path)
				}
			}
		}
	}()

	logger.Infof("killwatch started: feed=%s profiles=%d status=%s",
		cfg.Feed.Mode, len(profiles), cfg.StatusAddr)

	<-ctx.Done()
	logger.Infof("received shutdown signal")
	wg.Wait()
	return nil
}

// newSource builds the configured killmail feed.
func newSource(logger *logrus.Logger, cfg *config.AppConfig) (feed.Source, error) {
	switch cfg.Feed.Mode {
	case config.FeedWebsocket:
		return feed.NewZKillSocket(logger, cfg.Feed.WebsocketURL), nil
	default:
		return feed.NewRedisQ(logger, feed.RedisQOptions{
			URL:       cfg.Feed.RedisQURL,
			UserAgent: cfg.Feed.UserAgent,
			DataDir:   cfg.DataDir,
		})
	}
}
