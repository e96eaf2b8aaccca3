package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"vttsync/internal/audio"
	"vttsync/internal/client"
	"vttsync/internal/rolls"
	"vttsync/internal/session"
)

func main() {
	configPath := flag.String("config", "", "config file (defaults to $VTTSYNC_CONFIG or ./vttsync.yaml)")
	roll := flag.String("roll", "", "dice expression to roll and share, e.g. 1d20+5")
	label := flag.String("label", "", "label for -roll")
	advantage := flag.Bool("adv", false, "roll -roll with advantage")
	disadvantage := flag.Bool("dis", false, "roll -roll with disadvantage")
	watch := flag.Bool("watch", false, "print the view on every change until interrupted")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var (
		cfg  client.Config
		path string
		err  error
	)
	if *configPath != "" {
		cfg, path, err = client.LoadConfigFile(*configPath)
	} else {
		cfg, path, err = client.LoadConfig()
	}
	if err != nil {
		log.Fatalf("load config %s: %v", path, err)
	}

	remote, err := client.NewRemote(client.RemoteConfig{
		ServerURL: cfg.Server.URL,
		Token:     cfg.Server.Token,
		Identity:  cfg.Identity(),
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	feedOpts := cfg.Feed
	feedOpts.Logger = logger
	ctrl, err := session.New(session.Config{
		CampaignID: cfg.Session.CampaignID,
		MapID:      cfg.Session.MapID,
		Identity:   cfg.Identity(),
		Backend:    remote,
		Output:     audio.LogOutput{Logger: logger},
		Tracks:     audio.TrackMap(cfg.Tracks),
		Logger:     logger,
		Write:      cfg.Write,
		Feed:       feedOpts,
	})
	if err != nil {
		log.Fatalf("session: %v", err)
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	if *roll != "" {
		r, err := ctrl.Rolls.Roll(ctx, rolls.Request{
			Expression:   *roll,
			Label:        *label,
			Advantage:    *advantage,
			Disadvantage: *disadvantage,
		})
		if err != nil {
			log.Fatalf("roll: %v", err)
		}
		logger.Info("rolled", slog.String("expression", r.Expression), slog.Int("result", r.Result))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if !*watch {
		_ = enc.Encode(ctrl.State().View())
		return
	}

	changes, cancel := ctrl.State().Watch()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			_ = enc.Encode(ctrl.State().View())
		}
	}
}
