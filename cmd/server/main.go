package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vttsync/internal/server"
	"vttsync/internal/tabletop"
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	issueFor := flag.String("issue-token", "", "print a bearer token for this user id and exit")
	issueRole := flag.String("role", "player", "role for -issue-token (dm or player)")
	issueTTL := flag.Duration("ttl", 24*time.Hour, "lifetime for -issue-token")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load %s: %v", *envFile, err)
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if *issueFor != "" {
		id := tabletop.Identity{UserID: *issueFor, IsDM: tabletop.ParseRole(*issueRole) == tabletop.RoleDM}
		token, err := server.IssueToken(cfg.AuthSecret, id, *issueTTL)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		_, _ = os.Stdout.WriteString(token + "\n")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := server.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	app := server.New(cfg, store)
	if err := app.Run(ctx); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
