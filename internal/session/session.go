// Package session wires every synchronizer of one client to a single row
// store and owns the state store they write to.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"vttsync/internal/apperr"
	"vttsync/internal/audio"
	"vttsync/internal/combat"
	"vttsync/internal/dice"
	"vttsync/internal/feed"
	"vttsync/internal/fog"
	"vttsync/internal/rolls"
	"vttsync/internal/rowstore"
	"vttsync/internal/state"
	"vttsync/internal/tabletop"
	"vttsync/internal/tokens"
	"vttsync/internal/writeback"
)

const defaultReadyTimeout = 10 * time.Second

// Config describes one client session.
type Config struct {
	CampaignID   string
	MapID        string
	Identity     tabletop.Identity
	Backend      rowstore.Backend
	Tray         dice.Tray
	Output       audio.Output
	Tracks       audio.TrackResolver
	Directory    tokens.Directory
	Logger       *slog.Logger
	Write        writeback.Policy
	Feed         feed.Options
	ReadyTimeout time.Duration
}

// Controller owns the state store and the synchronizers feeding it.
type Controller struct {
	Tokens *tokens.Synchronizer
	Fog    *fog.Synchronizer
	Combat *combat.Synchronizer
	Audio  *audio.Engine
	Rolls  *rolls.Broadcaster

	cfg    Config
	state  *state.Store
	logger *slog.Logger

	mu        sync.Mutex
	streams   []*feed.Stream
	started   bool
	closeOnce sync.Once
}

// New builds a controller. Nothing touches the network until Start.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.CampaignID == "":
		return nil, apperr.Validation("campaign id is required")
	case cfg.MapID == "":
		return nil, apperr.Validation("map id is required")
	case cfg.Identity.UserID == "":
		return nil, apperr.Validation("user id is required")
	case cfg.Backend == nil:
		return nil, apperr.Validation("row store backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Directory == nil {
		cfg.Directory = tokens.RowDirectory{Reader: cfg.Backend}
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.Feed.Logger == nil {
		cfg.Feed.Logger = cfg.Logger
	}

	st := state.New(cfg.CampaignID)
	w := writeback.New(cfg.Write, cfg.Logger)
	return &Controller{
		Tokens: tokens.New(tokens.Config{
			MapID:     cfg.MapID,
			Identity:  cfg.Identity,
			Backend:   cfg.Backend,
			State:     st,
			Writer:    w,
			Directory: cfg.Directory,
			Logger:    cfg.Logger,
		}),
		Fog: fog.New(fog.Config{
			MapID:    cfg.MapID,
			Identity: cfg.Identity,
			Backend:  cfg.Backend,
			State:    st,
			Writer:   w,
			Logger:   cfg.Logger,
		}),
		Combat: combat.New(combat.Config{
			MapID:    cfg.MapID,
			Identity: cfg.Identity,
			Backend:  cfg.Backend,
			State:    st,
			Writer:   w,
			Logger:   cfg.Logger,
		}),
		Audio: audio.New(audio.Config{
			CampaignID: cfg.CampaignID,
			Identity:   cfg.Identity,
			Backend:    cfg.Backend,
			State:      st,
			Writer:     w,
			Output:     cfg.Output,
			Tracks:     cfg.Tracks,
			Logger:     cfg.Logger,
		}),
		Rolls: rolls.New(rolls.Config{
			CampaignID: cfg.CampaignID,
			Identity:   cfg.Identity,
			Backend:    cfg.Backend,
			State:      st,
			Writer:     w,
			Tray:       cfg.Tray,
			Logger:     cfg.Logger,
		}),
		cfg:    cfg,
		state:  st,
		logger: cfg.Logger.With(slog.String("campaign_id", cfg.CampaignID), slog.String("map_id", cfg.MapID)),
	}, nil
}

// State is the store the renderer reads.
func (c *Controller) State() *state.Store { return c.state }

// Identity is the user this session acts as.
func (c *Controller) Identity() tabletop.Identity { return c.cfg.Identity }

type subscription struct {
	key     feed.Key
	handler feed.Handler
}

func (c *Controller) subscriptions() []subscription {
	return []subscription{
		{feed.Key{Table: tabletop.TableMapSessions, Filter: rowstore.Filter{"id": c.cfg.MapID}}, mapHandler{c}},
		{c.Tokens.Key(), c.Tokens},
		{c.Fog.Key(), c.Fog},
		{c.Combat.EncounterKey(), c.Combat.Encounters()},
		{c.Combat.ParticipantKey(), c.Combat.Participants()},
		{c.Audio.Key(), c.Audio},
		{c.Rolls.Key(), c.Rolls},
	}
}

// Start opens every resource stream concurrently and returns once each has
// delivered its first snapshot. Streams keep reconnecting in the background
// until Close.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return apperr.New(apperr.KindConflict, "session already started")
	}
	c.started = true
	f := feed.New(c.cfg.Backend, c.cfg.Feed)
	for _, sub := range c.subscriptions() {
		c.streams = append(c.streams, f.Subscribe(context.Background(), sub.key, sub.handler))
	}
	streams := append([]*feed.Stream(nil), c.streams...)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadyTimeout)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		g.Go(func() error {
			select {
			case <-s.Ready():
				return nil
			case <-ctx.Done():
				return apperr.Transient("waiting for first snapshot", ctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error("session start failed", slog.String("error", err.Error()))
		return fmt.Errorf("start session: %w", err)
	}
	c.logger.Info("session started", slog.Int("streams", len(streams)))
	return nil
}

// Close stops every stream and closes the state store. Writes still in
// flight complete against the backend but no longer reach the store.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		streams := c.streams
		c.streams = nil
		c.mu.Unlock()
		for _, s := range streams {
			err = multierr.Append(err, s.Close())
		}
		c.state.Close()
	})
	return err
}

// mapHandler keeps the map session row in the state store.
type mapHandler struct{ c *Controller }

func (h mapHandler) Reset(rows []rowstore.Row) error {
	for _, row := range rows {
		if row.ID == h.c.cfg.MapID {
			return h.apply(row)
		}
	}
	h.c.logger.Warn("map session row not found")
	return nil
}

func (h mapHandler) Apply(ev rowstore.Event) error {
	if ev.Row.ID != h.c.cfg.MapID || ev.Type == rowstore.EventDelete {
		return nil
	}
	return h.apply(ev.Row)
}

func (h mapHandler) apply(row rowstore.Row) error {
	var m tabletop.MapSession
	if err := row.Decode(&m); err != nil {
		return fmt.Errorf("decode map session %s: %w", row.ID, err)
	}
	m.ID = row.ID
	h.c.state.SetMap(m)
	return nil
}
