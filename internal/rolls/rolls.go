// Package rolls broadcasts dice rolls to everyone in a campaign. A local roll
// shows up in the history before it is persisted; the echo from the feed is
// matched by id so it is never counted twice.
package rolls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vttsync/internal/apperr"
	"vttsync/internal/dice"
	"vttsync/internal/feed"
	"vttsync/internal/rowstore"
	"vttsync/internal/state"
	"vttsync/internal/tabletop"
	"vttsync/internal/writeback"
)

// HistorySize bounds the roll history.
const HistorySize = 20

// Config wires a Broadcaster.
type Config struct {
	CampaignID string
	Identity   tabletop.Identity
	Backend    rowstore.Writer
	State      *state.Store
	Writer     *writeback.Writer
	Tray       dice.Tray
	Logger     *slog.Logger
	NewID      func() string
	Now        func() time.Time
}

// Broadcaster owns the roll history of one campaign.
type Broadcaster struct {
	campaignID string
	identity   tabletop.Identity
	backend    rowstore.Writer
	state      *state.Store
	writer     *writeback.Writer
	tray       dice.Tray
	logger     *slog.Logger
	newID      func() string
	now        func() time.Time

	mu      sync.Mutex
	history []tabletop.DiceRoll
	// pending are local rolls not yet acknowledged; they survive a resnapshot.
	pending map[string]tabletop.DiceRoll
}

// New returns a Broadcaster for cfg.CampaignID.
func New(cfg Config) *Broadcaster {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Writer == nil {
		cfg.Writer = writeback.New(writeback.DefaultPolicy(), cfg.Logger)
	}
	if cfg.Tray == nil {
		cfg.Tray = dice.NewSeededTray()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broadcaster{
		campaignID: cfg.CampaignID,
		identity:   cfg.Identity,
		backend:    cfg.Backend,
		state:      cfg.State,
		writer:     cfg.Writer,
		tray:       cfg.Tray,
		logger:     cfg.Logger.With(slog.String("component", "rolls"), slog.String("campaign_id", cfg.CampaignID)),
		newID:      cfg.NewID,
		now:        cfg.Now,
		history:    []tabletop.DiceRoll{},
		pending:    make(map[string]tabletop.DiceRoll),
	}
}

// Key is the roll feed of the campaign.
func (b *Broadcaster) Key() feed.Key {
	return feed.Key{Table: tabletop.TableDiceRolls, Filter: rowstore.Filter{"campaign_id": b.campaignID}}
}

// Request describes a roll to make.
type Request struct {
	Expression   string
	Label        string
	CharacterID  string
	Advantage    bool
	Disadvantage bool
}

// Roll parses and rolls req, then appends the result.
func (b *Broadcaster) Roll(ctx context.Context, req Request) (tabletop.DiceRoll, error) {
	expr, err := dice.Parse(req.Expression)
	if err != nil {
		return tabletop.DiceRoll{}, err
	}
	breakdown, err := dice.Evaluate(expr, b.tray, dice.ModeOf(req.Advantage, req.Disadvantage))
	if err != nil {
		return tabletop.DiceRoll{}, err
	}
	roll := tabletop.DiceRoll{
		ID:           b.newID(),
		CampaignID:   b.campaignID,
		UserID:       b.identity.UserID,
		CharacterID:  req.CharacterID,
		Expression:   expr.String(),
		Result:       breakdown.Total(),
		Breakdown:    breakdown,
		Label:        strings.TrimSpace(req.Label),
		Advantage:    req.Advantage,
		Disadvantage: req.Disadvantage,
		CreatedAt:    b.now().UTC(),
	}
	return roll, b.Append(ctx, roll)
}

// Append shows roll in the history at once and persists it. If the write
// fails for good the roll is taken back out.
func (b *Broadcaster) Append(ctx context.Context, roll tabletop.DiceRoll) error {
	if roll.ID == "" {
		roll.ID = b.newID()
	}
	if roll.CampaignID == "" {
		roll.CampaignID = b.campaignID
	}
	if roll.CampaignID != b.campaignID {
		return apperr.Validation("roll belongs to campaign %s", roll.CampaignID)
	}
	if roll.UserID == "" {
		roll.UserID = b.identity.UserID
	}
	if roll.CreatedAt.IsZero() {
		roll.CreatedAt = b.now().UTC()
	}
	if roll.Breakdown.Dice == nil {
		roll.Breakdown.Dice = []tabletop.Die{}
	}
	data, err := json.Marshal(roll)
	if err != nil {
		return fmt.Errorf("encode roll: %w", err)
	}

	b.mu.Lock()
	b.pending[roll.ID] = roll
	b.insertLocked(roll)
	b.publishLocked()
	b.mu.Unlock()

	_, err = writeback.Do(ctx, b.writer, "append roll", func(ctx context.Context) (rowstore.Row, error) {
		return b.backend.Insert(ctx, tabletop.TableDiceRolls, roll.ID, data)
	})
	// A conflict means an earlier attempt landed before its response was lost.
	if errors.Is(err, rowstore.ErrConflict) {
		err = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, roll.ID)
	if err != nil {
		b.removeLocked(roll.ID)
		b.publishLocked()
		b.logger.Error("roll write failed, removed",
			slog.String("roll_id", roll.ID),
			slog.String("error", err.Error()))
		b.state.Notify(state.LevelError, "rolls", "Could not share roll "+roll.Expression+"; it was removed.")
		return err
	}
	return nil
}

// History returns the rolls newest first.
func (b *Broadcaster) History() []tabletop.DiceRoll {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tabletop.DiceRoll(nil), b.history...)
}

// Reset replaces the history with a snapshot, keeping local rolls still in
// flight.
func (b *Broadcaster) Reset(rows []rowstore.Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = b.history[:0]
	for _, row := range rows {
		roll, err := decodeRoll(row)
		if err != nil {
			b.logger.Warn("skipping malformed roll", slog.String("id", row.ID), slog.String("error", err.Error()))
			continue
		}
		b.insertLocked(roll)
	}
	for _, roll := range b.pending {
		b.insertLocked(roll)
	}
	b.publishLocked()
	return nil
}

// Apply merges one feed event.
func (b *Broadcaster) Apply(ev rowstore.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.Type == rowstore.EventDelete {
		if b.removeLocked(ev.Row.ID) {
			b.publishLocked()
		}
		return nil
	}
	roll, err := decodeRoll(ev.Row)
	if err != nil {
		return err
	}
	if roll.CampaignID != b.campaignID {
		return nil
	}
	// Rolls are append-only: a row already in the history is never rewritten.
	if b.hasLocked(roll.ID) {
		if ev.Type == rowstore.EventUpdate {
			b.logger.Warn("ignoring update to recorded roll", slog.String("roll_id", roll.ID))
		}
		return nil
	}
	b.insertLocked(roll)
	b.publishLocked()
	return nil
}

func (b *Broadcaster) hasLocked(id string) bool {
	for i := range b.history {
		if b.history[i].ID == id {
			return true
		}
	}
	return false
}

// insertLocked adds or replaces roll by id, keeps newest first and trims the
// oldest entries past HistorySize.
func (b *Broadcaster) insertLocked(roll tabletop.DiceRoll) {
	for i := range b.history {
		if b.history[i].ID == roll.ID {
			b.history[i] = roll
			return
		}
	}
	b.history = append(b.history, roll)
	sort.SliceStable(b.history, func(i, j int) bool {
		if !b.history[i].CreatedAt.Equal(b.history[j].CreatedAt) {
			return b.history[i].CreatedAt.After(b.history[j].CreatedAt)
		}
		return b.history[i].ID > b.history[j].ID
	})
	if len(b.history) > HistorySize {
		b.history = b.history[:HistorySize]
	}
}

func (b *Broadcaster) removeLocked(id string) bool {
	for i := range b.history {
		if b.history[i].ID == id {
			b.history = append(b.history[:i], b.history[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Broadcaster) publishLocked() {
	b.state.SetRolls(b.history)
}

func decodeRoll(row rowstore.Row) (tabletop.DiceRoll, error) {
	var roll tabletop.DiceRoll
	if err := row.Decode(&roll); err != nil {
		return tabletop.DiceRoll{}, fmt.Errorf("decode roll %s: %w", row.ID, err)
	}
	roll.ID = row.ID
	return roll, nil
}
