// Package tokens keeps the tokens of one map in sync. Local edits are applied
// to the state store immediately and written through; remote events merge by
// id with last-write-wins, and a failed write puts back the last row the
// server confirmed.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vttsync/internal/apperr"
	"vttsync/internal/feed"
	"vttsync/internal/rowstore"
	"vttsync/internal/state"
	"vttsync/internal/tabletop"
	"vttsync/internal/writeback"
)

const lookupTimeout = 5 * time.Second

// Config wires a Synchronizer.
type Config struct {
	MapID     string
	Identity  tabletop.Identity
	Backend   rowstore.Writer
	State     *state.Store
	Writer    *writeback.Writer
	Directory Directory
	Logger    *slog.Logger
	NewID     func() string
}

// Synchronizer owns token state for one map.
type Synchronizer struct {
	mapID     string
	identity  tabletop.Identity
	backend   rowstore.Writer
	state     *state.Store
	writer    *writeback.Writer
	directory Directory
	logger    *slog.Logger
	newID     func() string

	mu sync.Mutex
	// confirmed holds the last row the server acknowledged per token.
	confirmed map[string]tabletop.Token
	// versions is the newest applied version per id, deletes included.
	versions    map[string]int64
	pending     map[string]int
	projections map[string]tabletop.Projection
}

// New returns a Synchronizer for cfg.MapID.
func New(cfg Config) *Synchronizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Writer == nil {
		cfg.Writer = writeback.New(writeback.DefaultPolicy(), cfg.Logger)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Synchronizer{
		mapID:       cfg.MapID,
		identity:    cfg.Identity,
		backend:     cfg.Backend,
		state:       cfg.State,
		writer:      cfg.Writer,
		directory:   cfg.Directory,
		logger:      cfg.Logger.With(slog.String("component", "tokens"), slog.String("map_id", cfg.MapID)),
		newID:       cfg.NewID,
		confirmed:   make(map[string]tabletop.Token),
		versions:    make(map[string]int64),
		pending:     make(map[string]int),
		projections: make(map[string]tabletop.Projection),
	}
}

// Key is the feed this synchronizer consumes.
func (s *Synchronizer) Key() feed.Key {
	return feed.Key{Table: tabletop.TableTokens, Filter: rowstore.Filter{"map_id": s.mapID}}
}

// Move is a position change.
type Move struct {
	X        float64
	Y        float64
	Rotation *float64
}

// Visual is a partial token update; nil fields are left alone.
type Visual struct {
	Color      *string
	Size       *tabletop.SizeCategory
	Rotation   *float64
	Scale      *float64
	VisibleTo  *[]string
	Conditions *[]string
	HPCurrent  *int
	HPMax      *int
}

func (v Visual) fields() (rowstore.Fields, error) {
	f := rowstore.Fields{}
	if v.Color != nil {
		f["color"] = *v.Color
	}
	if v.Size != nil {
		if !v.Size.Valid() {
			return nil, apperr.Validation("unknown size category %q", *v.Size)
		}
		f["size"] = *v.Size
	}
	if v.Rotation != nil {
		if !tabletop.Finite(*v.Rotation) {
			return nil, apperr.Validation("rotation must be finite")
		}
		f["rotation"] = *v.Rotation
	}
	if v.Scale != nil {
		if !tabletop.Finite(*v.Scale) || *v.Scale <= 0 {
			return nil, apperr.Validation("scale must be positive")
		}
		f["scale"] = *v.Scale
	}
	if v.VisibleTo != nil {
		f["visible_to"] = nonNil(*v.VisibleTo)
	}
	if v.Conditions != nil {
		f["conditions"] = nonNil(*v.Conditions)
	}
	if v.HPCurrent != nil {
		f["hp_current"] = *v.HPCurrent
	}
	if v.HPMax != nil {
		if *v.HPMax < 0 {
			return nil, apperr.Validation("hp_max must not be negative")
		}
		f["hp_max"] = *v.HPMax
	}
	if len(f) == 0 {
		return nil, apperr.Validation("no fields to update")
	}
	return f, nil
}

func (v Visual) apply(t *tabletop.Token) {
	if v.Color != nil {
		t.Color = *v.Color
	}
	if v.Size != nil {
		t.Size = *v.Size
	}
	if v.Rotation != nil {
		t.Rotation = *v.Rotation
	}
	if v.Scale != nil {
		t.Scale = *v.Scale
	}
	if v.VisibleTo != nil {
		t.VisibleTo = nonNil(*v.VisibleTo)
	}
	if v.Conditions != nil {
		t.Conditions = nonNil(*v.Conditions)
	}
	if v.HPCurrent != nil {
		hp := *v.HPCurrent
		t.HPCurrent = &hp
	}
	if v.HPMax != nil {
		hp := *v.HPMax
		t.HPMax = &hp
	}
}

// MoveToken moves a token. Only the position fields are written.
func (s *Synchronizer) MoveToken(ctx context.Context, id string, m Move) error {
	if !tabletop.Finite(m.X, m.Y) {
		return apperr.Validation("token position must be finite")
	}
	fields := rowstore.Fields{"x": m.X, "y": m.Y}
	if m.Rotation != nil {
		if !tabletop.Finite(*m.Rotation) {
			return apperr.Validation("rotation must be finite")
		}
		fields["rotation"] = *m.Rotation
	}
	return s.patch(ctx, "move token", id, fields, func(t *tabletop.Token) {
		t.X, t.Y = m.X, m.Y
		if m.Rotation != nil {
			t.Rotation = *m.Rotation
		}
	})
}

// UpdateTokenVisual changes appearance fields. Only the set fields are written.
func (s *Synchronizer) UpdateTokenVisual(ctx context.Context, id string, v Visual) error {
	fields, err := v.fields()
	if err != nil {
		return err
	}
	return s.patch(ctx, "update token", id, fields, v.apply)
}

func (s *Synchronizer) patch(ctx context.Context, op, id string, fields rowstore.Fields, mutate func(*tabletop.Token)) error {
	s.mu.Lock()
	cur, ok := s.state.Token(id)
	if !ok {
		s.mu.Unlock()
		return apperr.NotFound("token %s not found", id)
	}
	if !s.identity.CanEditToken(cur) {
		s.mu.Unlock()
		return apperr.Permission("token %s belongs to another player", id)
	}
	mutate(&cur)
	s.state.PutToken(cur)
	s.pending[id]++
	s.mu.Unlock()

	row, err := writeback.Do(ctx, s.writer, op, func(ctx context.Context) (rowstore.Row, error) {
		return s.backend.Patch(ctx, tabletop.TableTokens, id, fields)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id]--
	if s.pending[id] <= 0 {
		delete(s.pending, id)
	}
	if err != nil {
		s.rollbackLocked(id, op, err)
		return err
	}
	s.applyRowLocked(row, rowstore.EventUpdate)
	return nil
}

// NewToken describes a token to place.
type NewToken struct {
	ID          string
	CharacterID string
	OwnerID     string
	X           float64
	Y           float64
	Size        tabletop.SizeCategory
	Color       string
	Rotation    float64
	VisibleTo   []string
	Conditions  []string
	HPCurrent   *int
	HPMax       *int
	Scale       float64
}

// AddToken places a token on the map. Players may only place tokens they own.
func (s *Synchronizer) AddToken(ctx context.Context, nt NewToken) (tabletop.Token, error) {
	if !tabletop.Finite(nt.X, nt.Y, nt.Rotation, nt.Scale) {
		return tabletop.Token{}, apperr.Validation("token geometry must be finite")
	}
	if nt.Size == "" {
		nt.Size = tabletop.SizeMedium
	}
	if !nt.Size.Valid() {
		return tabletop.Token{}, apperr.Validation("unknown size category %q", nt.Size)
	}
	if nt.Scale == 0 {
		nt.Scale = 1
	}
	if nt.Scale < 0 {
		return tabletop.Token{}, apperr.Validation("scale must be positive")
	}
	if !s.identity.IsDM {
		if nt.OwnerID == "" {
			nt.OwnerID = s.identity.UserID
		}
		if nt.OwnerID != s.identity.UserID {
			return tabletop.Token{}, apperr.Permission("players may only place their own tokens")
		}
	}
	if nt.ID == "" {
		nt.ID = s.newID()
	}

	t := tabletop.Token{
		ID:          nt.ID,
		MapID:       s.mapID,
		CharacterID: nt.CharacterID,
		OwnerID:     nt.OwnerID,
		X:           nt.X,
		Y:           nt.Y,
		Size:        nt.Size,
		Color:       nt.Color,
		Rotation:    nt.Rotation,
		VisibleTo:   nonNil(nt.VisibleTo),
		Conditions:  nonNil(nt.Conditions),
		HPCurrent:   nt.HPCurrent,
		HPMax:       nt.HPMax,
		Scale:       nt.Scale,
	}
	data, err := json.Marshal(t)
	if err != nil {
		return tabletop.Token{}, fmt.Errorf("encode token: %w", err)
	}

	s.resolve(ctx, t.CharacterID)

	s.mu.Lock()
	if _, exists := s.state.Token(t.ID); exists {
		s.mu.Unlock()
		return tabletop.Token{}, apperr.New(apperr.KindConflict, "token "+t.ID+" already exists")
	}
	s.state.PutToken(s.projectLocked(t))
	s.pending[t.ID]++
	s.mu.Unlock()

	row, err := writeback.Do(ctx, s.writer, "add token", func(ctx context.Context) (rowstore.Row, error) {
		return s.backend.Insert(ctx, tabletop.TableTokens, t.ID, data)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[t.ID]--
	if s.pending[t.ID] <= 0 {
		delete(s.pending, t.ID)
	}
	if err != nil {
		s.rollbackLocked(t.ID, "add token", err)
		return tabletop.Token{}, err
	}
	s.applyRowLocked(row, rowstore.EventInsert)
	return t, nil
}

// RemoveToken deletes a token.
func (s *Synchronizer) RemoveToken(ctx context.Context, id string) error {
	s.mu.Lock()
	cur, ok := s.state.Token(id)
	if !ok {
		s.mu.Unlock()
		return apperr.NotFound("token %s not found", id)
	}
	if !s.identity.CanEditToken(cur) {
		s.mu.Unlock()
		return apperr.Permission("token %s belongs to another player", id)
	}
	s.state.RemoveToken(id)
	s.pending[id]++
	s.mu.Unlock()

	row, err := writeback.Do(ctx, s.writer, "remove token", func(ctx context.Context) (rowstore.Row, error) {
		return s.backend.Delete(ctx, tabletop.TableTokens, id)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id]--
	if s.pending[id] <= 0 {
		delete(s.pending, id)
	}
	if err != nil {
		if errors.Is(err, rowstore.ErrNotFound) {
			// Someone else removed it first.
			delete(s.confirmed, id)
			return nil
		}
		s.rollbackLocked(id, "remove token", err)
		return err
	}
	s.applyRowLocked(row, rowstore.EventDelete)
	return nil
}

// SetProjection seeds the display data for a character.
func (s *Synchronizer) SetProjection(characterID string, p tabletop.Projection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projections[characterID] = p
	for id, t := range s.confirmed {
		if t.CharacterID != characterID || s.pending[id] > 0 {
			continue
		}
		s.state.PutToken(s.projectLocked(t))
	}
}

// Reset replaces all tokens with a snapshot. Remote state wins over any
// pending local write.
func (s *Synchronizer) Reset(rows []rowstore.Row) error {
	tokens := make([]tabletop.Token, 0, len(rows))
	versions := make(map[string]int64, len(rows))
	var bad int
	for _, row := range rows {
		t, err := decodeToken(row)
		if err != nil {
			bad++
			s.logger.Warn("skipping malformed token row", slog.String("id", row.ID), slog.String("error", err.Error()))
			continue
		}
		tokens = append(tokens, t)
		versions[t.ID] = row.Version
	}
	s.prefetch(tokens)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = make(map[string]tabletop.Token, len(tokens))
	projected := make([]tabletop.Token, 0, len(tokens))
	for _, t := range tokens {
		s.confirmed[t.ID] = t
		s.versions[t.ID] = versions[t.ID]
		projected = append(projected, s.projectLocked(t))
	}
	s.state.ResetTokens(projected)
	if bad > 0 {
		return fmt.Errorf("%d malformed token rows", bad)
	}
	return nil
}

// Apply merges one remote event.
func (s *Synchronizer) Apply(ev rowstore.Event) error {
	if ev.Type == rowstore.EventDelete {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.applyRowLocked(ev.Row, ev.Type)
		return nil
	}
	t, err := decodeToken(ev.Row)
	if err != nil {
		return err
	}
	s.prefetch([]tabletop.Token{t})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyRowLocked(ev.Row, ev.Type)
	return nil
}

// applyRowLocked applies a server row unless something newer is already in.
func (s *Synchronizer) applyRowLocked(row rowstore.Row, typ rowstore.EventType) {
	if row.Version <= s.versions[row.ID] {
		s.logger.Debug("dropping stale token row",
			slog.String("id", row.ID),
			slog.Int64("version", row.Version),
			slog.Int64("applied", s.versions[row.ID]))
		return
	}
	s.versions[row.ID] = row.Version

	if typ == rowstore.EventDelete {
		delete(s.confirmed, row.ID)
		s.state.RemoveToken(row.ID)
		return
	}
	t, err := decodeToken(row)
	if err != nil {
		s.logger.Warn("malformed token row", slog.String("id", row.ID), slog.String("error", err.Error()))
		return
	}
	if t.MapID != s.mapID {
		delete(s.confirmed, t.ID)
		s.state.RemoveToken(t.ID)
		return
	}
	s.confirmed[t.ID] = t
	s.state.PutToken(s.projectLocked(t))
}

// rollbackLocked puts back the last confirmed row and tells the user.
func (s *Synchronizer) rollbackLocked(id, op string, err error) {
	if t, ok := s.confirmed[id]; ok {
		s.state.PutToken(s.projectLocked(t))
	} else {
		s.state.RemoveToken(id)
	}
	s.logger.Error("token write failed, reverted",
		slog.String("op", op),
		slog.String("id", id),
		slog.String("error", err.Error()))
	s.state.Notify(state.LevelError, "tokens", fmt.Sprintf("Could not %s; change reverted.", op))
}

func (s *Synchronizer) projectLocked(t tabletop.Token) tabletop.Token {
	t = t.Clone()
	t.Projection = nil
	if t.CharacterID == "" {
		return t
	}
	if p, ok := s.projections[t.CharacterID]; ok {
		t.Projection = &p
	}
	return t
}

// prefetch loads projections for characters not seen yet.
func (s *Synchronizer) prefetch(tokens []tabletop.Token) {
	if s.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	for _, t := range tokens {
		s.resolve(ctx, t.CharacterID)
	}
}

func (s *Synchronizer) resolve(ctx context.Context, characterID string) {
	if s.directory == nil || characterID == "" {
		return
	}
	s.mu.Lock()
	_, known := s.projections[characterID]
	s.mu.Unlock()
	if known {
		return
	}
	c, err := s.directory.Character(ctx, characterID)
	if err != nil {
		s.logger.Debug("character lookup failed",
			slog.String("character_id", characterID),
			slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	s.projections[characterID] = tabletop.Projection{Name: c.Name, AvatarURL: c.AvatarURL}
	s.mu.Unlock()
}

func decodeToken(row rowstore.Row) (tabletop.Token, error) {
	var t tabletop.Token
	if err := row.Decode(&t); err != nil {
		return tabletop.Token{}, err
	}
	t.ID = row.ID
	if t.Size == "" {
		t.Size = tabletop.SizeMedium
	}
	if t.Scale == 0 {
		t.Scale = 1
	}
	return t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}
