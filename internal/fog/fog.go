// Package fog keeps the fog-of-war document of one map in sync. The document
// is written whole on every edit, so concurrent writers would overwrite each
// other; only the DM edits it.
package fog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"vttsync/internal/apperr"
	"vttsync/internal/feed"
	"vttsync/internal/rowstore"
	"vttsync/internal/state"
	"vttsync/internal/tabletop"
	"vttsync/internal/writeback"
)

// Config wires a Synchronizer.
type Config struct {
	MapID    string
	Identity tabletop.Identity
	Backend  rowstore.Writer
	State    *state.Store
	Writer   *writeback.Writer
	Logger   *slog.Logger
}

// Synchronizer owns the fog document of one map.
type Synchronizer struct {
	mapID    string
	identity tabletop.Identity
	backend  rowstore.Writer
	state    *state.Store
	writer   *writeback.Writer
	logger   *slog.Logger

	mu        sync.Mutex
	current   tabletop.FogDocument
	confirmed *tabletop.FogDocument
	version   int64
}

// New returns a Synchronizer for cfg.MapID.
func New(cfg Config) *Synchronizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Writer == nil {
		cfg.Writer = writeback.New(writeback.DefaultPolicy(), cfg.Logger)
	}
	return &Synchronizer{
		mapID:    cfg.MapID,
		identity: cfg.Identity,
		backend:  cfg.Backend,
		state:    cfg.State,
		writer:   cfg.Writer,
		logger:   cfg.Logger.With(slog.String("component", "fog"), slog.String("map_id", cfg.MapID)),
		current:  empty(cfg.MapID),
	}
}

func empty(mapID string) tabletop.FogDocument {
	return tabletop.FogDocument{MapID: mapID, Shapes: []tabletop.Shape{}}
}

// Key is the feed this synchronizer consumes.
func (s *Synchronizer) Key() feed.Key {
	return feed.Key{Table: tabletop.TableFogDocuments, Filter: rowstore.Filter{"map_id": s.mapID}}
}

// Document returns the document as currently displayed.
func (s *Synchronizer) Document() tabletop.FogDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// RevealArea uncovers shape. Each call appends one shape.
func (s *Synchronizer) RevealArea(ctx context.Context, shape tabletop.Shape) error {
	shape.Subtract = true
	return s.addShape(ctx, "reveal area", shape)
}

// HideArea covers shape. Each call appends one shape.
func (s *Synchronizer) HideArea(ctx context.Context, shape tabletop.Shape) error {
	shape.Subtract = false
	return s.addShape(ctx, "hide area", shape)
}

// SetRevealed switches the base between fully hidden and fully revealed.
func (s *Synchronizer) SetRevealed(ctx context.Context, revealed bool) error {
	return s.edit(ctx, "set fog base", func(doc *tabletop.FogDocument) {
		doc.Revealed = revealed
	})
}

// Clear drops every shape, leaving only the base.
func (s *Synchronizer) Clear(ctx context.Context) error {
	return s.edit(ctx, "clear fog", func(doc *tabletop.FogDocument) {
		doc.Shapes = []tabletop.Shape{}
	})
}

func (s *Synchronizer) addShape(ctx context.Context, op string, shape tabletop.Shape) error {
	if err := ValidateShape(shape); err != nil {
		return err
	}
	shape.Points = append([]tabletop.Point(nil), shape.Points...)
	return s.edit(ctx, op, func(doc *tabletop.FogDocument) {
		doc.Shapes = append(doc.Shapes, shape)
	})
}

func (s *Synchronizer) edit(ctx context.Context, op string, mutate func(*tabletop.FogDocument)) error {
	if !s.identity.IsDM {
		return apperr.Permission("only the DM can edit fog")
	}

	s.mu.Lock()
	next := s.current.Clone()
	mutate(&next)
	data, err := json.Marshal(next)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode fog: %w", err)
	}
	s.current = next
	s.state.SetFog(next)
	s.mu.Unlock()

	row, err := writeback.Do(ctx, s.writer, op, func(ctx context.Context) (rowstore.Row, error) {
		return s.backend.Put(ctx, tabletop.TableFogDocuments, s.mapID, data)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.confirmed != nil {
			s.current = s.confirmed.Clone()
		} else {
			s.current = empty(s.mapID)
		}
		s.state.SetFog(s.current)
		s.logger.Error("fog write failed, reverted", slog.String("op", op), slog.String("error", err.Error()))
		s.state.Notify(state.LevelError, "fog", fmt.Sprintf("Could not %s; change reverted.", op))
		return err
	}
	s.applyLocked(row)
	return nil
}

// Reset takes the document from a snapshot.
func (s *Synchronizer) Reset(rows []rowstore.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if row.ID == s.mapID {
			s.version = 0
			return s.applyLocked(row)
		}
	}
	s.confirmed = nil
	s.version = 0
	s.current = empty(s.mapID)
	s.state.SetFog(s.current)
	return nil
}

// Apply merges one remote event. A newer remote document replaces the local
// one wholesale.
func (s *Synchronizer) Apply(ev rowstore.Event) error {
	if ev.Row.ID != s.mapID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Type == rowstore.EventDelete {
		if ev.Row.Version <= s.version {
			return nil
		}
		s.version = ev.Row.Version
		s.confirmed = nil
		s.current = empty(s.mapID)
		s.state.SetFog(s.current)
		return nil
	}
	return s.applyLocked(ev.Row)
}

func (s *Synchronizer) applyLocked(row rowstore.Row) error {
	if row.Version <= s.version {
		return nil
	}
	var doc tabletop.FogDocument
	if err := row.Decode(&doc); err != nil {
		return err
	}
	doc.MapID = s.mapID
	if doc.Shapes == nil {
		doc.Shapes = []tabletop.Shape{}
	}
	s.version = row.Version
	s.confirmed = &doc
	s.current = doc.Clone()
	s.state.SetFog(s.current)
	return nil
}
