package combat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

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
	NewID    func() string
}

// Synchronizer drives combat for one map. Only the DM issues commands;
// every client follows the encounter and participant rows.
type Synchronizer struct {
	mapID    string
	identity tabletop.Identity
	backend  rowstore.Writer
	state    *state.Store
	writer   *writeback.Writer
	logger   *slog.Logger
	newID    func() string

	// cmdMu serializes commands so each one sees the previous one's state.
	cmdMu sync.Mutex

	mu           sync.Mutex
	current      State
	pending      int
	encounters   map[string]tabletop.Encounter
	participants map[string]tabletop.Participant
	versions     map[string]int64
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
		mapID:        cfg.MapID,
		identity:     cfg.Identity,
		backend:      cfg.Backend,
		state:        cfg.State,
		writer:       cfg.Writer,
		logger:       cfg.Logger.With(slog.String("component", "combat"), slog.String("map_id", cfg.MapID)),
		newID:        cfg.NewID,
		current:      NewState(),
		encounters:   make(map[string]tabletop.Encounter),
		participants: make(map[string]tabletop.Participant),
		versions:     make(map[string]int64),
	}
}

// EncounterKey is the encounter feed of this map.
func (s *Synchronizer) EncounterKey() feed.Key {
	return feed.Key{Table: tabletop.TableEncounters, Filter: rowstore.Filter{"map_id": s.mapID}}
}

// ParticipantKey is the participant feed of this map. Rows are still matched
// to the active encounter client side.
func (s *Synchronizer) ParticipantKey() feed.Key {
	return feed.Key{Table: tabletop.TableParticipants, Filter: rowstore.Filter{"map_id": s.mapID}}
}

// Encounters handles the encounter feed.
func (s *Synchronizer) Encounters() feed.Handler { return encounterHandler{s} }

// Participants handles the participant feed.
func (s *Synchronizer) Participants() feed.Handler { return participantHandler{s} }

// State returns the combat state as displayed.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Start opens a new encounter on mapID.
func (s *Synchronizer) Start(ctx context.Context, name, mapID string) (tabletop.Encounter, error) {
	if mapID != "" && mapID != s.mapID {
		return tabletop.Encounter{}, apperr.Validation("encounter map %s is not the session map", mapID)
	}
	st, err := s.run(ctx, Command{Type: CmdStart, EncounterID: s.newID(), MapID: mapID, Name: name})
	if err != nil {
		return tabletop.Encounter{}, err
	}
	return st.Encounter, nil
}

// NextTurn advances to the next participant, wrapping into a new round.
func (s *Synchronizer) NextTurn(ctx context.Context) error {
	_, err := s.run(ctx, Command{Type: CmdNextTurn})
	return err
}

// PrevTurn steps back one participant. The round never drops below 1.
func (s *Synchronizer) PrevTurn(ctx context.Context) error {
	_, err := s.run(ctx, Command{Type: CmdPrevTurn})
	return err
}

// AddParticipant adds a token to the turn order by initiative.
func (s *Synchronizer) AddParticipant(ctx context.Context, tokenID string, initiative int) (tabletop.Participant, error) {
	id := s.newID()
	st, err := s.run(ctx, Command{Type: CmdAddParticipant, ParticipantID: id, TokenID: tokenID, Initiative: initiative})
	if err != nil {
		return tabletop.Participant{}, err
	}
	for _, p := range st.Participants {
		if p.ID == id {
			return p, nil
		}
	}
	return tabletop.Participant{}, apperr.NotFound("participant %s vanished", id)
}

// RemoveParticipant drops a participant from the turn order.
func (s *Synchronizer) RemoveParticipant(ctx context.Context, id string) error {
	_, err := s.run(ctx, Command{Type: CmdRemoveParticipant, ParticipantID: id})
	return err
}

// SetConditions replaces a participant's conditions.
func (s *Synchronizer) SetConditions(ctx context.Context, id string, conditions []string) error {
	_, err := s.run(ctx, Command{Type: CmdSetConditions, ParticipantID: id, Conditions: conditions})
	return err
}

// End archives the active encounter.
func (s *Synchronizer) End(ctx context.Context) error {
	_, err := s.run(ctx, Command{Type: CmdEnd})
	return err
}

// run applies cmd optimistically and persists each resulting event as one
// row write. On failure the display falls back to the confirmed rows.
func (s *Synchronizer) run(ctx context.Context, cmd Command) (State, error) {
	if !s.identity.IsDM {
		return State{}, apperr.Permission("only the DM can run combat")
	}
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	events, next, err := Apply(s.current, cmd)
	if err != nil {
		s.mu.Unlock()
		return State{}, err
	}
	s.current = next
	s.pending++
	s.publishLocked()
	s.mu.Unlock()

	var failed error
	for _, ev := range events {
		row, typ, err := s.persist(ctx, ev)
		if err != nil {
			failed = err
			break
		}
		s.mu.Lock()
		s.applyRowLocked(row, typ)
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if failed != nil {
		s.current = s.deriveLocked()
		s.publishLocked()
		s.logger.Error("combat write failed, reverted",
			slog.String("command", string(cmd.Type)),
			slog.String("error", failed.Error()))
		s.state.Notify(state.LevelError, "combat", fmt.Sprintf("Could not %s; change reverted.", describe(cmd.Type)))
		return State{}, failed
	}
	if s.pending == 0 {
		s.current = s.deriveLocked()
		s.publishLocked()
	}
	return next.clone(), nil
}

func (s *Synchronizer) persist(ctx context.Context, ev Event) (rowstore.Row, rowstore.EventType, error) {
	op := string(ev.Type)
	write := func(fn func(context.Context) (rowstore.Row, error)) (rowstore.Row, error) {
		return writeback.Do(ctx, s.writer, op, fn)
	}

	switch ev.Type {
	case EvtEncounterStarted:
		data, err := json.Marshal(ev.Encounter)
		if err != nil {
			return rowstore.Row{}, "", err
		}
		row, err := write(func(ctx context.Context) (rowstore.Row, error) {
			return s.backend.Insert(ctx, tabletop.TableEncounters, ev.Encounter.ID, data)
		})
		return row, rowstore.EventInsert, err

	case EvtTurnChanged:
		row, err := write(func(ctx context.Context) (rowstore.Row, error) {
			return s.backend.Patch(ctx, tabletop.TableEncounters, ev.Encounter.ID, rowstore.Fields{
				"round_number":       ev.Encounter.RoundNumber,
				"current_turn_index": ev.Encounter.CurrentTurnIndex,
			})
		})
		return row, rowstore.EventUpdate, err

	case EvtEncounterEnded:
		row, err := write(func(ctx context.Context) (rowstore.Row, error) {
			return s.backend.Patch(ctx, tabletop.TableEncounters, ev.Encounter.ID, rowstore.Fields{"active": false})
		})
		return row, rowstore.EventUpdate, err

	case EvtParticipantAdded:
		data, err := json.Marshal(ev.Participant)
		if err != nil {
			return rowstore.Row{}, "", err
		}
		row, err := write(func(ctx context.Context) (rowstore.Row, error) {
			return s.backend.Insert(ctx, tabletop.TableParticipants, ev.Participant.ID, data)
		})
		return row, rowstore.EventInsert, err

	case EvtParticipantUpdated:
		row, err := write(func(ctx context.Context) (rowstore.Row, error) {
			return s.backend.Patch(ctx, tabletop.TableParticipants, ev.Participant.ID, rowstore.Fields{
				"conditions": ev.Participant.Conditions,
			})
		})
		return row, rowstore.EventUpdate, err

	case EvtParticipantRemoved:
		row, err := write(func(ctx context.Context) (rowstore.Row, error) {
			return s.backend.Delete(ctx, tabletop.TableParticipants, ev.Participant.ID)
		})
		if errors.Is(err, rowstore.ErrNotFound) {
			row = rowstore.Row{Table: tabletop.TableParticipants, ID: ev.Participant.ID}
			err = nil
		}
		return row, rowstore.EventDelete, err
	}
	return rowstore.Row{}, "", fmt.Errorf("unknown combat event %q", ev.Type)
}

// applyRowLocked folds a confirmed row into the row caches.
func (s *Synchronizer) applyRowLocked(row rowstore.Row, typ rowstore.EventType) {
	key := row.Table + "/" + row.ID
	if row.Version != 0 && row.Version <= s.versions[key] {
		return
	}
	s.versions[key] = row.Version

	switch row.Table {
	case tabletop.TableEncounters:
		if typ == rowstore.EventDelete {
			delete(s.encounters, row.ID)
			return
		}
		var enc tabletop.Encounter
		if err := row.Decode(&enc); err != nil {
			s.logger.Warn("malformed encounter row", slog.String("id", row.ID), slog.String("error", err.Error()))
			return
		}
		enc.ID = row.ID
		if enc.MapID != s.mapID {
			delete(s.encounters, row.ID)
			return
		}
		s.encounters[enc.ID] = enc
	case tabletop.TableParticipants:
		if typ == rowstore.EventDelete {
			delete(s.participants, row.ID)
			return
		}
		var p tabletop.Participant
		if err := row.Decode(&p); err != nil {
			s.logger.Warn("malformed participant row", slog.String("id", row.ID), slog.String("error", err.Error()))
			return
		}
		p.ID = row.ID
		if p.MapID != s.mapID {
			delete(s.participants, p.ID)
			return
		}
		s.participants[p.ID] = p
	}
}

// deriveLocked rebuilds the engine state from confirmed rows.
func (s *Synchronizer) deriveLocked() State {
	var (
		active, latest       tabletop.Encounter
		haveActive, haveLast bool
		activeVer, lastVer   int64
	)
	for id, enc := range s.encounters {
		v := s.versions[tabletop.TableEncounters+"/"+id]
		if enc.Active && (!haveActive || v > activeVer) {
			active, activeVer, haveActive = enc, v, true
		}
		if !haveLast || v > lastVer {
			latest, lastVer, haveLast = enc, v, true
		}
	}

	switch {
	case haveActive:
		st := State{Phase: PhaseActive, Encounter: active, Participants: s.participantsOf(active.ID)}
		if st.Encounter.RoundNumber < 1 {
			st.Encounter.RoundNumber = 1
		}
		return st
	case haveLast:
		return State{Phase: PhaseEnded, Encounter: latest, Participants: []tabletop.Participant{}}
	default:
		return NewState()
	}
}

func (s *Synchronizer) participantsOf(encounterID string) []tabletop.Participant {
	out := []tabletop.Participant{}
	for _, p := range s.participants {
		if p.EncounterID == encounterID {
			p.Conditions = append([]string(nil), p.Conditions...)
			out = append(out, p)
		}
	}
	SortParticipants(out)
	return out
}

func (s *Synchronizer) publishLocked() {
	c := state.Combat{Participants: s.current.Participants}
	if s.current.Phase == PhaseActive {
		enc := s.current.Encounter
		c.Encounter = &enc
	}
	s.state.SetCombat(c)
}

// remote applies feed rows; remote state replaces the display. While a
// local command is still writing, rows only land in the caches and run
// derives once its last write is in.
func (s *Synchronizer) remote(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	if s.pending > 0 {
		return
	}
	s.current = s.deriveLocked()
	s.publishLocked()
}

type encounterHandler struct{ s *Synchronizer }

func (h encounterHandler) Reset(rows []rowstore.Row) error {
	h.s.remote(func() {
		h.s.encounters = make(map[string]tabletop.Encounter)
		for _, row := range rows {
			delete(h.s.versions, row.Table+"/"+row.ID)
			h.s.applyRowLocked(row, rowstore.EventInsert)
		}
	})
	return nil
}

func (h encounterHandler) Apply(ev rowstore.Event) error {
	h.s.remote(func() { h.s.applyRowLocked(ev.Row, ev.Type) })
	return nil
}

type participantHandler struct{ s *Synchronizer }

func (h participantHandler) Reset(rows []rowstore.Row) error {
	h.s.remote(func() {
		h.s.participants = make(map[string]tabletop.Participant)
		for _, row := range rows {
			delete(h.s.versions, row.Table+"/"+row.ID)
			h.s.applyRowLocked(row, rowstore.EventInsert)
		}
	})
	return nil
}

func (h participantHandler) Apply(ev rowstore.Event) error {
	h.s.remote(func() { h.s.applyRowLocked(ev.Row, ev.Type) })
	return nil
}

func describe(t CommandType) string {
	switch t {
	case CmdStart:
		return "start encounter"
	case CmdNextTurn, CmdPrevTurn:
		return "change turn"
	case CmdAddParticipant:
		return "add participant"
	case CmdRemoveParticipant:
		return "remove participant"
	case CmdSetConditions:
		return "update conditions"
	case CmdEnd:
		return "end encounter"
	}
	return "update combat"
}
