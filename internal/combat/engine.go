// Package combat runs encounters: a pure turn-order engine plus the
// synchronizer that persists its events and follows remote changes.
package combat

import (
	"errors"
	"sort"

	"vttsync/internal/apperr"
	"vttsync/internal/tabletop"
)

var (
	ErrNoEncounter         = errors.New("no active encounter")
	ErrEncounterActive     = errors.New("an encounter is already active on this map")
	ErrEncounterEnded      = errors.New("encounter has ended")
	ErrMissingMap          = errors.New("map id is required")
	ErrNoParticipants      = errors.New("encounter has no participants")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrUnsupportedCommand  = errors.New("unsupported command")
)

type Phase string

const (
	PhaseNoEncounter Phase = "none"
	PhaseActive      Phase = "active"
	PhaseEnded       Phase = "ended"
)

// State is the engine view of one map's combat. Participants are kept
// sorted by TurnOrder.
type State struct {
	Phase        Phase
	Encounter    tabletop.Encounter
	Participants []tabletop.Participant
}

// Current returns the acting participant.
func (s State) Current() (tabletop.Participant, bool) {
	if s.Phase != PhaseActive || len(s.Participants) == 0 {
		return tabletop.Participant{}, false
	}
	idx := s.Encounter.CurrentTurnIndex
	if idx < 0 || idx >= len(s.Participants) {
		return tabletop.Participant{}, false
	}
	return s.Participants[idx], true
}

func (s State) clone() State {
	out := s
	out.Participants = make([]tabletop.Participant, len(s.Participants))
	for i, p := range s.Participants {
		p.Conditions = append([]string(nil), p.Conditions...)
		out.Participants[i] = p
	}
	return out
}

type CommandType string

const (
	CmdStart             CommandType = "Start"
	CmdNextTurn          CommandType = "NextTurn"
	CmdPrevTurn          CommandType = "PrevTurn"
	CmdAddParticipant    CommandType = "AddParticipant"
	CmdRemoveParticipant CommandType = "RemoveParticipant"
	CmdSetConditions     CommandType = "SetConditions"
	CmdEnd               CommandType = "End"
)

// Command is one DM intent. IDs for new rows are chosen by the caller.
type Command struct {
	Type          CommandType
	EncounterID   string
	MapID         string
	Name          string
	ParticipantID string
	TokenID       string
	Initiative    int
	Conditions    []string
}

type EventType string

const (
	EvtEncounterStarted   EventType = "EncounterStarted"
	EvtTurnChanged        EventType = "TurnChanged"
	EvtParticipantAdded   EventType = "ParticipantAdded"
	EvtParticipantRemoved EventType = "ParticipantRemoved"
	EvtParticipantUpdated EventType = "ParticipantUpdated"
	EvtEncounterEnded     EventType = "EncounterEnded"
)

// Event is one row-level consequence of a command.
type Event struct {
	Type        EventType
	Encounter   tabletop.Encounter
	Participant tabletop.Participant
}

// NewState returns the state of a map without encounters.
func NewState() State {
	return State{Phase: PhaseNoEncounter, Participants: []tabletop.Participant{}}
}

// Apply validates cmd against s and returns the resulting events and state.
// s is never modified.
func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdStart:
		return start(s, cmd)
	case CmdEnd:
		return end(s)
	}

	if err := requireActive(s); err != nil {
		return nil, s, apperr.Wrap(kindOf(err), string(cmd.Type), err)
	}

	switch cmd.Type {
	case CmdNextTurn:
		return step(s, cmd, 1)
	case CmdPrevTurn:
		return step(s, cmd, -1)
	case CmdAddParticipant:
		return addParticipant(s, cmd)
	case CmdRemoveParticipant:
		return removeParticipant(s, cmd)
	case CmdSetConditions:
		return setConditions(s, cmd)
	}
	return nil, s, apperr.Wrap(apperr.KindValidation, string(cmd.Type), ErrUnsupportedCommand)
}

func start(s State, cmd Command) ([]Event, State, error) {
	if cmd.MapID == "" {
		return nil, s, apperr.Wrap(apperr.KindValidation, "start encounter", ErrMissingMap)
	}
	if s.Phase == PhaseActive {
		return nil, s, apperr.Wrap(apperr.KindConflict, "start encounter", ErrEncounterActive)
	}
	name := cmd.Name
	if name == "" {
		name = "Encounter"
	}
	next := State{
		Phase: PhaseActive,
		Encounter: tabletop.Encounter{
			ID:               cmd.EncounterID,
			MapID:            cmd.MapID,
			Name:             name,
			Active:           true,
			RoundNumber:      1,
			CurrentTurnIndex: 0,
		},
		Participants: []tabletop.Participant{},
	}
	return []Event{{Type: EvtEncounterStarted, Encounter: next.Encounter}}, next, nil
}

func end(s State) ([]Event, State, error) {
	switch s.Phase {
	case PhaseNoEncounter:
		return nil, s, apperr.Wrap(apperr.KindNotFound, "end encounter", ErrNoEncounter)
	case PhaseEnded:
		return nil, s, nil
	}
	next := s.clone()
	next.Phase = PhaseEnded
	next.Encounter.Active = false
	return []Event{{Type: EvtEncounterEnded, Encounter: next.Encounter}}, next, nil
}

func step(s State, cmd Command, dir int) ([]Event, State, error) {
	n := len(s.Participants)
	if n == 0 {
		return nil, s, apperr.Wrap(apperr.KindValidation, string(cmd.Type), ErrNoParticipants)
	}
	next := s.clone()
	enc := &next.Encounter
	idx := enc.CurrentTurnIndex
	if idx < 0 || idx >= n {
		idx = 0
	}

	if dir > 0 {
		idx++
		if idx == n {
			idx = 0
			enc.RoundNumber++
		}
	} else {
		if idx == 0 {
			idx = n - 1
			if enc.RoundNumber > 1 {
				enc.RoundNumber--
			}
		} else {
			idx--
		}
	}
	enc.CurrentTurnIndex = idx
	return []Event{{Type: EvtTurnChanged, Encounter: *enc}}, next, nil
}

func addParticipant(s State, cmd Command) ([]Event, State, error) {
	if cmd.TokenID == "" {
		return nil, s, apperr.Validation("participant needs a token")
	}
	next := s.clone()
	pos := insertPosition(next.Participants, cmd.Initiative)
	p := tabletop.Participant{
		ID:             cmd.ParticipantID,
		EncounterID:    next.Encounter.ID,
		MapID:          next.Encounter.MapID,
		TokenID:        cmd.TokenID,
		TurnOrder:      turnOrderAt(next.Participants, pos),
		InitiativeRoll: cmd.Initiative,
		Conditions:     append([]string{}, cmd.Conditions...),
	}

	hadActor := len(next.Participants) > 0
	next.Participants = append(next.Participants, tabletop.Participant{})
	copy(next.Participants[pos+1:], next.Participants[pos:])
	next.Participants[pos] = p

	events := []Event{{Type: EvtParticipantAdded, Participant: p}}
	if hadActor && pos <= next.Encounter.CurrentTurnIndex {
		next.Encounter.CurrentTurnIndex++
		events = append(events, Event{Type: EvtTurnChanged, Encounter: next.Encounter})
	}
	return events, next, nil
}

// insertPosition places higher initiative first; equal initiatives go after
// the ones already present.
func insertPosition(ps []tabletop.Participant, initiative int) int {
	for i, p := range ps {
		if p.InitiativeRoll < initiative {
			return i
		}
	}
	return len(ps)
}

// turnOrderAt picks a sort key between the neighbours of pos so no existing
// participant is renumbered.
func turnOrderAt(ps []tabletop.Participant, pos int) float64 {
	switch {
	case len(ps) == 0:
		return 1
	case pos == 0:
		return ps[0].TurnOrder - 1
	case pos == len(ps):
		return ps[len(ps)-1].TurnOrder + 1
	default:
		return (ps[pos-1].TurnOrder + ps[pos].TurnOrder) / 2
	}
}

func removeParticipant(s State, cmd Command) ([]Event, State, error) {
	pos := -1
	for i, p := range s.Participants {
		if p.ID == cmd.ParticipantID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, s, apperr.Wrap(apperr.KindNotFound, "remove participant", ErrParticipantNotFound)
	}
	next := s.clone()
	removed := next.Participants[pos]
	next.Participants = append(next.Participants[:pos], next.Participants[pos+1:]...)

	idx := next.Encounter.CurrentTurnIndex
	n := len(next.Participants)
	switch {
	case pos < idx:
		idx--
	case idx > n-1:
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}

	events := []Event{{Type: EvtParticipantRemoved, Participant: removed}}
	if idx != next.Encounter.CurrentTurnIndex {
		next.Encounter.CurrentTurnIndex = idx
		events = append(events, Event{Type: EvtTurnChanged, Encounter: next.Encounter})
	}
	return events, next, nil
}

func setConditions(s State, cmd Command) ([]Event, State, error) {
	next := s.clone()
	for i := range next.Participants {
		if next.Participants[i].ID == cmd.ParticipantID {
			next.Participants[i].Conditions = append([]string{}, cmd.Conditions...)
			return []Event{{Type: EvtParticipantUpdated, Participant: next.Participants[i]}}, next, nil
		}
	}
	return nil, s, apperr.Wrap(apperr.KindNotFound, "set conditions", ErrParticipantNotFound)
}

func requireActive(s State) error {
	switch s.Phase {
	case PhaseActive:
		return nil
	case PhaseEnded:
		return ErrEncounterEnded
	default:
		return ErrNoEncounter
	}
}

func kindOf(err error) apperr.Kind {
	if errors.Is(err, ErrEncounterEnded) {
		return apperr.KindConflict
	}
	return apperr.KindNotFound
}

// SortParticipants orders by turn order, then id for a stable tie break.
func SortParticipants(ps []tabletop.Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].TurnOrder != ps[j].TurnOrder {
			return ps[i].TurnOrder < ps[j].TurnOrder
		}
		return ps[i].ID < ps[j].ID
	})
}
