// Package state is the session state container the renderer reads. Only the
// session controller and its synchronizers mutate it, through the typed
// methods below; readers take deep-copied snapshots with View.
package state

import (
	"sort"
	"sync"
	"time"

	"vttsync/internal/tabletop"
)

const maxNotices = 50

// Level classifies a notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is a user-visible message, typically a reverted write.
type Notice struct {
	ID      int64     `json:"id"`
	Level   Level     `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Combat is the active encounter and its participants sorted by turn order.
type Combat struct {
	Encounter    *tabletop.Encounter    `json:"encounter,omitempty"`
	Participants []tabletop.Participant `json:"participants"`
}

// Current returns the acting participant, if any.
func (c Combat) Current() (tabletop.Participant, bool) {
	if c.Encounter == nil || len(c.Participants) == 0 {
		return tabletop.Participant{}, false
	}
	idx := c.Encounter.CurrentTurnIndex
	if idx < 0 || idx >= len(c.Participants) {
		return tabletop.Participant{}, false
	}
	return c.Participants[idx], true
}

// Audio is what the local output is doing.
type Audio struct {
	TrackURL        string  `json:"track_url"`
	Playing         bool    `json:"playing"`
	ListenerVolume  float64 `json:"listener_volume"`
	EffectiveVolume float64 `json:"effective_volume"`
	NeedsGesture    bool    `json:"needs_gesture"`
}

// View is an immutable snapshot of the session.
type View struct {
	Version  uint64                 `json:"version"`
	Map      *tabletop.MapSession   `json:"map,omitempty"`
	Tokens   []tabletop.Token       `json:"tokens"`
	Fog      *tabletop.FogDocument  `json:"fog,omitempty"`
	Combat   Combat                 `json:"combat"`
	Playback tabletop.PlaybackState `json:"playback"`
	Audio    Audio                  `json:"audio"`
	Rolls    []tabletop.DiceRoll    `json:"rolls"`
	Notices  []Notice               `json:"notices"`
}

// VisibleTokens filters tokens for id.
func (v View) VisibleTokens(id tabletop.Identity) []tabletop.Token {
	out := make([]tabletop.Token, 0, len(v.Tokens))
	for _, t := range v.Tokens {
		if t.VisibleToUser(id) {
			out = append(out, t)
		}
	}
	return out
}

// Store holds the session state.
type Store struct {
	mu       sync.RWMutex
	version  uint64
	closed   bool
	mapInfo  *tabletop.MapSession
	tokens   map[string]tabletop.Token
	fog      *tabletop.FogDocument
	combat   Combat
	playback tabletop.PlaybackState
	audio    Audio
	rolls    []tabletop.DiceRoll
	notices  []Notice
	noticeID int64
	now      func() time.Time

	watchMu  sync.Mutex
	watchers map[chan uint64]struct{}
}

// New returns an empty store for a campaign.
func New(campaignID string) *Store {
	return &Store{
		tokens:   make(map[string]tabletop.Token),
		playback: tabletop.DefaultPlayback(campaignID),
		audio:    Audio{ListenerVolume: 1},
		now:      time.Now,
		watchers: make(map[chan uint64]struct{}),
	}
}

// update applies fn under the write lock and notifies watchers. It reports
// false when the store is closed and fn did not run.
func (s *Store) update(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	fn()
	s.version++
	v := s.version
	s.mu.Unlock()

	s.notify(v)
	return true
}

func (s *Store) notify(v uint64) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- v:
		default:
			// Coalesce: drop the stale pending version and keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Watch returns a channel that receives the latest version after changes.
// Notifications coalesce; the channel closes when the store closes or stop
// is called.
func (s *Store) Watch() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	s.watchMu.Lock()
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		s.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			defer s.watchMu.Unlock()
			if _, ok := s.watchers[ch]; ok {
				delete(s.watchers, ch)
				close(ch)
			}
		})
	}
}

// Close tears the store down. Later mutations are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Version is the number of applied mutations.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// View returns a deep copy of the current state.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		Version:  s.version,
		Tokens:   make([]tabletop.Token, 0, len(s.tokens)),
		Playback: s.playback,
		Audio:    s.audio,
		Rolls:    append([]tabletop.DiceRoll(nil), s.rolls...),
		Notices:  append([]Notice(nil), s.notices...),
	}
	if s.mapInfo != nil {
		m := *s.mapInfo
		v.Map = &m
	}
	for _, t := range s.tokens {
		v.Tokens = append(v.Tokens, t.Clone())
	}
	sort.Slice(v.Tokens, func(i, j int) bool { return v.Tokens[i].ID < v.Tokens[j].ID })
	if s.fog != nil {
		doc := s.fog.Clone()
		v.Fog = &doc
	}
	v.Combat = cloneCombat(s.combat)
	for i := range v.Rolls {
		v.Rolls[i].Breakdown.Dice = append([]tabletop.Die(nil), v.Rolls[i].Breakdown.Dice...)
	}
	return v
}

// SetMap records the loaded map session.
func (s *Store) SetMap(m tabletop.MapSession) bool {
	return s.update(func() { s.mapInfo = &m })
}

// ResetTokens replaces every token.
func (s *Store) ResetTokens(tokens []tabletop.Token) bool {
	return s.update(func() {
		s.tokens = make(map[string]tabletop.Token, len(tokens))
		for _, t := range tokens {
			s.tokens[t.ID] = t.Clone()
		}
	})
}

// PutToken inserts or replaces one token.
func (s *Store) PutToken(t tabletop.Token) bool {
	t = t.Clone()
	return s.update(func() { s.tokens[t.ID] = t })
}

// RemoveToken drops a token.
func (s *Store) RemoveToken(id string) bool {
	return s.update(func() { delete(s.tokens, id) })
}

// Token returns a copy of one token.
func (s *Store) Token(id string) (tabletop.Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return tabletop.Token{}, false
	}
	return t.Clone(), true
}

// SetFog replaces the fog document.
func (s *Store) SetFog(doc tabletop.FogDocument) bool {
	doc = doc.Clone()
	return s.update(func() { s.fog = &doc })
}

// ClearFog forgets the fog document.
func (s *Store) ClearFog() bool {
	return s.update(func() { s.fog = nil })
}

// SetCombat replaces the combat view.
func (s *Store) SetCombat(c Combat) bool {
	c = cloneCombat(c)
	return s.update(func() { s.combat = c })
}

// SetPlayback records the shared playback row.
func (s *Store) SetPlayback(p tabletop.PlaybackState) bool {
	return s.update(func() { s.playback = p })
}

// SetAudio records the local output status.
func (s *Store) SetAudio(a Audio) bool {
	return s.update(func() { s.audio = a })
}

// SetRolls replaces the roll history. Callers keep it ordered newest first.
func (s *Store) SetRolls(rolls []tabletop.DiceRoll) bool {
	rolls = append([]tabletop.DiceRoll(nil), rolls...)
	return s.update(func() { s.rolls = rolls })
}

// Notify appends a notice, evicting the oldest past the bound.
func (s *Store) Notify(level Level, source, message string) bool {
	return s.update(func() {
		s.noticeID++
		s.notices = append(s.notices, Notice{
			ID:      s.noticeID,
			Level:   level,
			Source:  source,
			Message: message,
			At:      s.now().UTC(),
		})
		if len(s.notices) > maxNotices {
			s.notices = append([]Notice(nil), s.notices[len(s.notices)-maxNotices:]...)
		}
	})
}

// Dismiss removes a notice by id.
func (s *Store) Dismiss(id int64) bool {
	return s.update(func() {
		out := s.notices[:0]
		for _, n := range s.notices {
			if n.ID != id {
				out = append(out, n)
			}
		}
		s.notices = out
	})
}

func cloneCombat(c Combat) Combat {
	out := Combat{Participants: make([]tabletop.Participant, len(c.Participants))}
	if c.Encounter != nil {
		e := *c.Encounter
		out.Encounter = &e
	}
	for i, p := range c.Participants {
		p.Conditions = append([]string(nil), p.Conditions...)
		out.Participants[i] = p
	}
	return out
}
