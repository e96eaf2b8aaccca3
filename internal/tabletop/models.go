// Package tabletop holds the shared data model of a tabletop session: the row
// shapes stored in each table and the identity of the local user.
package tabletop

import (
	"math"
	"time"
)

// Role represents a user's role in a campaign.
type Role string

const (
	RoleDM     Role = "dm"
	RolePlayer Role = "player"
)

// ParseRole maps free-form input to a role, defaulting to player.
func ParseRole(raw string) Role {
	switch Role(raw) {
	case RoleDM, "gm":
		return RoleDM
	default:
		return RolePlayer
	}
}

// Identity is who is acting on this client.
type Identity struct {
	UserID string `json:"user_id" yaml:"user_id"`
	IsDM   bool   `json:"is_dm" yaml:"is_dm"`
}

// Role returns the identity's role.
func (i Identity) Role() Role {
	if i.IsDM {
		return RoleDM
	}
	return RolePlayer
}

// CanEditToken reports whether the identity may mutate t.
func (i Identity) CanEditToken(t Token) bool {
	return i.IsDM || (t.OwnerID != "" && t.OwnerID == i.UserID)
}

// GridConfig describes the map grid overlay.
type GridConfig struct {
	Type    string  `json:"type"`
	Size    float64 `json:"size"`
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
}

// MapSession is the map currently on the table.
type MapSession struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	Name       string     `json:"name,omitempty"`
	Width      float64    `json:"width"`
	Height     float64    `json:"height"`
	Grid       GridConfig `json:"grid"`
}

// SizeCategory is a creature size.
type SizeCategory string

const (
	SizeTiny       SizeCategory = "tiny"
	SizeSmall      SizeCategory = "small"
	SizeMedium     SizeCategory = "medium"
	SizeLarge      SizeCategory = "large"
	SizeHuge       SizeCategory = "huge"
	SizeGargantuan SizeCategory = "gargantuan"
)

// Valid reports whether s is a known size category.
func (s SizeCategory) Valid() bool {
	switch s {
	case SizeTiny, SizeSmall, SizeMedium, SizeLarge, SizeHuge, SizeGargantuan:
		return true
	}
	return false
}

// Cells is the token footprint in grid cells per side.
func (s SizeCategory) Cells() float64 {
	switch s {
	case SizeTiny:
		return 0.5
	case SizeLarge:
		return 2
	case SizeHuge:
		return 3
	case SizeGargantuan:
		return 4
	default:
		return 1
	}
}

// Token is a piece on the map.
type Token struct {
	ID          string       `json:"id"`
	MapID       string       `json:"map_id"`
	CharacterID string       `json:"character_id,omitempty"`
	OwnerID     string       `json:"owner_id,omitempty"`
	X           float64      `json:"x"`
	Y           float64      `json:"y"`
	Size        SizeCategory `json:"size"`
	Color       string       `json:"color,omitempty"`
	Rotation    float64      `json:"rotation"`
	VisibleTo   []string     `json:"visible_to"`
	Conditions  []string     `json:"conditions"`
	HPCurrent   *int         `json:"hp_current,omitempty"`
	HPMax       *int         `json:"hp_max,omitempty"`
	Scale       float64      `json:"scale"`

	// Projection is attached client side and never persisted.
	Projection *Projection `json:"-"`
}

// VisibleToUser reports whether userID may see the token. DMs see all.
func (t Token) VisibleToUser(id Identity) bool {
	if id.IsDM || len(t.VisibleTo) == 0 {
		return true
	}
	for _, u := range t.VisibleTo {
		if u == id.UserID {
			return true
		}
	}
	return false
}

// Clone deep copies t.
func (t Token) Clone() Token {
	out := t
	out.VisibleTo = append([]string(nil), t.VisibleTo...)
	out.Conditions = append([]string(nil), t.Conditions...)
	if t.HPCurrent != nil {
		v := *t.HPCurrent
		out.HPCurrent = &v
	}
	if t.HPMax != nil {
		v := *t.HPMax
		out.HPMax = &v
	}
	if t.Projection != nil {
		p := *t.Projection
		out.Projection = &p
	}
	return out
}

// Projection is the character data denormalized onto a token for display.
type Projection struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Character is the read-only slice of a character sheet used for projections.
type Character struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// ShapeKind is the geometry of a fog shape.
type ShapeKind string

const (
	ShapeRect    ShapeKind = "rect"
	ShapeCircle  ShapeKind = "circle"
	ShapePolygon ShapeKind = "polygon"
)

// Point is a map coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Shape is one fog edit. Subtract means the shape reveals instead of hides.
type Shape struct {
	Kind     ShapeKind `json:"kind"`
	X        float64   `json:"x,omitempty"`
	Y        float64   `json:"y,omitempty"`
	Width    float64   `json:"width,omitempty"`
	Height   float64   `json:"height,omitempty"`
	Radius   float64   `json:"radius,omitempty"`
	Points   []Point   `json:"points,omitempty"`
	Subtract bool      `json:"subtract"`
}

// FogDocument is the whole fog state of one map. Its row id is the map id.
type FogDocument struct {
	MapID    string  `json:"map_id"`
	Shapes   []Shape `json:"shapes"`
	Revealed bool    `json:"revealed"`
}

// Clone deep copies d.
func (d FogDocument) Clone() FogDocument {
	out := d
	out.Shapes = make([]Shape, len(d.Shapes))
	for i, s := range d.Shapes {
		s.Points = append([]Point(nil), s.Points...)
		out.Shapes[i] = s
	}
	return out
}

// Encounter is a combat encounter. Ended encounters stay archived with
// Active=false.
type Encounter struct {
	ID               string `json:"id"`
	MapID            string `json:"map_id"`
	Name             string `json:"name"`
	Active           bool   `json:"active"`
	RoundNumber      int    `json:"round_number"`
	CurrentTurnIndex int    `json:"current_turn_index"`
}

// Participant is one combatant in an encounter.
type Participant struct {
	ID             string   `json:"id"`
	EncounterID    string   `json:"encounter_id"`
	MapID          string   `json:"map_id"`
	TokenID        string   `json:"token_id"`
	TurnOrder      float64  `json:"turn_order"`
	InitiativeRoll int      `json:"initiative_roll"`
	Conditions     []string `json:"conditions"`
}

// PlaybackState is the shared audio state of a campaign. Its row id is the
// campaign id.
type PlaybackState struct {
	CampaignID    string  `json:"campaign_id"`
	ActiveTrackID string  `json:"active_track_id"`
	IsPlaying     bool    `json:"is_playing"`
	IsLooping     bool    `json:"is_looping"`
	Volume        float64 `json:"volume"`
}

// DefaultPlayback is the state assumed before the campaign row exists.
func DefaultPlayback(campaignID string) PlaybackState {
	return PlaybackState{CampaignID: campaignID, Volume: 1}
}

// Die is one rolled face. Negative dice come from subtracted terms.
type Die struct {
	Sides    int  `json:"sides"`
	Value    int  `json:"value"`
	Negative bool `json:"negative,omitempty"`
	Dropped  bool `json:"dropped,omitempty"`
}

// Breakdown is how a roll total was reached.
type Breakdown struct {
	Dice     []Die `json:"dice"`
	Modifier int   `json:"modifier"`
}

// Total sums kept dice and the modifier.
func (b Breakdown) Total() int {
	total := b.Modifier
	for _, d := range b.Dice {
		switch {
		case d.Dropped:
		case d.Negative:
			total -= d.Value
		default:
			total += d.Value
		}
	}
	return total
}

// DiceRoll is an append-only roll event.
type DiceRoll struct {
	ID           string    `json:"id"`
	CampaignID   string    `json:"campaign_id"`
	UserID       string    `json:"user_id"`
	CharacterID  string    `json:"character_id,omitempty"`
	Expression   string    `json:"expression"`
	Result       int       `json:"result"`
	Breakdown    Breakdown `json:"breakdown"`
	Label        string    `json:"label,omitempty"`
	Advantage    bool      `json:"advantage"`
	Disadvantage bool      `json:"disadvantage"`
	CreatedAt    time.Time `json:"created_at"`
}

// Finite reports whether every value is a finite number.
func Finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
