// Package dice parses roll expressions and totals the faces returned by a
// Tray.
package dice

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"vttsync/internal/apperr"
	"vttsync/internal/tabletop"
)

// Limits on a single dice term.
const (
	MinCount = 1
	MaxCount = 100
	MinSides = 2
	MaxSides = 1000

	maxModifier = 1_000_000
)

var (
	// ErrEmptyExpression is returned for blank input.
	ErrEmptyExpression = errors.New("empty dice expression")

	// ErrSyntax is returned for input outside the grammar.
	ErrSyntax = errors.New("malformed dice expression")

	// ErrOutOfRange is returned for counts, sides or modifiers past the limits.
	ErrOutOfRange = errors.New("dice term out of range")

	// ErrAdvantageTerm is returned when advantage or disadvantage is asked
	// for on anything but a single d20.
	ErrAdvantageTerm = errors.New("advantage needs exactly one d20")
)

// Term is one signed component: dice when Sides > 0, a flat modifier otherwise.
type Term struct {
	Negative bool
	Count    int
	Sides    int
	Modifier int
}

// IsDice reports whether the term rolls dice.
func (t Term) IsDice() bool { return t.Sides > 0 }

func (t Term) String() string {
	if !t.IsDice() {
		return strconv.Itoa(t.Modifier)
	}
	return strconv.Itoa(t.Count) + "d" + strconv.Itoa(t.Sides)
}

// Expression is a parsed roll.
type Expression struct {
	Terms []Term
}

// String renders the normalized form, e.g. "1d20+5" or "2d6-1d4".
func (e Expression) String() string {
	var b strings.Builder
	for i, t := range e.Terms {
		switch {
		case t.Negative:
			b.WriteByte('-')
		case i > 0:
			b.WriteByte('+')
		}
		b.WriteString(t.String())
	}
	return b.String()
}

// Modifier sums the flat terms.
func (e Expression) Modifier() int {
	m := 0
	for _, t := range e.Terms {
		if t.IsDice() {
			continue
		}
		if t.Negative {
			m -= t.Modifier
		} else {
			m += t.Modifier
		}
	}
	return m
}

// SingleD20 reports whether the expression rolls exactly one d20 and no
// other dice.
func (e Expression) SingleD20() bool {
	dice := 0
	for _, t := range e.Terms {
		if !t.IsDice() {
			continue
		}
		dice++
		if t.Count != 1 || t.Sides != 20 || t.Negative {
			return false
		}
	}
	return dice == 1
}

// Parse reads `term (('+'|'-') term)*` where a term is `[N]dM` or an integer.
// Whitespace is ignored and 'D' is accepted for 'd'.
func Parse(input string) (Expression, error) {
	src := strings.ToLower(strings.Join(strings.Fields(input), ""))
	if src == "" {
		return Expression{}, apperr.Wrap(apperr.KindValidation, "parse dice", ErrEmptyExpression)
	}

	var expr Expression
	negative := false
	start := 0
	for i := 0; i <= len(src); i++ {
		if i < len(src) && src[i] != '+' && src[i] != '-' {
			continue
		}
		term, err := parseTerm(src[start:i])
		if err != nil {
			return Expression{}, apperr.Wrap(apperr.KindValidation, "parse dice "+strconv.Quote(input), err)
		}
		term.Negative = negative
		expr.Terms = append(expr.Terms, term)
		if i < len(src) {
			negative = src[i] == '-'
		}
		start = i + 1
	}
	return expr, nil
}

func parseTerm(s string) (Term, error) {
	if s == "" {
		return Term{}, ErrSyntax
	}
	d := strings.IndexByte(s, 'd')
	if d < 0 {
		n, err := parseDigits(s)
		if err != nil {
			return Term{}, err
		}
		if n > maxModifier {
			return Term{}, ErrOutOfRange
		}
		return Term{Modifier: n}, nil
	}

	count := 1
	if d > 0 {
		n, err := parseDigits(s[:d])
		if err != nil {
			return Term{}, err
		}
		count = n
	}
	sides, err := parseDigits(s[d+1:])
	if err != nil {
		return Term{}, err
	}
	if count < MinCount || count > MaxCount || sides < MinSides || sides > MaxSides {
		return Term{}, ErrOutOfRange
	}
	return Term{Count: count, Sides: sides}, nil
}

func parseDigits(s string) (int, error) {
	if s == "" {
		return 0, ErrSyntax
	}
	if len(s) > 9 {
		return 0, ErrOutOfRange
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, ErrSyntax
		}
	}
	return strconv.Atoi(s)
}

// Tray is the randomness source: it returns count faces of a die with sides.
type Tray interface {
	Roll(sides, count int) []int
}

// SeededTray rolls with math/rand. It is safe for concurrent use.
type SeededTray struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededTray returns a tray seeded from crypto/rand.
func NewSeededTray() *SeededTray {
	var b [8]byte
	seed := int64(0)
	if _, err := crand.Read(b[:]); err == nil {
		seed = int64(binary.LittleEndian.Uint64(b[:]))
	}
	return NewTray(seed)
}

// NewTray returns a deterministic tray for seed.
func NewTray(seed int64) *SeededTray {
	return &SeededTray{rng: rand.New(rand.NewSource(seed))}
}

func (t *SeededTray) Roll(sides, count int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, count)
	for i := range out {
		out[i] = t.rng.Intn(sides) + 1
	}
	return out
}

// Mode selects how a single d20 is rolled.
type Mode int

const (
	Normal Mode = iota
	Advantage
	Disadvantage
)

// ModeOf resolves the two request flags; asking for both cancels out.
func ModeOf(advantage, disadvantage bool) Mode {
	switch {
	case advantage && !disadvantage:
		return Advantage
	case disadvantage && !advantage:
		return Disadvantage
	}
	return Normal
}

// Evaluate rolls expr on tray and returns the breakdown. With advantage or
// disadvantage the single d20 is rolled twice and the other die is marked
// dropped.
func Evaluate(expr Expression, tray Tray, mode Mode) (tabletop.Breakdown, error) {
	if mode != Normal && !expr.SingleD20() {
		return tabletop.Breakdown{}, apperr.Wrap(apperr.KindValidation, "evaluate dice", ErrAdvantageTerm)
	}

	b := tabletop.Breakdown{Dice: []tabletop.Die{}, Modifier: expr.Modifier()}
	for _, t := range expr.Terms {
		if !t.IsDice() {
			continue
		}
		if mode != Normal {
			faces := tray.Roll(t.Sides, 2)
			if len(faces) != 2 {
				return tabletop.Breakdown{}, apperr.New(apperr.KindUnknown, "dice tray returned the wrong number of faces")
			}
			keepFirst := faces[0] >= faces[1]
			if mode == Disadvantage {
				keepFirst = faces[0] <= faces[1]
			}
			b.Dice = append(b.Dice,
				tabletop.Die{Sides: t.Sides, Value: faces[0], Dropped: !keepFirst},
				tabletop.Die{Sides: t.Sides, Value: faces[1], Dropped: keepFirst},
			)
			continue
		}
		faces := tray.Roll(t.Sides, t.Count)
		if len(faces) != t.Count {
			return tabletop.Breakdown{}, apperr.New(apperr.KindUnknown, "dice tray returned the wrong number of faces")
		}
		for _, f := range faces {
			b.Dice = append(b.Dice, tabletop.Die{Sides: t.Sides, Value: f, Negative: t.Negative})
		}
	}
	return b, nil
}
