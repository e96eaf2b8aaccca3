package rolls

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vttsync/internal/apperr"
	"vttsync/internal/dice"
	"vttsync/internal/feed"
	"vttsync/internal/rowstore"
	"vttsync/internal/rowstore/fake"
	"vttsync/internal/state"
	"vttsync/internal/tabletop"
	"vttsync/internal/writeback"
)

type scriptedTray struct{ face int }

func (s scriptedTray) Roll(sides, count int) []int {
	out := make([]int, count)
	for i := range out {
		out[i] = s.face
	}
	return out
}

type fixture struct {
	backend *fake.Backend
	store   *state.Store
	rolls   *Broadcaster
	clock   time.Time
}

func newFixture(t *testing.T, user string) *fixture {
	t.Helper()
	f := &fixture{
		backend: fake.NewBackend(t),
		store:   state.New("c1"),
		clock:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	var n atomic.Int64
	f.rolls = New(Config{
		CampaignID: "c1",
		Identity:   tabletop.Identity{UserID: user},
		Backend:    f.backend,
		State:      f.store,
		Writer:     writeback.New(writeback.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil),
		Tray:       scriptedTray{face: 4},
		NewID:      func() string { return fmt.Sprintf("%s-roll-%d", user, n.Add(1)) },
		Now: func() time.Time {
			f.clock = f.clock.Add(time.Second)
			return f.clock
		},
	})
	return f
}

func (f *fixture) follow(t *testing.T) {
	t.Helper()
	s := feed.New(f.backend, feed.Options{InitialBackoff: time.Millisecond}).Subscribe(context.Background(), f.rolls.Key(), f.rolls)
	t.Cleanup(func() { _ = s.Close() })
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("roll feed never became ready")
	}
}

func TestRollPersistsAndShowsOnce(t *testing.T) {
	f := newFixture(t, "u1")
	f.follow(t)

	roll, err := f.rolls.Roll(context.Background(), Request{Expression: "2d6 + 3", Label: " Attack "})
	require.NoError(t, err)
	assert.Equal(t, 11, roll.Result)
	assert.Equal(t, "2d6+3", roll.Expression)
	assert.Equal(t, "Attack", roll.Label)
	assert.Equal(t, "u1", roll.UserID)

	row, err := f.backend.Get(context.Background(), tabletop.TableDiceRolls, roll.ID)
	require.NoError(t, err)
	var stored tabletop.DiceRoll
	require.NoError(t, row.Decode(&stored))
	assert.Equal(t, 11, stored.Result)

	// The echo arrives through the feed; give it time, then check for doubles.
	require.Eventually(t, func() bool {
		return f.backend.Hub().Subscribers(tabletop.TableDiceRolls) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.rolls.History(), 1)
	assert.Len(t, f.store.View().Rolls, 1)
}

func TestDuplicateEventNotAdded(t *testing.T) {
	f := newFixture(t, "u1")
	roll := tabletop.DiceRoll{ID: "r1", CampaignID: "c1", UserID: "u2", Expression: "1d20", Result: 12, CreatedAt: f.clock}
	row := f.backend.Seed(t, tabletop.TableDiceRolls, "r1", roll)

	require.NoError(t, f.rolls.Apply(rowstore.Event{Type: rowstore.EventInsert, Row: row}))
	require.NoError(t, f.rolls.Apply(rowstore.Event{Type: rowstore.EventInsert, Row: row}))
	assert.Len(t, f.rolls.History(), 1)
}

func TestRecordedRollNeverRewritten(t *testing.T) {
	f := newFixture(t, "u1")
	roll := tabletop.DiceRoll{ID: "r1", CampaignID: "c1", UserID: "u2", Expression: "1d20", Result: 12, CreatedAt: f.clock}
	row := f.backend.Seed(t, tabletop.TableDiceRolls, "r1", roll)
	require.NoError(t, f.rolls.Apply(rowstore.Event{Type: rowstore.EventInsert, Row: row}))

	forged := roll
	forged.Result = 20
	rewritten := f.backend.Seed(t, tabletop.TableDiceRolls, "r1", forged)
	require.NoError(t, f.rolls.Apply(rowstore.Event{Type: rowstore.EventUpdate, Row: rewritten}))

	h := f.rolls.History()
	require.Len(t, h, 1)
	assert.Equal(t, 12, h[0].Result)
	assert.Equal(t, 12, f.store.View().Rolls[0].Result)
}

func TestOtherCampaignIgnored(t *testing.T) {
	f := newFixture(t, "u1")
	row := f.backend.Seed(t, tabletop.TableDiceRolls, "r9", tabletop.DiceRoll{ID: "r9", CampaignID: "c2", Expression: "1d4"})
	require.NoError(t, f.rolls.Apply(rowstore.Event{Type: rowstore.EventInsert, Row: row}))
	assert.Empty(t, f.rolls.History())
}

func TestHistoryBoundedNewestFirst(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()
	for i := 0; i < HistorySize+5; i++ {
		_, err := f.rolls.Roll(ctx, Request{Expression: "1d6"})
		require.NoError(t, err)
	}

	h := f.rolls.History()
	require.Len(t, h, HistorySize)
	assert.Equal(t, fmt.Sprintf("u1-roll-%d", HistorySize+5), h[0].ID)
	for i := 1; i < len(h); i++ {
		assert.True(t, h[i-1].CreatedAt.After(h[i].CreatedAt), "history must be newest first")
	}
}

func TestInvalidExpressionTouchesNothing(t *testing.T) {
	f := newFixture(t, "u1")
	_, err := f.rolls.Roll(context.Background(), Request{Expression: "2d"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	require.ErrorIs(t, err, dice.ErrSyntax)
	assert.Zero(t, f.backend.Writes())
	assert.Empty(t, f.rolls.History())

	_, err = f.rolls.Roll(context.Background(), Request{Expression: "2d20", Advantage: true})
	require.ErrorIs(t, err, dice.ErrAdvantageTerm)
	assert.Zero(t, f.backend.Writes())
}

func TestAdvantageRoll(t *testing.T) {
	f := newFixture(t, "u1")
	roll, err := f.rolls.Roll(context.Background(), Request{Expression: "1d20+1", Advantage: true})
	require.NoError(t, err)
	require.Len(t, roll.Breakdown.Dice, 2)
	assert.True(t, roll.Advantage)
	assert.Equal(t, 5, roll.Result)
}

func TestFailedAppendRemovesRoll(t *testing.T) {
	f := newFixture(t, "u1")
	f.backend.FailWrites(apperr.Transient("offline", nil))

	_, err := f.rolls.Roll(context.Background(), Request{Expression: "1d8"})
	require.ErrorIs(t, err, apperr.ErrTerminal)
	assert.Equal(t, 2, f.backend.Writes())
	assert.Empty(t, f.rolls.History())

	view := f.store.View()
	assert.Empty(t, view.Rolls)
	require.Len(t, view.Notices, 1)
	assert.Contains(t, view.Notices[0].Message, "1d8")
}

func TestResnapshotKeepsHistoryFromServer(t *testing.T) {
	f := newFixture(t, "u1")
	for i := 0; i < 3; i++ {
		f.backend.Seed(t, tabletop.TableDiceRolls, fmt.Sprintf("r%d", i), tabletop.DiceRoll{
			ID:         fmt.Sprintf("r%d", i),
			CampaignID: "c1",
			Expression: "1d6",
			CreatedAt:  f.clock.Add(time.Duration(i) * time.Minute),
		})
	}
	f.follow(t)

	require.Eventually(t, func() bool { return len(f.store.View().Rolls) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "r2", f.rolls.History()[0].ID)
}
