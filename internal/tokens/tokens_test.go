package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vttsync/internal/apperr"
	"vttsync/internal/feed"
	"vttsync/internal/rowstore"
	"vttsync/internal/rowstore/fake"
	"vttsync/internal/state"
	"vttsync/internal/tabletop"
	"vttsync/internal/writeback"
)

var dm = tabletop.Identity{UserID: "dm-1", IsDM: true}

type fixture struct {
	backend *fake.Backend
	store   *state.Store
	sync    *Synchronizer
}

func newFixture(t *testing.T, id tabletop.Identity) *fixture {
	t.Helper()
	b := fake.NewBackend(t)
	st := state.New("c1")
	s := New(Config{
		MapID:     "m1",
		Identity:  id,
		Backend:   b,
		State:     st,
		Writer:    writeback.New(writeback.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil),
		Directory: RowDirectory{Reader: b},
	})
	return &fixture{backend: b, store: st, sync: s}
}

// load snapshots the backend into the synchronizer.
func (f *fixture) load(t *testing.T) {
	t.Helper()
	rows, err := f.backend.List(context.Background(), tabletop.TableTokens, rowstore.Filter{"map_id": "m1"})
	require.NoError(t, err)
	require.NoError(t, f.sync.Reset(rows))
}

func (f *fixture) stream(t *testing.T) *feed.Stream {
	t.Helper()
	s := feed.New(f.backend, feed.Options{InitialBackoff: time.Millisecond}).Subscribe(context.Background(), f.sync.Key(), f.sync)
	t.Cleanup(func() { _ = s.Close() })
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("token feed never became ready")
	}
	return s
}

func seedToken(t *testing.T, b *fake.Backend, tok tabletop.Token) rowstore.Row {
	t.Helper()
	return b.Seed(t, tabletop.TableTokens, tok.ID, tok)
}

func position(t *testing.T, st *state.Store, id string) (float64, float64) {
	t.Helper()
	tok, ok := st.Token(id)
	require.True(t, ok, "token %s missing", id)
	return tok.X, tok.Y
}

func TestMoveSequenceConverges(t *testing.T) {
	f := newFixture(t, dm)
	seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1", Size: tabletop.SizeMedium})
	f.stream(t)

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, f.sync.MoveToken(ctx, "t1", Move{X: float64(i * 10), Y: float64(i)}))
	}

	require.Eventually(t, func() bool {
		x, y := position(t, f.store, "t1")
		return x == 50 && y == 5
	}, 2*time.Second, 5*time.Millisecond)

	row, err := f.backend.Get(ctx, tabletop.TableTokens, "t1")
	require.NoError(t, err)
	var stored tabletop.Token
	require.NoError(t, row.Decode(&stored))
	assert.Equal(t, 50.0, stored.X)
}

func TestMoveWritesOnlyPosition(t *testing.T) {
	f := newFixture(t, dm)
	seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1", Color: "red"})
	f.load(t)

	// Another writer changes the colour after our snapshot.
	_, err := f.backend.Live.Patch(context.Background(), tabletop.TableTokens, "t1", rowstore.Fields{"color": "blue"})
	require.NoError(t, err)

	require.NoError(t, f.sync.MoveToken(context.Background(), "t1", Move{X: 3, Y: 4}))

	row, err := f.backend.Get(context.Background(), tabletop.TableTokens, "t1")
	require.NoError(t, err)
	var stored tabletop.Token
	require.NoError(t, row.Decode(&stored))
	assert.Equal(t, "blue", stored.Color, "move must not clobber other fields")
	assert.Equal(t, 3.0, stored.X)
}

func TestMoveValidation(t *testing.T) {
	f := newFixture(t, dm)
	seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1"})
	f.load(t)

	err := f.sync.MoveToken(context.Background(), "t1", Move{X: math.NaN(), Y: 1})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	err = f.sync.MoveToken(context.Background(), "missing", Move{X: 1, Y: 1})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Zero(t, f.backend.Writes())
}

func TestPlayerPermissions(t *testing.T) {
	player := tabletop.Identity{UserID: "p1"}
	f := newFixture(t, player)
	seedToken(t, f.backend, tabletop.Token{ID: "mine", MapID: "m1", OwnerID: "p1"})
	seedToken(t, f.backend, tabletop.Token{ID: "theirs", MapID: "m1", OwnerID: "p2"})
	f.load(t)
	ctx := context.Background()

	err := f.sync.MoveToken(ctx, "theirs", Move{X: 9, Y: 9})
	require.True(t, errors.Is(err, apperr.ErrPermission))
	x, y := position(t, f.store, "theirs")
	assert.Zero(t, x)
	assert.Zero(t, y)

	require.NoError(t, f.sync.MoveToken(ctx, "mine", Move{X: 9, Y: 9}))

	_, err = f.sync.AddToken(ctx, NewToken{OwnerID: "p2"})
	assert.True(t, errors.Is(err, apperr.ErrPermission))

	tok, err := f.sync.AddToken(ctx, NewToken{X: 1, Y: 1})
	require.NoError(t, err)
	assert.Equal(t, "p1", tok.OwnerID)
	assert.Equal(t, "m1", tok.MapID)

	assert.True(t, errors.Is(f.sync.RemoveToken(ctx, "theirs"), apperr.ErrPermission))
	assert.Equal(t, 2, f.backend.Writes())
}

func TestTerminalFailureRollsBack(t *testing.T) {
	f := newFixture(t, dm)
	seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1", X: 1, Y: 1})
	f.load(t)
	f.backend.FailWrites(apperr.Transient("store unavailable", nil))

	err := f.sync.MoveToken(context.Background(), "t1", Move{X: 100, Y: 100})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTerminal, apperr.KindOf(err))
	assert.Equal(t, 2, f.backend.Writes(), "transient failures are retried")

	x, y := position(t, f.store, "t1")
	assert.Equal(t, 1.0, x)
	assert.Equal(t, 1.0, y)

	v := f.store.View()
	require.Len(t, v.Notices, 1)
	assert.Equal(t, state.LevelError, v.Notices[0].Level)
}

func TestFailedAddAndRemoveRevert(t *testing.T) {
	f := newFixture(t, dm)
	seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1"})
	f.load(t)
	f.backend.FailWrites(apperr.Transient("store unavailable", nil))
	ctx := context.Background()

	_, err := f.sync.AddToken(ctx, NewToken{ID: "t2"})
	require.Error(t, err)
	_, ok := f.store.Token("t2")
	assert.False(t, ok, "failed insert must disappear")

	require.Error(t, f.sync.RemoveToken(ctx, "t1"))
	_, ok = f.store.Token("t1")
	assert.True(t, ok, "failed delete must restore the token")
}

func TestStaleEventsAreDropped(t *testing.T) {
	f := newFixture(t, dm)
	old := seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1", X: 1})
	newer := seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1", X: 2})
	f.load(t)

	require.NoError(t, f.sync.Apply(rowstore.Event{Type: rowstore.EventUpdate, Row: old}))
	x, _ := position(t, f.store, "t1")
	assert.Equal(t, 2.0, x)

	del := newer
	del.Version = newer.Version + 1
	require.NoError(t, f.sync.Apply(rowstore.Event{Type: rowstore.EventDelete, Row: del}))
	_, ok := f.store.Token("t1")
	assert.False(t, ok)

	// An insert older than the delete must not resurrect the token.
	require.NoError(t, f.sync.Apply(rowstore.Event{Type: rowstore.EventInsert, Row: newer}))
	_, ok = f.store.Token("t1")
	assert.False(t, ok)
}

func TestRemoteEventWinsOverOptimisticState(t *testing.T) {
	f := newFixture(t, dm)
	row := seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1"})
	f.load(t)

	// Simulate a local optimistic edit that has not been confirmed yet.
	tok, _ := f.store.Token("t1")
	tok.X = 40
	f.store.PutToken(tok)

	remote := row
	remote.Version = row.Version + 10
	remote.Data = json.RawMessage(`{"map_id":"m1","x":7,"y":8}`)
	require.NoError(t, f.sync.Apply(rowstore.Event{Type: rowstore.EventUpdate, Row: remote}))

	x, y := position(t, f.store, "t1")
	assert.Equal(t, 7.0, x)
	assert.Equal(t, 8.0, y)
}

func TestProjectionSurvivesRemoteMoves(t *testing.T) {
	f := newFixture(t, dm)
	f.backend.Seed(t, tabletop.TableCharacters, "ch1", tabletop.Character{Name: "Mira", AvatarURL: "/a/mira.png"})
	seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1", CharacterID: "ch1"})
	f.load(t)

	tok, _ := f.store.Token("t1")
	require.NotNil(t, tok.Projection)
	assert.Equal(t, "Mira", tok.Projection.Name)

	// The directory becomes unreachable; the cached projection must stay.
	_, err := f.backend.Live.Delete(context.Background(), tabletop.TableCharacters, "ch1")
	require.NoError(t, err)
	moved := seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1", CharacterID: "ch1", X: 5})
	require.NoError(t, f.sync.Apply(rowstore.Event{Type: rowstore.EventUpdate, Row: moved}))

	tok, _ = f.store.Token("t1")
	require.NotNil(t, tok.Projection)
	assert.Equal(t, "Mira", tok.Projection.Name)
	assert.Equal(t, 5.0, tok.X)
}

func TestSetProjectionUpdatesTokens(t *testing.T) {
	f := newFixture(t, dm)
	seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1", CharacterID: "ch9"})
	f.load(t)

	f.sync.SetProjection("ch9", tabletop.Projection{Name: "Orc"})
	tok, _ := f.store.Token("t1")
	require.NotNil(t, tok.Projection)
	assert.Equal(t, "Orc", tok.Projection.Name)
}

func TestUpdateVisual(t *testing.T) {
	f := newFixture(t, dm)
	seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1", X: 3})
	f.load(t)
	ctx := context.Background()

	huge := tabletop.SizeHuge
	conds := []string{"prone"}
	require.NoError(t, f.sync.UpdateTokenVisual(ctx, "t1", Visual{Size: &huge, Conditions: &conds}))

	tok, _ := f.store.Token("t1")
	assert.Equal(t, tabletop.SizeHuge, tok.Size)
	assert.Equal(t, []string{"prone"}, tok.Conditions)
	assert.Equal(t, 3.0, tok.X)

	bad := tabletop.SizeCategory("colossal")
	assert.True(t, errors.Is(f.sync.UpdateTokenVisual(ctx, "t1", Visual{Size: &bad}), apperr.ErrValidation))
	assert.True(t, errors.Is(f.sync.UpdateTokenVisual(ctx, "t1", Visual{}), apperr.ErrValidation))
}

func TestTokenOnOtherMapIsIgnored(t *testing.T) {
	f := newFixture(t, dm)
	row := seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m2"})
	require.NoError(t, f.sync.Apply(rowstore.Event{Type: rowstore.EventInsert, Row: row}))
	_, ok := f.store.Token("t1")
	assert.False(t, ok)
}

func TestTokenMovedToOtherMapLeavesFeed(t *testing.T) {
	f := newFixture(t, dm)
	seedToken(t, f.backend, tabletop.Token{ID: "t1", MapID: "m1"})
	f.stream(t)
	require.Eventually(t, func() bool {
		_, ok := f.store.Token("t1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, err := f.backend.Patch(context.Background(), tabletop.TableTokens, "t1", rowstore.Fields{"map_id": "m2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := f.store.Token("t1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}
