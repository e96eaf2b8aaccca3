package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vttsync/internal/tabletop"
)

func TestViewIsDeepCopy(t *testing.T) {
	s := New("c1")
	hp := 10
	s.PutToken(tabletop.Token{ID: "t1", Conditions: []string{"prone"}, HPCurrent: &hp})
	s.SetFog(tabletop.FogDocument{MapID: "m1", Shapes: []tabletop.Shape{{Kind: tabletop.ShapePolygon, Points: []tabletop.Point{{X: 1}}}}})

	v := s.View()
	v.Tokens[0].Conditions[0] = "changed"
	*v.Tokens[0].HPCurrent = 1
	v.Fog.Shapes[0].Points[0].X = 99

	again := s.View()
	assert.Equal(t, "prone", again.Tokens[0].Conditions[0])
	assert.Equal(t, 10, *again.Tokens[0].HPCurrent)
	assert.Equal(t, float64(1), again.Fog.Shapes[0].Points[0].X)
}

func TestTokensSortedByID(t *testing.T) {
	s := New("c1")
	s.ResetTokens([]tabletop.Token{{ID: "b"}, {ID: "a"}})
	s.PutToken(tabletop.Token{ID: "c"})
	s.RemoveToken("b")

	v := s.View()
	require.Len(t, v.Tokens, 2)
	assert.Equal(t, "a", v.Tokens[0].ID)
	assert.Equal(t, "c", v.Tokens[1].ID)
}

func TestClosedStoreDiscardsMutations(t *testing.T) {
	s := New("c1")
	require.True(t, s.PutToken(tabletop.Token{ID: "t1"}))
	s.Close()

	assert.False(t, s.PutToken(tabletop.Token{ID: "t2"}))
	assert.False(t, s.Notify(LevelError, "tokens", "late"))
	v := s.View()
	assert.Len(t, v.Tokens, 1)
	assert.Empty(t, v.Notices)
	assert.True(t, s.Closed())
}

func TestWatchCoalesces(t *testing.T) {
	s := New("c1")
	ch, stop := s.Watch()
	defer stop()

	for i := 0; i < 5; i++ {
		s.PutToken(tabletop.Token{ID: fmt.Sprintf("t%d", i)})
	}

	select {
	case v := <-ch:
		assert.Equal(t, s.Version(), v)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra notification %d", v)
	default:
	}
}

func TestWatchClosesOnStoreClose(t *testing.T) {
	s := New("c1")
	ch, stop := s.Watch()
	s.Close()
	_, ok := <-ch
	assert.False(t, ok)
	stop()

	late, _ := s.Watch()
	_, ok = <-late
	assert.False(t, ok)
}

func TestNoticesBounded(t *testing.T) {
	s := New("c1")
	for i := 0; i < maxNotices+5; i++ {
		s.Notify(LevelError, "rolls", fmt.Sprintf("n%d", i))
	}
	v := s.View()
	require.Len(t, v.Notices, maxNotices)
	assert.Equal(t, "n5", v.Notices[0].Message)

	s.Dismiss(v.Notices[0].ID)
	assert.Len(t, s.View().Notices, maxNotices-1)
}

func TestCombatCurrent(t *testing.T) {
	c := Combat{
		Encounter:    &tabletop.Encounter{ID: "e1", Active: true, RoundNumber: 1, CurrentTurnIndex: 1},
		Participants: []tabletop.Participant{{ID: "p1"}, {ID: "p2"}},
	}
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "p2", cur.ID)

	_, ok = Combat{}.Current()
	assert.False(t, ok)
}

func TestVisibleTokens(t *testing.T) {
	s := New("c1")
	s.ResetTokens([]tabletop.Token{
		{ID: "a"},
		{ID: "b", VisibleTo: []string{"u2"}},
	})
	v := s.View()
	assert.Len(t, v.VisibleTokens(tabletop.Identity{UserID: "u1"}), 1)
	assert.Len(t, v.VisibleTokens(tabletop.Identity{UserID: "u2"}), 2)
	assert.Len(t, v.VisibleTokens(tabletop.Identity{UserID: "u1", IsDM: true}), 2)
}

func TestDefaultPlaybackAndListener(t *testing.T) {
	v := New("c1").View()
	assert.Equal(t, "c1", v.Playback.CampaignID)
	assert.Equal(t, 1.0, v.Playback.Volume)
	assert.Equal(t, 1.0, v.Audio.ListenerVolume)
}
