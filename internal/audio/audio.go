// Package audio keeps every client's local output in step with the shared
// playback row of a campaign. Only the DM writes the row; everybody
// reconciles to it and applies their own listener volume on top.
package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vttsync/internal/apperr"
	"vttsync/internal/feed"
	"vttsync/internal/rowstore"
	"vttsync/internal/state"
	"vttsync/internal/tabletop"
	"vttsync/internal/writeback"
)

// ErrAutoplayBlocked is returned by an Output that may only start playing
// after a user gesture.
var ErrAutoplayBlocked = errors.New("autoplay blocked until user gesture")

const resolveTimeout = 5 * time.Second

// Output is the local audio element.
type Output interface {
	SetSource(url string) error
	SetLoop(loop bool)
	SetVolume(volume float64)
	Play() error
	Pause()
	Stop()
}

// TrackResolver maps a track id to a playable URL.
type TrackResolver interface {
	TrackURL(ctx context.Context, trackID string) (string, error)
}

// TrackMap is a static TrackResolver.
type TrackMap map[string]string

func (m TrackMap) TrackURL(_ context.Context, trackID string) (string, error) {
	url, ok := m[trackID]
	if !ok {
		return "", apperr.NotFound("track %s", trackID)
	}
	return url, nil
}

// Config wires an Engine.
type Config struct {
	CampaignID string
	Identity   tabletop.Identity
	Backend    rowstore.Writer
	State      *state.Store
	Writer     *writeback.Writer
	Output     Output
	Tracks     TrackResolver
	Logger     *slog.Logger
}

// Engine syncs the playback row and drives Output.
type Engine struct {
	campaignID string
	identity   tabletop.Identity
	backend    rowstore.Writer
	state      *state.Store
	writer     *writeback.Writer
	output     Output
	tracks     TrackResolver
	logger     *slog.Logger

	mu        sync.Mutex
	shared    tabletop.PlaybackState
	confirmed tabletop.PlaybackState
	version   int64
	listener  float64
	urls      map[string]string

	// outMu serializes reconciliation; the fields below belong to it.
	outMu        sync.Mutex
	source       string
	playing      bool
	needsGesture bool
}

// New returns an Engine for cfg.CampaignID.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Writer == nil {
		cfg.Writer = writeback.New(writeback.DefaultPolicy(), cfg.Logger)
	}
	if cfg.Tracks == nil {
		cfg.Tracks = TrackMap{}
	}
	def := tabletop.DefaultPlayback(cfg.CampaignID)
	return &Engine{
		campaignID: cfg.CampaignID,
		identity:   cfg.Identity,
		backend:    cfg.Backend,
		state:      cfg.State,
		writer:     cfg.Writer,
		output:     cfg.Output,
		tracks:     cfg.Tracks,
		logger:     cfg.Logger.With(slog.String("component", "audio"), slog.String("campaign_id", cfg.CampaignID)),
		shared:     def,
		confirmed:  def,
		listener:   1,
		urls:       make(map[string]string),
	}
}

// Key is the playback feed of the campaign.
func (e *Engine) Key() feed.Key {
	return feed.Key{Table: tabletop.TablePlaybackStates, Filter: rowstore.Filter{"campaign_id": e.campaignID}}
}

// Playback returns the shared state as displayed.
func (e *Engine) Playback() tabletop.PlaybackState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shared
}

// SetActiveTrack selects the campaign track.
func (e *Engine) SetActiveTrack(ctx context.Context, trackID string) error {
	return e.write(ctx, "set track", func(p *tabletop.PlaybackState) error {
		p.ActiveTrackID = trackID
		return nil
	})
}

// Play starts the active track for everyone.
func (e *Engine) Play(ctx context.Context) error {
	return e.write(ctx, "play", func(p *tabletop.PlaybackState) error {
		if p.ActiveTrackID == "" {
			return apperr.Validation("no active track to play")
		}
		p.IsPlaying = true
		return nil
	})
}

// Pause pauses playback for everyone.
func (e *Engine) Pause(ctx context.Context) error {
	return e.write(ctx, "pause", func(p *tabletop.PlaybackState) error {
		p.IsPlaying = false
		return nil
	})
}

// Stop pauses and clears the active track.
func (e *Engine) Stop(ctx context.Context) error {
	return e.write(ctx, "stop", func(p *tabletop.PlaybackState) error {
		p.IsPlaying = false
		p.ActiveTrackID = ""
		return nil
	})
}

// SetVolume sets the shared volume in [0, 1].
func (e *Engine) SetVolume(ctx context.Context, volume float64) error {
	if err := validVolume(volume); err != nil {
		return err
	}
	return e.write(ctx, "set volume", func(p *tabletop.PlaybackState) error {
		p.Volume = volume
		return nil
	})
}

// SetLoop toggles looping.
func (e *Engine) SetLoop(ctx context.Context, loop bool) error {
	return e.write(ctx, "set loop", func(p *tabletop.PlaybackState) error {
		p.IsLooping = loop
		return nil
	})
}

// SetListenerVolume changes this client's modifier. Nothing is written.
func (e *Engine) SetListenerVolume(volume float64) error {
	if err := validVolume(volume); err != nil {
		return err
	}
	e.mu.Lock()
	e.listener = volume
	e.mu.Unlock()
	e.reconcile(false)
	return nil
}

// UserGesture retries a play intent the output refused without one.
func (e *Engine) UserGesture() {
	e.outMu.Lock()
	e.needsGesture = false
	e.outMu.Unlock()
	e.reconcile(false)
}

func (e *Engine) write(ctx context.Context, op string, mutate func(*tabletop.PlaybackState) error) error {
	if !e.identity.IsDM {
		return apperr.Permission("only the DM can control campaign audio")
	}

	e.mu.Lock()
	next := e.shared
	if err := mutate(&next); err != nil {
		e.mu.Unlock()
		return err
	}
	next.CampaignID = e.campaignID
	data, err := json.Marshal(next)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("encode playback: %w", err)
	}
	e.shared = next
	e.mu.Unlock()
	e.reconcile(true)

	row, err := writeback.Do(ctx, e.writer, op, func(ctx context.Context) (rowstore.Row, error) {
		return e.backend.Put(ctx, tabletop.TablePlaybackStates, e.campaignID, data)
	})

	e.mu.Lock()
	if err != nil {
		e.shared = e.confirmed
		e.mu.Unlock()
		e.logger.Error("playback write failed, reverted", slog.String("op", op), slog.String("error", err.Error()))
		e.state.Notify(state.LevelError, "audio", fmt.Sprintf("Could not %s; change reverted.", op))
		e.reconcile(true)
		return err
	}
	changed := e.applyRowLocked(row)
	e.mu.Unlock()
	if changed {
		e.reconcile(true)
	}
	return nil
}

// Reset applies a snapshot. No row means the defaults.
func (e *Engine) Reset(rows []rowstore.Row) error {
	e.mu.Lock()
	e.version = 0
	e.confirmed = tabletop.DefaultPlayback(e.campaignID)
	e.shared = e.confirmed
	for _, row := range rows {
		if row.ID == e.campaignID {
			e.applyRowLocked(row)
		}
	}
	e.mu.Unlock()
	e.reconcile(true)
	return nil
}

// Apply merges one feed event; the remote row always replaces local state.
func (e *Engine) Apply(ev rowstore.Event) error {
	if ev.Row.ID != e.campaignID {
		return nil
	}
	e.mu.Lock()
	var changed bool
	if ev.Type == rowstore.EventDelete {
		if ev.Row.Version > e.version {
			e.version = ev.Row.Version
			e.confirmed = tabletop.DefaultPlayback(e.campaignID)
			e.shared = e.confirmed
			changed = true
		}
	} else {
		changed = e.applyRowLocked(ev.Row)
	}
	e.mu.Unlock()
	if changed {
		e.reconcile(true)
	}
	return nil
}

func (e *Engine) applyRowLocked(row rowstore.Row) bool {
	if row.Version <= e.version {
		return false
	}
	var p tabletop.PlaybackState
	if err := row.Decode(&p); err != nil {
		e.logger.Warn("malformed playback row", slog.String("error", err.Error()))
		return false
	}
	p.CampaignID = e.campaignID
	e.version = row.Version
	e.confirmed = p
	e.shared = p
	return true
}

// reconcile drives the output to match the shared state and listener volume.
// With lookup the track URL is resolved before outMu is taken; without it an
// uncached track is left to the reconcile that looks it up.
func (e *Engine) reconcile(lookup bool) {
	var resolved string
	if lookup {
		e.mu.Lock()
		resolved = e.shared.ActiveTrackID
		_, cached := e.urls[resolved]
		e.mu.Unlock()
		if resolved != "" && !cached {
			if _, err := e.resolve(resolved); err != nil {
				e.logger.Warn("track lookup failed", slog.String("track_id", resolved), slog.String("error", err.Error()))
			}
		}
	}

	e.outMu.Lock()
	defer e.outMu.Unlock()

	e.mu.Lock()
	target, listener := e.shared, e.listener
	url, cached := e.urls[target.ActiveTrackID]
	e.mu.Unlock()

	if target.ActiveTrackID != "" && !cached && target.ActiveTrackID != resolved {
		e.publish(target, listener)
		return
	}
	if e.output == nil {
		e.publish(target, listener)
		return
	}

	switch {
	case url == "" && e.source != "":
		e.output.Stop()
		e.source, e.playing = "", false
	case url != "" && url != e.source:
		if err := e.output.SetSource(url); err != nil {
			e.logger.Error("set audio source", slog.String("url", url), slog.String("error", err.Error()))
			e.source, e.playing = "", false
			e.publish(target, listener)
			return
		}
		e.source, e.playing = url, false
	}

	e.output.SetLoop(target.IsLooping)
	e.output.SetVolume(target.Volume * listener)

	wantPlay := target.IsPlaying && e.source != ""
	switch {
	case wantPlay && !e.playing && !e.needsGesture:
		err := e.output.Play()
		switch {
		case errors.Is(err, ErrAutoplayBlocked):
			e.needsGesture = true
		case err != nil:
			e.logger.Error("audio play failed", slog.String("error", err.Error()))
		default:
			e.playing = true
		}
	case !wantPlay:
		if e.playing {
			e.output.Pause()
			e.playing = false
		}
		e.needsGesture = false
	}
	e.publish(target, listener)
}

func (e *Engine) resolve(trackID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	url, err := e.tracks.TrackURL(ctx, trackID)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.urls[trackID] = url
	e.mu.Unlock()
	return url, nil
}

// publish must be called with outMu held.
func (e *Engine) publish(target tabletop.PlaybackState, listener float64) {
	e.state.SetPlayback(target)
	e.state.SetAudio(state.Audio{
		TrackURL:        e.source,
		Playing:         e.playing,
		ListenerVolume:  listener,
		EffectiveVolume: target.Volume * listener,
		NeedsGesture:    e.needsGesture,
	})
}

func validVolume(v float64) error {
	if !tabletop.Finite(v) || v < 0 || v > 1 {
		return apperr.Validation("volume %v must be between 0 and 1", v)
	}
	return nil
}
