package audio

import "log/slog"

// LogOutput is an Output for headless clients: it only logs what a real
// player would do.
type LogOutput struct {
	Logger *slog.Logger
}

func (o LogOutput) log() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o LogOutput) SetSource(url string) error {
	o.log().Info("audio source", slog.String("url", url))
	return nil
}

func (o LogOutput) SetLoop(loop bool) {
	o.log().Debug("audio loop", slog.Bool("loop", loop))
}

func (o LogOutput) SetVolume(volume float64) {
	o.log().Debug("audio volume", slog.Float64("volume", volume))
}

func (o LogOutput) Play() error {
	o.log().Info("audio play")
	return nil
}

func (o LogOutput) Pause() { o.log().Info("audio pause") }

func (o LogOutput) Stop() { o.log().Info("audio stop") }
