package display

import (
	"context"
	"log/slog"
	"time"
)

// LogSink writes every display call as a structured log event.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Render(v View) {
	s.log.Info("display.render",
		"state", v.State,
		"session_id", v.SessionID,
		"subject", v.Subject,
		"front_photo", v.FrontPhoto,
		"back_photo", v.BackPhoto,
	)
}

func (s *LogSink) Notify(n Notice) {
	lvl := slog.LevelInfo
	switch n.Level {
	case LevelWarning:
		lvl = slog.LevelWarn
	case LevelError:
		lvl = slog.LevelError
	}
	s.log.Log(context.Background(), lvl, "display.notice", "title", n.Title, "text", n.Text, "permanent", n.Permanent())
}

func (s *LogSink) Heartbeat(at time.Time) {
	s.log.Debug("display.heartbeat", "at", at)
}

func (s *LogSink) Connection(state string, recovered bool) {
	s.log.Info("display.connection", "state", state, "recovered", recovered)
}

// LogSurface is a Surface for headless runs; it only records mode changes.
type LogSurface struct {
	log *slog.Logger
}

func NewLogSurface(log *slog.Logger) *LogSurface {
	if log == nil {
		log = slog.Default()
	}
	return &LogSurface{log: log}
}

func (s *LogSurface) Activate(m Mode) error {
	s.log.Info("surface.activate", "mode", m)
	return nil
}

func (s *LogSurface) Reset()   { s.log.Info("surface.reset") }
func (s *LogSurface) Release() { s.log.Info("surface.release") }
