package agent

import (
	"log/slog"
	"time"

	"github.com/dirwatch/dirwatch/internal/watcher"
)

// logListener writes every event to the structured log.
type logListener struct {
	watcher.NopListener

	logger *slog.Logger
	watch  string
}

func newLogListener(logger *slog.Logger, watch string) *logListener {
	return &logListener{logger: logger, watch: watch}
}

func (l *logListener) OnEvent(ev watcher.Event) {
	l.logger.Info("directory event",
		slog.String("watch", l.watch),
		slog.String("kind", ev.Kind.String()),
		slog.String("dir", ev.Dir),
		slog.String("name", ev.Name),
		slog.String("at", ev.Time.UTC().Format(time.RFC3339Nano)),
	)
}
