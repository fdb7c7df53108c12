package metrics

import (
	"context"
	"io"
	"log/slog"
)

// JSONLObserver appends one JSON object per event to w.
type JSONLObserver struct {
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, "metrics", eventAttrs(ev)...)
}
