package helpers

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// WatermillZerologAdapter routes watermill's logging through zerolog. Info is
// demoted to debug because the router logs every handler start at info.
type WatermillZerologAdapter struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = (*WatermillZerologAdapter)(nil)

func NewWatermill(logger zerolog.Logger) *WatermillZerologAdapter {
	return &WatermillZerologAdapter{logger: logger.With().Str("component", "watermill").Logger()}
}

func (w *WatermillZerologAdapter) log(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	ev.Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.log(w.logger.Error().Err(err), msg, fields)
}

func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	w.log(w.logger.Debug(), msg, fields)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.log(w.logger.Debug(), msg, fields)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.log(w.logger.Trace(), msg, fields)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillZerologAdapter{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
