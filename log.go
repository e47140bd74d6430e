package groundlayers

import "log/slog"

var logger = slog.New(slog.DiscardHandler)

// SetLogger sets the logger used for debug records. Pass nil to disable
// logging.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	logger = l
}
