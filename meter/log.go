package meter

import (
	"log/slog"

	"github.com/ineyio/credgate"
)

// LogMeter logs lock and admission events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ credgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAcquire(e credgate.AcquireEvent) {
	if e.Error != nil {
		m.Logger.Error("acquire_error",
			"caller", e.CallerID,
			"credential", credgate.Redact(e.Credential),
			"attempt", e.Attempt,
			"error", e.Error,
		)
		return
	}
	m.Logger.Debug("acquire",
		"caller", e.CallerID,
		"credential", credgate.Redact(e.Credential),
		"attempt", e.Attempt,
		"acquired", e.Acquired,
		"sticky", e.Sticky,
		"fallback", e.Fallback,
	)
}

func (m *LogMeter) OnResult(e credgate.ResultEvent) {
	attrs := []any{
		"caller", e.CallerID,
		"credential", credgate.Redact(e.Credential),
		"state", e.State.String(),
		"attempts", e.Attempts,
		"wait_ms", e.Wait.Milliseconds(),
		"duration_ms", e.Duration.Milliseconds(),
	}

	switch e.State {
	case credgate.StateReleased:
		if e.Error != nil {
			m.Logger.Info("result", append(attrs, "upstream_error", e.Error)...)
			return
		}
		m.Logger.Info("result", attrs...)
	case credgate.StateBusyRejected, credgate.StateQuotaRejected:
		m.Logger.Warn("result_rejected", attrs...)
	default:
		m.Logger.Error("result_error", append(attrs, "error", e.Error)...)
	}
}
