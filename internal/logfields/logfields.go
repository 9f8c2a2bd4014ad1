package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID    = "build_id"
	KeyStage      = "stage"
	KeyStatus     = "status"
	KeyWorker     = "worker"
	KeyChannel    = "channel"
	KeyPath       = "path"
	KeyURL        = "url"
	KeyFid        = "fid"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr     { return slog.String(KeyBuildID, id) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Status(code int32) slog.Attr     { return slog.Int(KeyStatus, int(code)) }
func Worker(id string) slog.Attr      { return slog.String(KeyWorker, id) }
func Channel(name string) slog.Attr   { return slog.String(KeyChannel, name) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Fid(fid string) slog.Attr        { return slog.String(KeyFid, fid) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
