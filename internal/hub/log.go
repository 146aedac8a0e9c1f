package hub

import (
	"log/slog"

	"go.klb.dev/cliprelay/internal/logging"
	"go.klb.dev/cliprelay/internal/message"
)

// LogUpdate logs a clipboard update at INFO (origin, content type, size,
// recipients) and DEBUG (text preview up to logging.PreviewLen runes).
// Clipboard text never appears at INFO.
func LogUpdate(log *slog.Logger, event string, u message.Update, recipients int) {
	log.Info(event,
		"from", u.OriginUser,
		"content_type", u.ContentType,
		"size_bytes", len(u.Payload),
		"recipients", recipients,
	)

	if !logging.DebugEnabled(log) {
		return
	}
	if u.ContentType == message.ContentText {
		log.Debug("clipboard text", "preview", logging.Preview(u.Payload))
	}
}
