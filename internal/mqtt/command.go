package mqtt

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/nugget/envnode/internal/diaglog"
	"github.com/nugget/envnode/internal/watchdog"
)

var urlKey = []byte(`"url"`)

// ExtractURL finds the value of the "url" field in an update command.
//
// This is a delimiter scan, not a JSON parser: it locates the literal
// "url" key, then takes the text between the next two double quotes. A
// payload without the key, or with an empty value, yields "". Escapes
// are not interpreted.
func ExtractURL(payload []byte) string {
	u := bytes.Index(payload, urlKey)
	if u < 0 {
		return ""
	}
	rest := payload[u+len(urlKey):]
	q1 := bytes.IndexByte(rest, '"')
	if q1 < 0 {
		return ""
	}
	q2 := bytes.IndexByte(rest[q1+1:], '"')
	if q2 < 0 {
		return ""
	}
	return string(rest[q1+1 : q1+1+q2])
}

// UpdateFunc runs a firmware update from url. It returns when the
// update has failed; a successful update restarts the node and does not
// return.
type UpdateFunc func(ctx context.Context, url string)

// UpdateCommandHandler returns the handler for the update command topic.
// It resets the liveness monitor on entry, ignores payloads without a
// url, and otherwise runs update synchronously.
func UpdateCommandHandler(update UpdateFunc, kick watchdog.Kicker, diag diaglog.Recorder, logger *slog.Logger) Handler {
	if kick == nil {
		kick = watchdog.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg Message) {
		kick.Reset()

		url := ExtractURL(msg.Payload)
		if url == "" {
			logger.Warn("update command ignored: no url", "topic", msg.Topic, "payload_size", len(msg.Payload))
			diag.Info("OTA ignored: no url")
			return
		}

		logger.Info("update command received", "url", url)
		diag.Info("OTA request URL=" + url)
		update(ctx, url)
	}
}
