package websocket

import (
	"log/slog"
	"net/http"
	"strings"

	ws "github.com/coder/websocket"
)

// HandleWebSocket upgrades admin connections to the live feed. The
// optional entity query parameter (repeatable or comma separated, e.g.
// ?entity=license,backup) narrows what the client receives.
// originPatterns limits browser origins; empty allows same-origin only.
func HandleWebSocket(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entities := parseEntities(r.URL.Query()["entity"])

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}
		logger.Debug("admin feed connected", "entities", entities)

		NewClient(hub, conn, entities).Run(r.Context())
	}
}

func parseEntities(values []string) []string {
	var out []string
	for _, v := range values {
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				out = append(out, e)
			}
		}
	}
	return out
}
