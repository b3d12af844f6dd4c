package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/MrWong99/echonet/internal/state"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// watchMessage is one frame on the /state/watch stream: a full snapshot on
// connect, then one change per applied mutation.
type watchMessage struct {
	Type     string            `json:"type"` // "snapshot" or "change"
	Settings map[string]string `json:"settings,omitempty"`
	Change   *state.Change     `json:"change,omitempty"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	ctx := r.Context()

	// Subscribe before the snapshot so no change between the two is lost;
	// at worst the client sees a change already reflected in the snapshot.
	ch, cancel := s.opts.State.Subscribe()
	defer cancel()

	settings, err := s.opts.State.Settings(ctx)
	if err != nil {
		c.Close(websocket.StatusInternalError, "read settings")
		return
	}
	snapshot := make(map[string]string, len(settings))
	for _, st := range settings {
		snapshot[st.Name] = st.Value
	}
	if err := wsjson.Write(ctx, c, watchMessage{Type: "snapshot", Settings: snapshot}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case change, ok := <-ch:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "state manager closed")
				return
			}
			if err := wsjson.Write(ctx, c, watchMessage{Type: "change", Change: &change}); err != nil {
				return
			}
		}
	}
}
