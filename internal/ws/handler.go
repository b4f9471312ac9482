package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/shared/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer
	},
}

// HandleConnection upgrades a window connection and runs its read loop.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := h.register(conn)
	defer func() {
		h.unregister(client)
		conn.Close()
	}()

	go client.writePump()

	client.Post(types.WSMessage{
		Type:    "system",
		Payload: map[string]string{"message": "Connected to clinic sync service", "client_id": client.id},
		TS:      types.Now(),
	})

	for {
		var msg types.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			h.logger.Debug("websocket read ended", zap.String("client", client.id), zap.Error(err))
			return
		}
		if h.metrics != nil {
			h.metrics.RecordWSMessage(msg.Type)
		}
		h.dispatch(client, msg)
	}
}

func (h *Hub) dispatch(client *Client, msg types.WSMessage) {
	switch msg.Type {
	case "ping":
		client.Post(types.WSMessage{Type: "pong", TS: types.Now()})
	case "publish":
		if msg.Event == "" {
			client.Post(errorMessage("publish requires an event tag"))
			return
		}
		if h.emit != nil {
			h.emit(msg.Event, msg.Payload)
		}
	case "subscribe":
		if msg.Event == "" {
			client.Post(errorMessage("subscribe requires a collection in the event tag"))
			return
		}
		if h.subscribe != nil {
			if err := h.subscribe(msg.Event); err != nil {
				client.Post(errorMessage(err.Error()))
				return
			}
		}
		client.Post(types.WSMessage{Type: "subscribed", Event: msg.Event, TS: types.Now()})
	case "LOCAL_NOTIFY":
		if msg.Notify == nil {
			client.Post(errorMessage("LOCAL_NOTIFY requires a payload"))
			return
		}
		if h.notifyLocal != nil {
			h.notifyLocal(*msg.Notify)
		}
	default:
		client.Post(errorMessage("unknown message type"))
	}
}

func (c *Client) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			c.hub.logger.Debug("websocket write failed", zap.String("client", c.id), zap.Error(err))
			return
		}
	}
}

func errorMessage(text string) types.WSMessage {
	return types.WSMessage{Type: "error", Payload: map[string]string{"message": text}, TS: types.Now()}
}
