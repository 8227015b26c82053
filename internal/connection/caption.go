package connection

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/livecaption/internal/protocol"
	"github.com/lexiqai/livecaption/internal/transcript"
)

const captionReadLimit = 64 << 10

// captionTransport speaks JSON text messages over a websocket
type captionTransport struct {
	ws *websocket.Conn
}

func (t *captionTransport) writeJSON(v interface{}, deadline time.Time) error {
	if err := t.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.ws.WriteJSON(v)
}

func (t *captionTransport) writeMessage(msg transcript.Message, deadline time.Time) error {
	return t.writeJSON(protocol.CaptionFromMessage(msg), deadline)
}

func (t *captionTransport) writePing(deadline time.Time) error {
	return t.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

// readLoop treats pongs and client messages as activity; a hello changes the languages
func (t *captionTransport) readLoop(c *Conn) error {
	t.ws.SetReadLimit(captionReadLimit)
	t.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		c.touch()
		if hello, ok := protocol.ParseCaptionHello(data); ok {
			c.manager.setCaptionLanguages(c, hello.Languages)
		}
	}
}

func (t *captionTransport) close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.ws.Close()
}

func (t *captionTransport) remoteAddr() string {
	return t.ws.RemoteAddr().String()
}
