package push

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport reads text frames from a WebSocket.
type wsTransport struct {
	url string
}

// -----------------------------------------------------------------------------

func (t *wsTransport) Open(ctx context.Context) (frameReader, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsReader{conn: conn}, nil
}

// -----------------------------------------------------------------------------

type wsReader struct {
	conn *websocket.Conn
	once sync.Once
}

func (w *wsReader) Next() ([]byte, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

// -----------------------------------------------------------------------------

func (w *wsReader) Close() error {
	var err error
	w.once.Do(func() {
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = w.conn.Close()
	})
	return err
}
