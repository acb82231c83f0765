package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/murmux/murmux/pkg/voice"
)

// maxMessageBytes bounds a single inbound message. Client capture buffers
// may batch up to roughly a second of 48kHz stereo PCM.
const maxMessageBytes = 1 << 20

var _ Conn = (*wsConn)(nil)

// wsConn adapts a coder/websocket connection to [Conn]. Binary messages
// carry PCM, text messages carry JSON events.
type wsConn struct {
	conn *websocket.Conn

	// Serializes frame writes from the event and audio paths.
	writeMu sync.Mutex

	closeOnce sync.Once
}

// Accept upgrades an incoming HTTP request to a session connection.
func Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, voice.Errorf(voice.KindTransport, "transport: accept: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)
	return &wsConn{conn: conn}, nil
}

// Dial opens a client session connection to url.
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, voice.Errorf(voice.KindTransport, "transport: dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageBytes)
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) SendEvent(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return voice.Errorf(voice.KindTransport, "transport: encode %s event: %w", evt.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return voice.Errorf(voice.KindTransport, "transport: send %s event: %w", evt.Type, err)
	}
	return nil
}

func (c *wsConn) SendAudio(ctx context.Context, pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return voice.Errorf(voice.KindTransport, "transport: send audio: %w", err)
	}
	return nil
}

// Receive reads the next message. Text frames that fail to decode are
// skipped rather than failing the session; a client protocol bug should not
// take the audio path down with it.
func (c *wsConn) Receive(ctx context.Context) (Message, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return Message{}, voice.Errorf(voice.KindTransport, "transport: receive: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			return Message{Audio: data}, nil
		case websocket.MessageText:
			var evt Event
			if err := json.Unmarshal(data, &evt); err != nil || evt.Type == "" {
				continue
			}
			return Message{Event: &evt}, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
