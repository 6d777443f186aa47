package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"faceattend/internal/faceclient"
	"faceattend/internal/model"
)

// WebSocketSource reads binary JPEG frames from a browser camera. A text
// message "end" or a normal close ends the run. Frame outcomes are written
// back to the client as JSON events.
type WebSocketSource struct {
	conn *websocket.Conn

	// ReadTimeout bounds the wait for the next frame.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	wmu  sync.Mutex
	once sync.Once
}

// NewWebSocketSource wraps an upgraded connection.
func NewWebSocketSource(conn *websocket.Conn) *WebSocketSource {
	return &WebSocketSource{conn: conn, ReadTimeout: time.Minute, WriteTimeout: 5 * time.Second}
}

// Next implements FrameSource.
func (s *WebSocketSource) Next(ctx context.Context) (model.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		// unblock ReadMessage
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		if s.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
		if ctx.Err() != nil {
			return model.Frame{}, ctx.Err()
		}
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return model.Frame{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return model.Frame{}, io.EOF
			}
			return model.Frame{}, err
		}
		switch typ {
		case websocket.TextMessage:
			if string(data) == "end" {
				return model.Frame{}, io.EOF
			}
			continue
		case websocket.BinaryMessage:
			img, err := faceclient.DecodeImage(data)
			if err != nil {
				return model.Frame{CapturedAt: time.Now().UTC()}, nil
			}
			return model.Frame{Img: img, CapturedAt: time.Now().UTC()}, nil
		}
	}
}

// Emit implements EventSink. Write failures are ignored; the next read
// surfaces a broken connection.
func (s *WebSocketSource) Emit(ev Event) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	_ = s.conn.WriteJSON(ev)
}

// Close sends a close frame and closes the connection.
func (s *WebSocketSource) Close() error {
	var err error
	s.once.Do(func() {
		s.wmu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run ended"),
			time.Now().Add(s.WriteTimeout))
		s.wmu.Unlock()
		err = s.conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}
