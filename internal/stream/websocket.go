package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const wsReadLimit = 1 << 20

// WebSocketTransport streams events over a WebSocket. The request is sent as
// the first text message; every following text message is one event.
type WebSocketTransport struct {
	url    string
	apiKey string
	logger *zap.Logger
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(url, apiKey string, logger *zap.Logger) *WebSocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{
		url:    url,
		apiKey: apiKey,
		logger: logger.With(zap.String("component", "ws_transport")),
	}
}

// Open dials the endpoint and sends req.
func (t *WebSocketTransport) Open(ctx context.Context, req *Request) (Stream, error) {
	header := http.Header{}
	setHeaders(header, t.apiKey)

	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	if err := wsjson.Write(ctx, conn, req); err != nil {
		conn.Close(websocket.StatusInternalError, "request failed")
		return nil, fmt.Errorf("websocket write: %w", err)
	}

	t.logger.Debug("stream opened", zap.Int("history", len(req.History)))
	return &wsStream{ctx: ctx, conn: conn}, nil
}

type wsStream struct {
	ctx  context.Context
	conn *websocket.Conn

	ended     bool
	closeOnce sync.Once
}

func (s *wsStream) Recv() (Event, error) {
	if s.ended {
		return nil, io.EOF
	}

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, io.EOF) {
				return nil, ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("websocket read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, err := Decode(data)
		if err != nil {
			return nil, err
		}
		if _, isEnd := ev.(EndEvent); isEnd {
			s.ended = true
		}
		return ev, nil
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close(websocket.StatusNormalClosure, "closing")
	})
	return err
}
