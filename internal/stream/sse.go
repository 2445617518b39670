package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SSETransport streams events over a server-sent events response.
type SSETransport struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSSETransport creates an SSE transport. timeout bounds the whole turn.
func NewSSETransport(url, apiKey string, timeout time.Duration, logger *zap.Logger) *SSETransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSETransport{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(zap.String("component", "sse_transport")),
	}
}

// Open posts req and returns the event stream of the response.
func (t *SSETransport) Open(ctx context.Context, req *Request) (Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	setHeaders(httpReq.Header, t.apiKey)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("stream endpoint returned error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	t.logger.Debug("stream opened", zap.Int("history", len(req.History)))
	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc

	ended     bool
	closeOnce sync.Once
}

// Recv reads lines until a "data:" line yields an event. Other SSE fields
// and comments are skipped.
func (s *sseStream) Recv() (Event, error) {
	if s.ended {
		return nil, io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		ev, decodeErr := s.parseLine(line)
		if decodeErr != nil {
			return nil, decodeErr
		}
		if ev != nil {
			return ev, nil
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}
	}
}

// parseLine returns nil, nil for lines that carry no event.
func (s *sseStream) parseLine(line string) (Event, error) {
	data, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
	if !ok {
		return nil, nil
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}

	if data == "[DONE]" {
		s.ended = true
		return EndEvent{}, nil
	}

	ev, err := Decode([]byte(data))
	if err != nil {
		return nil, err
	}
	if _, isEnd := ev.(EndEvent); isEnd {
		s.ended = true
	}
	return ev, nil
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
