package push

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-contrib/sse"
)

// sseTransport reads a text/event-stream response.
type sseTransport struct {
	url    string
	client *http.Client
}

// -----------------------------------------------------------------------------

func (t *sseTransport) Open(ctx context.Context) (frameReader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", sse.ContentType)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("bad status: %d", resp.StatusCode)
	}

	return &sseReader{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

// -----------------------------------------------------------------------------

type sseReader struct {
	body    io.ReadCloser
	r       *bufio.Reader
	pending [][]byte
}

// Next returns the data of the next event. Frames are split on blank lines and
// each frame is decoded on its own; comment-only frames are skipped.
func (s *sseReader) Next() ([]byte, error) {
	for len(s.pending) == 0 {
		frame, err := s.readFrame()
		if err != nil {
			return nil, err
		}

		events, err := sse.Decode(bytes.NewReader(frame))
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			data, ok := ev.Data.(string)
			if !ok || data == "" {
				continue
			}
			s.pending = append(s.pending, []byte(data))
		}
	}

	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, nil
}

// -----------------------------------------------------------------------------

func (s *sseReader) readFrame() ([]byte, error) {
	var frame bytes.Buffer
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			if len(bytes.TrimRight(line, "\r\n")) == 0 {
				if frame.Len() > 0 {
					frame.WriteString("\n")
					return frame.Bytes(), nil
				}
			} else {
				frame.Write(line)
			}
		}
		if err != nil {
			if err == io.EOF && frame.Len() > 0 {
				frame.WriteString("\n\n")
				return frame.Bytes(), nil
			}
			return nil, err
		}
	}
}

// -----------------------------------------------------------------------------

func (s *sseReader) Close() error {
	return s.body.Close()
}
