package push

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// frameReader yields one raw message payload per call.
type frameReader interface {
	Next() ([]byte, error)
	Close() error
}

// transport dials one connection for a topic URL.
type transport interface {
	Open(ctx context.Context) (frameReader, error)
}

// -----------------------------------------------------------------------------

// newTransport picks the transport from the URL scheme.
func newTransport(rawURL string, httpClient *http.Client) (transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid channel url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		if httpClient == nil {
			httpClient = &http.Client{}
		}
		return &sseTransport{url: u.String(), client: httpClient}, nil
	case "ws", "wss":
		return &wsTransport{url: u.String()}, nil
	default:
		return nil, fmt.Errorf("unsupported channel scheme %q", u.Scheme)
	}
}
