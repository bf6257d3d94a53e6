package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"chart-sync/src/helpers"
	"chart-sync/src/logger"
	"chart-sync/src/models"
)

const defaultUserAgent = "chart-sync/1.0"

type AsyncNetworkManager struct {
	Config    *models.MConfig
	Client    *http.Client
	Logger    *logger.Logger
	baseDelay time.Duration
}

// -----------------------------------------------------------------------------

func NewAsyncNetworkManager(cfg *models.MConfig, log *logger.Logger) *AsyncNetworkManager {
	if log == nil {
		log = logger.NewNopLogger("network")
	}
	nm := &AsyncNetworkManager{
		Config:    cfg,
		Logger:    log,
		baseDelay: time.Second,
	}
	nm.Client = nm.createClient()
	return nm
}

// -----------------------------------------------------------------------------

func (nm *AsyncNetworkManager) createClient() *http.Client {
	return &http.Client{
		Timeout: time.Duration(nm.Config.Network.RequestTimeout) * time.Second,
	}
}

// -----------------------------------------------------------------------------

func (nm *AsyncNetworkManager) userAgent() string {
	if nm.Config.Network.UserAgent != "" {
		return nm.Config.Network.UserAgent
	}
	return defaultUserAgent
}

// -----------------------------------------------------------------------------

// Get performs a GET request with retries. Transport errors, 429 and 5xx are
// retried with quadratic backoff; other statuses fail at once.
func (nm *AsyncNetworkManager) Get(ctx context.Context, urlStr string, params map[string]string) ([]byte, error) {
	reqUrl, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}

	q := reqUrl.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	reqUrl.RawQuery = q.Encode()

	finalUrl := reqUrl.String()

	maxRetries := nm.Config.Network.MaxRetries
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(i*i) * nm.baseDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retry, err := nm.do(ctx, finalUrl)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		nm.Logger.Info("Request failed (attempt %d/%d): %v", i+1, maxRetries+1, err)
	}

	return nil, helpers.NewError(helpers.KindFetch, lastErr, "GET %s", urlStr)
}

// -----------------------------------------------------------------------------

func (nm *AsyncNetworkManager) do(ctx context.Context, finalUrl string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalUrl, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", nm.userAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := nm.Client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("bad status: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("bad status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	return body, false, nil
}
