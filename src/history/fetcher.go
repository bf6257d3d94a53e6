package history

import (
	"context"
	"encoding/json"
	"strconv"

	"chart-sync/src/helpers"
	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"
)

// HTTPFetcher requests history pages from the backend history endpoint:
//
//	GET <base>?seriesId=..&beforeTimestamp=<RFC3339>&limit=..
type HTTPFetcher struct {
	baseURL string
	network interfaces.INetworkManager
	logger  *logger.Logger
}

// -----------------------------------------------------------------------------

func NewHTTPFetcher(baseURL string, network interfaces.INetworkManager, log *logger.Logger) *HTTPFetcher {
	if log == nil {
		log = logger.NewNopLogger("history.http")
	}
	return &HTTPFetcher{baseURL: baseURL, network: network, logger: log}
}

// -----------------------------------------------------------------------------

func (f *HTTPFetcher) FetchHistory(ctx context.Context, req models.HistoryRequest) ([]models.HistoryRecord, error) {
	params := map[string]string{
		"seriesId":        req.SeriesID,
		"beforeTimestamp": models.FormatBefore(req.Before),
		"limit":           strconv.Itoa(req.Limit),
	}

	body, err := f.network.Get(ctx, f.baseURL, params)
	if err != nil {
		return nil, err
	}
	return DecodePage(body)
}

// -----------------------------------------------------------------------------

// DecodePage parses a JSON array of wire points. Points without a usable time
// or value are skipped.
func DecodePage(body []byte) ([]models.HistoryRecord, error) {
	var raw []models.WirePoint
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, helpers.NewError(helpers.KindDecode, err, "history page")
	}

	records := make([]models.HistoryRecord, 0, len(raw))
	for _, w := range raw {
		rec, err := w.Record()
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
