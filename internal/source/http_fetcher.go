package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-tracker/internal/models"
)

// HTTPFetcher polls the ride service's event log endpoint:
// GET <BaseURL>/api/v1/rides/<id>/events?after=<seq> returning a JSON array
// of envelopes. Its cursor is the highest seq seen, which is all the
// endpoint can filter on.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{BaseURL: strings.TrimSuffix(baseURL, "/"), Client: &http.Client{Timeout: 5 * time.Second}}
}

func (f *HTTPFetcher) FetchEvents(ctx context.Context, rideID string, afterSeq uint64) ([]models.RideEvent, uint64, error) {
	u := fmt.Sprintf("%s/api/v1/rides/%s/events?after=%s", f.BaseURL, url.PathEscape(rideID), strconv.FormatUint(afterSeq, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, afterSeq, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, afterSeq, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, afterSeq, fmt.Errorf("fetch ride events: status %d", resp.StatusCode)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, afterSeq, fmt.Errorf("fetch ride events: %w", err)
	}
	next := afterSeq
	out := make([]models.RideEvent, 0, len(raw))
	for _, item := range raw {
		id, ev, err := DecodeEnvelope(item)
		if err != nil {
			return nil, afterSeq, err
		}
		if id != rideID || ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		next = max(next, ev.Seq)
	}
	return out, next, nil
}
