package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

const defaultClobHost = "https://clob.polymarket.com"

// HistoryOptions configures a HistoryClient.
type HistoryOptions struct {
	// RPS and Burst bound the request rate of this process.
	RPS   float64
	Burst int
	// Timeout applies to each request.
	Timeout time.Duration
	// Fidelity is the sample resolution in minutes requested from the venue.
	Fidelity int
}

// HistoryClient reads historical price series from the CLOB REST API.
type HistoryClient struct {
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	fidelity int

	// Now bounds ranged requests; replaced in tests.
	Now func() time.Time
}

// NewHistoryClient creates a HistoryClient. An empty baseURL uses the
// production CLOB host.
func NewHistoryClient(baseURL string, opts HistoryOptions) *HistoryClient {
	if baseURL == "" {
		baseURL = defaultClobHost
	}
	if opts.RPS <= 0 {
		opts.RPS = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Fidelity <= 0 {
		opts.Fidelity = 30
	}
	return &HistoryClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		fidelity: opts.Fidelity,
		Now:      time.Now,
	}
}

type pricesHistoryResponse struct {
	History []struct {
		T int64   `json:"t"`
		P float64 `json:"p"`
	} `json:"history"`
}

// PricesHistory fetches the price series of one token. interval is the venue
// granularity ("max", "1w", "1d", ...). When startTS is set the range
// startTS..now is requested instead, since the venue rejects interval
// together with explicit bounds. Samples are returned oldest first with
// prices normalised to [0,1]; out-of-range samples are discarded.
func (c *HistoryClient) PricesHistory(ctx context.Context, tokenID, interval string, startTS *time.Time) ([]domain.PriceSample, error) {
	q := url.Values{}
	q.Set("market", tokenID)
	q.Set("fidelity", strconv.Itoa(c.fidelity))
	switch {
	case startTS != nil && !startTS.IsZero():
		q.Set("startTs", strconv.FormatInt(startTS.Unix(), 10))
		q.Set("endTs", strconv.FormatInt(c.Now().Unix(), 10))
	case interval != "":
		q.Set("interval", interval)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("polymarket/history: rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/prices-history?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/history: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polymarket/history: get %s: %w", tokenID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("polymarket/history: get %s: %w", tokenID, domain.ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("polymarket/history: get %s: status %d: %s", tokenID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed pricesHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("polymarket/history: decode %s: %w", tokenID, err)
	}

	out := make([]domain.PriceSample, 0, len(parsed.History))
	for _, h := range parsed.History {
		p, ok := NormalizePrice(h.P)
		if !ok {
			continue
		}
		out = append(out, domain.PriceSample{Timestamp: time.Unix(h.T, 0).UTC(), Price: p})
	}
	return out, nil
}
