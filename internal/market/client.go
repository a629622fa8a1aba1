// Package market proxies Alpha Vantage time-series data for the dashboard.
// The free tier is heavily rate limited, so results are cached and outbound
// calls throttled, and a static dataset stands in when the API is unusable.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/softkeel/askrelay/internal/config"
	"github.com/softkeel/askrelay/internal/httputil"
)

const (
	// IntervalDaily and IntervalIntraday are the accepted interval values.
	IntervalDaily    = "daily"
	IntervalIntraday = "intraday"

	// maxPoints caps how many data points a response carries.
	maxPoints = 30

	defaultSymbol = "TATAMOTORS.BSE"
)

// Point is one OHLCV data point.
type Point struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Series is the proxy's stable output shape.
type Series struct {
	Symbol      string  `json:"symbol"`
	Interval    string  `json:"interval"`
	LastUpdated string  `json:"lastUpdated"`
	Data        []Point `json:"data"`
	Fallback    bool    `json:"fallback"`
}

// fallbackSeries stands in when Alpha Vantage rejects the call or answers
// with a rate-limit note instead of data.
func fallbackSeries(interval string) *Series {
	data := []Point{
		{Date: "2025-09-11", Open: 709, High: 712, Low: 704, Close: 705, Volume: 273053},
		{Date: "2025-09-10", Open: 710, High: 715, Low: 705, Close: 710, Volume: 200000},
		{Date: "2025-09-09", Open: 715, High: 718, Low: 710, Close: 712, Volume: 250000},
	}
	return &Series{
		Symbol:      defaultSymbol,
		Interval:    interval,
		LastUpdated: data[0].Date,
		Data:        data,
		Fallback:    true,
	}
}

// Client fetches time series from Alpha Vantage.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates an Alpha Vantage client from config. RequestsPerMinute
// of zero disables throttling.
func NewClient(cfg config.MarketConfig, logger *slog.Logger) *Client {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// TimeSeries fetches the OHLCV series for a symbol. Upstream errors,
// rate-limit notes, and missing series data all degrade to the static
// fallback dataset rather than failing the request.
func (c *Client) TimeSeries(ctx context.Context, symbol, interval string) (*Series, error) {
	raw, err := c.fetch(ctx, symbol, interval)
	if err != nil {
		return nil, err
	}

	series, ok := parseSeries(raw, symbol, interval)
	if !ok {
		c.logger.Warn("alpha vantage answered without usable series data, serving fallback",
			"symbol", symbol, "interval", interval)
		return fallbackSeries(interval), nil
	}
	return series, nil
}

func (c *Client) fetch(ctx context.Context, symbol, interval string) (map[string]json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("alpha vantage rate limit wait: %w", err)
	}

	function := "TIME_SERIES_DAILY"
	if interval == IntervalIntraday {
		function = "TIME_SERIES_INTRADAY"
	}

	params := url.Values{}
	params.Set("function", function)
	params.Set("symbol", symbol)
	params.Set("apikey", c.apiKey)
	params.Set("outputsize", "compact")
	if function == "TIME_SERIES_INTRADAY" {
		params.Set("interval", "5min")
	}

	endpoint := c.baseURL + "/query?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build alpha vantage request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpha vantage request: %w", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxRequestBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("read alpha vantage response: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode alpha vantage response: %w", err)
	}
	return raw, nil
}

// parseSeries extracts the time series from a raw Alpha Vantage payload.
// The series lives under a key whose exact name varies with the function
// ("Time Series (Daily)", "Time Series (5min)", ...), so it is discovered
// by substring.
func parseSeries(raw map[string]json.RawMessage, symbol, interval string) (*Series, bool) {
	if _, bad := raw["Error Message"]; bad {
		return nil, false
	}
	if _, limited := raw["Note"]; limited {
		return nil, false
	}

	var seriesRaw json.RawMessage
	for key, value := range raw {
		if strings.Contains(key, "Time Series") {
			seriesRaw = value
			break
		}
	}
	if seriesRaw == nil {
		return nil, false
	}

	var entries map[string]map[string]string
	if err := json.Unmarshal(seriesRaw, &entries); err != nil {
		return nil, false
	}

	dates := make([]string, 0, len(entries))
	for date := range entries {
		dates = append(dates, date)
	}
	// Timestamps sort lexicographically; descending puts newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if len(dates) > maxPoints {
		dates = dates[:maxPoints]
	}

	points := make([]Point, 0, len(dates))
	for _, date := range dates {
		entry := entries[date]
		points = append(points, Point{
			Date:   date,
			Open:   parseFloat(entry["1. open"]),
			High:   parseFloat(entry["2. high"]),
			Low:    parseFloat(entry["3. low"]),
			Close:  parseFloat(entry["4. close"]),
			Volume: parseInt(entry["5. volume"]),
		})
	}
	if len(points) == 0 {
		return nil, false
	}

	lastUpdated := metaLastRefreshed(raw)
	if lastUpdated == "" {
		lastUpdated = dates[0]
	}

	return &Series{
		Symbol:      symbol,
		Interval:    interval,
		LastUpdated: lastUpdated,
		Data:        points,
		Fallback:    false,
	}, true
}

func metaLastRefreshed(raw map[string]json.RawMessage) string {
	metaRaw, ok := raw["Meta Data"]
	if !ok {
		return ""
	}
	var meta map[string]string
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return ""
	}
	return meta["3. Last Refreshed"]
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
