// Package newsfeed proxies NewsAPI top headlines for the dashboard.
// The upstream key stays server side; callers never see it.
package newsfeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/softkeel/askrelay/internal/config"
	"github.com/softkeel/askrelay/internal/httputil"
)

// Article is the trimmed-down article shape returned to the dashboard.
type Article struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	URLToImage  string `json:"urlToImage"`
	PublishedAt string `json:"publishedAt"`
	Source      string `json:"source"`
	Content     string `json:"content"`
}

// upstreamResponse is the subset of NewsAPI's response the proxy needs.
type upstreamResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Articles []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		URLToImage  string `json:"urlToImage"`
		PublishedAt string `json:"publishedAt"`
		Content     string `json:"content"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

// Client fetches top headlines from NewsAPI, throttled against its quota.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a NewsAPI client from config. RequestsPerMinute of zero
// disables throttling.
func NewClient(cfg config.NewsConfig, logger *slog.Logger) *Client {
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

// TopHeadlines returns headlines for the country, filtered to articles that
// carry both a title and a description. A topic search that yields nothing
// falls back to the plain top-headlines listing.
func (c *Client) TopHeadlines(ctx context.Context, topic, country string, pageSize int) ([]Article, error) {
	articles, err := c.fetch(ctx, topic, country, pageSize)
	if err != nil {
		return nil, err
	}

	if topic != "" && len(articles) == 0 {
		articles, err = c.fetch(ctx, "", country, pageSize)
		if err != nil {
			return nil, err
		}
	}
	return articles, nil
}

func (c *Client) fetch(ctx context.Context, topic, country string, pageSize int) ([]Article, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("newsapi rate limit wait: %w", err)
	}

	params := url.Values{}
	params.Set("country", country)
	params.Set("pageSize", strconv.Itoa(pageSize))
	params.Set("apiKey", c.apiKey)
	if topic != "" {
		params.Set("q", topic)
	}

	endpoint := c.baseURL + "/v2/top-headlines?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build newsapi request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("newsapi request: %w", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxRequestBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("read newsapi response: %w", err)
	}

	var upstream upstreamResponse
	if err := json.Unmarshal(body, &upstream); err != nil {
		return nil, fmt.Errorf("decode newsapi response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := upstream.Message
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("newsapi status %d: %s", resp.StatusCode, msg)
	}

	articles := make([]Article, 0, len(upstream.Articles))
	for _, a := range upstream.Articles {
		if a.Title == "" || a.Description == "" {
			continue
		}
		articles = append(articles, Article{
			Title:       a.Title,
			Description: a.Description,
			URL:         a.URL,
			URLToImage:  a.URLToImage,
			PublishedAt: a.PublishedAt,
			Source:      a.Source.Name,
			Content:     a.Content,
		})
	}
	return articles, nil
}
