package seeder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"heard-backend/internal/infra/metrics"
)

// Config настраивает клиент Reddit.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Client читает топ постов сабреддита через публичный JSON API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Post — сырой пост до превращения в письмо.
type Post struct {
	ID        string
	Title     string
	Content   string
	Author    string
	CreatedAt time.Time
}

// NewClient создаёт клиент Reddit.
func NewClient(cfg Config) *Client {
	client := &Client{cfg: cfg}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.httpClient = &http.Client{Timeout: timeout}
	if cfg.BaseURL == "" {
		client.cfg.BaseURL = "https://www.reddit.com"
	}
	if cfg.UserAgent == "" {
		client.cfg.UserAgent = "HeardApp/1.0"
	}
	return client
}

// SetHTTPClient подменяет транспорт, в основном для тестов.
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	if httpClient != nil {
		c.httpClient = httpClient
	}
}

// FetchTopPosts возвращает топ постов сабреддита за период timeFilter
// (hour, day, week, month, year, all). Удалённые и слишком короткие посты
// отбрасываются.
func (c *Client) FetchTopPosts(ctx context.Context, subreddit string, limit int, timeFilter string) ([]Post, error) {
	baseURL := strings.TrimRight(c.cfg.BaseURL, "/")
	endpoint := fmt.Sprintf("%s/r/%s/top.json?limit=%d&t=%s", baseURL, url.PathEscape(subreddit), limit, url.QueryEscape(timeFilter))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("сборка запроса: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("reddit", "top_posts", subreddit, start, err)
	if err != nil {
		return nil, fmt.Errorf("запрос к reddit: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("чтение ответа: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("reddit ответил %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var listing struct {
		Data struct {
			Children []struct {
				Data struct {
					ID         string  `json:"id"`
					Title      string  `json:"title"`
					Selftext   string  `json:"selftext"`
					Author     string  `json:"author"`
					CreatedUTC float64 `json:"created_utc"`
				} `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, fmt.Errorf("декодирование ответа: %w", err)
	}

	posts := make([]Post, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		post := child.Data
		if post.Selftext == "" || post.Selftext == "[removed]" || post.Selftext == "[deleted]" || len(post.Selftext) < 20 {
			continue
		}
		posts = append(posts, Post{
			ID:        post.ID,
			Title:     post.Title,
			Content:   post.Selftext,
			Author:    post.Author,
			CreatedAt: time.Unix(int64(post.CreatedUTC), 0).UTC(),
		})
	}
	return posts, nil
}
