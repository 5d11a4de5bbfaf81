package seeder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const listingFixture = `{
  "data": {
    "children": [
      {"data": {"id": "a1", "title": "valid post", "selftext": "this is a long enough confession text", "author": "user1", "created_utc": 1710403200}},
      {"data": {"id": "a2", "title": "removed", "selftext": "[removed]", "author": "user2", "created_utc": 1710403200}},
      {"data": {"id": "a3", "title": "deleted", "selftext": "[deleted]", "author": "user3", "created_utc": 1710403200}},
      {"data": {"id": "a4", "title": "too short", "selftext": "short", "author": "user4", "created_utc": 1710403200}},
      {"data": {"id": "a5", "title": "link only", "selftext": "", "author": "user5", "created_utc": 1710403200}}
    ]
  }
}`

func TestFetchTopPostsFiltersInvalid(t *testing.T) {
	var gotPath, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(listingFixture))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, UserAgent: "HeardApp/1.0"})
	posts, err := client.FetchTopPosts(context.Background(), "offmychest", 50, "month")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if gotPath != "/r/offmychest/top.json" {
		t.Fatalf("неожиданный путь запроса: %s", gotPath)
	}
	if gotAgent != "HeardApp/1.0" {
		t.Fatalf("User-Agent обязателен для reddit, получили %q", gotAgent)
	}
	if len(posts) != 1 {
		t.Fatalf("ожидали один валидный пост, получили %d", len(posts))
	}
	if posts[0].ID != "a1" || posts[0].Author != "user1" {
		t.Fatalf("неожиданный пост: %+v", posts[0])
	}
	if posts[0].CreatedAt.IsZero() {
		t.Fatalf("created_utc должен переводиться во время")
	}
}

func TestFetchTopPostsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	if _, err := client.FetchTopPosts(context.Background(), "offmychest", 50, "month"); err == nil {
		t.Fatalf("ответ 429 должен приводить к ошибке")
	}
}
