package seeder

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"heard-backend/internal/domain"
)

func TestCleanContent(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "убирает ссылки",
			in:   "посмотрите https://example.com/page тут",
			want: "посмотрите  тут",
		},
		{
			name: "markdown-ссылка оставляет текст",
			in:   "читал [эту статью](https://example.com) вчера",
			want: "читал эту статью вчера",
		},
		{
			name: "убирает пометки об апдейтах",
			in:   "история. EDIT 2: добавил детали. Update: всё решилось.",
			want: "история.  добавил детали.  всё решилось.",
		},
		{
			name: "схлопывает пустые строки",
			in:   "раз\n\n\n\nдва",
			want: "раз\n\nдва",
		},
		{
			name: "обрезает края",
			in:   "  текст письма \n",
			want: "текст письма",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanContent(tc.in); got != tc.want {
				t.Fatalf("ожидали %q, получили %q", tc.want, got)
			}
		})
	}
}

func TestAssignCategoryByKeywords(t *testing.T) {
	categories := []domain.Category{
		{ID: uuid.New(), Name: "Personal"},
		{ID: uuid.New(), Name: "Gratitude"},
		{ID: uuid.New(), Name: "Support"},
	}

	got := AssignCategory("i am so grateful and blessed, thank you all", categories)
	if got != categories[1].ID {
		t.Fatalf("ожидали категорию Gratitude, получили %s", got)
	}

	got = AssignCategory("struggling through a hard time, need help", categories)
	if got != categories[2].ID {
		t.Fatalf("ожидали категорию Support, получили %s", got)
	}
}

func TestAssignCategoryFallsBackToRandom(t *testing.T) {
	categories := []domain.Category{
		{ID: uuid.New(), Name: "Personal"},
		{ID: uuid.New(), Name: "Advice"},
	}
	known := map[uuid.UUID]bool{categories[0].ID: true, categories[1].ID: true}

	got := AssignCategory("zzz qqq", categories)
	if !known[got] {
		t.Fatalf("без совпадений категория должна выбираться из списка, получили %s", got)
	}
}

func TestAssignCategoryWithoutCategories(t *testing.T) {
	if got := AssignCategory("any text", nil); got != uuid.Nil {
		t.Fatalf("без категорий ожидали uuid.Nil, получили %s", got)
	}
}

func TestDisplayNameAnonymizesDeleted(t *testing.T) {
	if got := DisplayName("deleted"); got != "Anonymous" {
		t.Fatalf("удалённый аккаунт должен становиться Anonymous, получили %q", got)
	}
	if got := DisplayName(""); got != "Anonymous" {
		t.Fatalf("пустой автор должен становиться Anonymous, получили %q", got)
	}
}

func TestLetterFromPost(t *testing.T) {
	categories := []domain.Category{{ID: uuid.New(), Name: "Personal"}}
	authors := []uuid.UUID{uuid.New(), uuid.New()}
	post := Post{
		ID:      "abc",
		Title:   "my story",
		Content: "the story of my life, see https://example.com for more",
		Author:  "someuser",
	}

	letter, err := LetterFromPost(post, categories, authors)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if letter.ID == uuid.Nil {
		t.Fatalf("письмо должно получать идентификатор")
	}
	if letter.AuthorID != authors[0] && letter.AuthorID != authors[1] {
		t.Fatalf("автор должен выбираться из списка пользователей")
	}
	if strings.Contains(letter.Content, "https://") {
		t.Fatalf("ссылки должны вычищаться из текста: %q", letter.Content)
	}
	if letter.CategoryID != categories[0].ID {
		t.Fatalf("текст с my life должен попадать в Personal")
	}

	if _, err := LetterFromPost(post, categories, nil); err == nil {
		t.Fatalf("без пользователей письмо создавать нельзя")
	}
}
