package seeder

import (
	"errors"
	"math/rand"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"heard-backend/internal/domain"
)

var (
	urlRe          = regexp.MustCompile(`https?://\S+`)
	markdownLinkRe = regexp.MustCompile(`\[(.*?)\]\(.*?\)`)
	editNoteRe     = regexp.MustCompile(`(?i)edit(\s*\d*\s*)?:`)
	updateNoteRe   = regexp.MustCompile(`(?i)update(\s*\d*\s*)?:`)
	extraNewlineRe = regexp.MustCompile(`\n{3,}`)
)

// Ключевые слова для сопоставления текста с категориями.
// Порядок фиксирован, чтобы при равных очках результат был детерминированным.
var categoryKeywords = []struct {
	name     string
	keywords []string
}{
	{"Personal", []string{"my life", "myself", "personal", "experience", "feeling", "story"}},
	{"Advice", []string{"advice", "help", "what should", "need guidance", "question"}},
	{"Gratitude", []string{"thank", "grateful", "appreciate", "blessed", "lucky"}},
	{"Reflection", []string{"thinking about", "reflect", "wonder", "contemplating", "perspective"}},
	{"Support", []string{"support", "struggling", "hard time", "difficult", "need help"}},
}

// CleanContent убирает из текста поста ссылки, markdown-разметку и пометки
// об апдейтах, оставляя не больше одной пустой строки подряд.
func CleanContent(content string) string {
	content = urlRe.ReplaceAllString(content, "")
	content = markdownLinkRe.ReplaceAllString(content, "$1")
	content = editNoteRe.ReplaceAllString(content, "")
	content = updateNoteRe.ReplaceAllString(content, "")
	content = extraNewlineRe.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// AssignCategory подбирает категорию по ключевым словам в тексте.
// Без единого совпадения категория выбирается случайно.
func AssignCategory(text string, categories []domain.Category) uuid.UUID {
	if len(categories) == 0 {
		return uuid.Nil
	}
	lower := strings.ToLower(text)

	bestName := ""
	bestScore := 0
	for _, entry := range categoryKeywords {
		score := 0
		for _, keyword := range entry.keywords {
			if strings.Contains(lower, keyword) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestName = entry.name
		}
	}
	if bestScore == 0 {
		return categories[rand.Intn(len(categories))].ID
	}
	for _, category := range categories {
		if category.Name == bestName {
			return category.ID
		}
	}
	return categories[0].ID
}

// DisplayName анонимизирует автора: удалённые аккаунты всегда становятся
// Anonymous, остальные — случайно.
func DisplayName(author string) string {
	if author == "" || author == "deleted" {
		return "Anonymous"
	}
	if rand.Intn(2) == 0 {
		return "Anonymous"
	}
	return author
}

// LetterFromPost превращает пост в письмо: чистит текст, подбирает категорию
// и назначает автором случайного пользователя приложения.
func LetterFromPost(post Post, categories []domain.Category, authorIDs []uuid.UUID) (domain.Letter, error) {
	if len(authorIDs) == 0 {
		return domain.Letter{}, errors.New("нет пользователей для авторства писем")
	}
	content := CleanContent(post.Content)
	return domain.Letter{
		ID:          uuid.New(),
		AuthorID:    authorIDs[rand.Intn(len(authorIDs))],
		DisplayName: DisplayName(post.Author),
		Title:       post.Title,
		Content:     content,
		CategoryID:  AssignCategory(post.Title+" "+content, categories),
		CreatedAt:   post.CreatedAt,
	}, nil
}
