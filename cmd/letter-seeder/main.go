package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"heard-backend/internal/adapters/repo"
	"heard-backend/internal/adapters/seeder"
	"heard-backend/internal/domain"
	"heard-backend/internal/infra/config"
	"heard-backend/internal/infra/db"
	logs "heard-backend/internal/infra/log"
	"heard-backend/internal/infra/metrics"
)

const saveBatchSize = 10

func main() {
	cfg := config.Load()
	log := logs.NewLogger(cfg.AppEnv, "letter-seeder")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("seeder: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	client := seeder.NewClient(seeder.Config{UserAgent: cfg.Seeder.UserAgent})

	categories, err := repoAdapter.ListCategories(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("seeder: не удалось получить категории")
	}
	if len(categories) == 0 {
		log.Fatal().Msg("seeder: в БД нет категорий")
	}
	authorIDs, err := repoAdapter.ListUserIDs(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("seeder: не удалось получить пользователей")
	}
	if len(authorIDs) == 0 {
		log.Fatal().Msg("seeder: в БД нет пользователей для авторства")
	}
	log.Info().Int("categories", len(categories)).Int("users", len(authorIDs)).Msg("seeder: старт")

	letters := make([]domain.Letter, 0, cfg.Seeder.Limit)
	for _, subreddit := range strings.Split(cfg.Seeder.Subreddits, ",") {
		subreddit = strings.TrimSpace(subreddit)
		if subreddit == "" {
			continue
		}
		posts, err := client.FetchTopPosts(ctx, subreddit, cfg.Seeder.Limit, cfg.Seeder.TimeFilter)
		if err != nil {
			log.Error().Err(err).Str("subreddit", subreddit).Msg("seeder: не удалось получить посты")
			continue
		}
		log.Info().Str("subreddit", subreddit).Int("posts", len(posts)).Msg("seeder: посты получены")
		for _, post := range posts {
			letter, err := seeder.LetterFromPost(post, categories, authorIDs)
			if err != nil {
				log.Error().Err(err).Str("post", post.ID).Msg("seeder: не удалось собрать письмо")
				continue
			}
			letters = append(letters, letter)
		}
	}

	if len(letters) == 0 {
		log.Warn().Msg("seeder: писем для загрузки нет")
		return
	}

	saved := 0
	for start := 0; start < len(letters); start += saveBatchSize {
		end := start + saveBatchSize
		if end > len(letters) {
			end = len(letters)
		}
		if err := repoAdapter.SaveLetters(ctx, letters[start:end]); err != nil {
			log.Error().Err(err).Int("from", start).Msg("seeder: не удалось сохранить пачку писем")
			continue
		}
		saved += end - start
		// Пауза между пачками, чтобы не упереться в лимиты БД на дешёвых тарифах.
		time.Sleep(time.Second)
	}
	log.Info().Int("saved", saved).Int("total", len(letters)).Msg("seeder: загрузка завершена")
}
