package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQPURL string `envconfig:"AMQP_URL"`

	Auth struct {
		TokenSecret string `envconfig:"AUTH_TOKEN_SECRET"`
	} `envconfig:""`

	// Расписание окон фиксируется при деплое и не настраивается пользователями.
	// MORNING_MINUTE отличен от нуля только в тестовых коротких циклах.
	Window struct {
		MorningHour   int `envconfig:"WINDOW_MORNING_HOUR" default:"8"`
		MorningMinute int `envconfig:"WINDOW_MORNING_MINUTE" default:"0"`
		EveningHour   int `envconfig:"WINDOW_EVENING_HOUR" default:"20"`
	} `envconfig:""`

	Delivery struct {
		InitialBatchSize int           `envconfig:"DELIVERY_INITIAL_BATCH" default:"5"`
		RequestTimeout   time.Duration `envconfig:"DELIVERY_REQUEST_TIMEOUT" default:"8s"`
		QueueBackend     string        `envconfig:"DELIVERY_QUEUE_BACKEND" default:"redis"`
	} `envconfig:""`

	Queues struct {
		Delivery string `envconfig:"DELIVERY_QUEUE_KEY" default:"delivery_jobs"`
	} `envconfig:""`

	Seeder struct {
		Subreddits string `envconfig:"SEEDER_SUBREDDITS" default:"offmychest"`
		Limit      int    `envconfig:"SEEDER_LIMIT" default:"50"`
		TimeFilter string `envconfig:"SEEDER_TIME_FILTER" default:"month"`
		UserAgent  string `envconfig:"SEEDER_USER_AGENT" default:"HeardApp/1.0"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
