package main

import (
	"context"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/thynklab/thynkbot/internal/ai"
	"github.com/thynklab/thynkbot/internal/alerts"
	"github.com/thynklab/thynkbot/internal/coach"
	"github.com/thynklab/thynkbot/internal/config"
	"github.com/thynklab/thynkbot/internal/db"
	"github.com/thynklab/thynkbot/internal/email"
	"github.com/thynklab/thynkbot/internal/httpapi"
	"github.com/thynklab/thynkbot/internal/httpapi/handlers"
	"github.com/thynklab/thynkbot/internal/store/rabbitmq"
)

// newProviderRegistry routes by session provider/model, falling back to the
// configured defaults.
func newProviderRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	return reg
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	bus := alerts.NewRedisBus(rdb)

	reg := newProviderRegistry(cfg)

	tenant := coach.Tenant{
		SchoolName:      cfg.SchoolName,
		ChatbotPassword: cfg.ChatbotPassword,
		AIBudgetLimit:   cfg.AIBudgetLimit,
	}
	svc := coach.NewService(coach.NewRepo(gdb), reg, bus, tenant, cfg.ChatContextWindowSize)

	mailer := email.NewIncidentMailer(email.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}, cfg.AlertEmail)
	if mailer.Enabled() {
		svc.SetNotifier(mailer)
	}

	var jobs handlers.JobQueue
	if cfg.RabbitURL != "" {
		p, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Printf("rabbit unavailable, async turns disabled: %v", err)
		} else {
			jobs = p
			defer p.Close()
		}
	}

	r := httpapi.NewRouter(gdb, cfg, svc, bus, jobs)
	log.Printf("server listening on %s school=%q budget=%.2f", cfg.Addr, cfg.SchoolName, cfg.AIBudgetLimit)
	if err := r.Run(cfg.Addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
