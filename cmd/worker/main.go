package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/thynklab/thynkbot/internal/ai"
	"github.com/thynklab/thynkbot/internal/alerts"
	"github.com/thynklab/thynkbot/internal/coach"
	"github.com/thynklab/thynkbot/internal/config"
	"github.com/thynklab/thynkbot/internal/db"
	"github.com/thynklab/thynkbot/internal/store/rabbitmq"
)

const (
	// maxJobAttempts bounds redelivery of infrastructure failures. Model-call
	// failures are not retried at all; they complete the turn with the busy
	// fallback message.
	maxJobAttempts   = 3
	retryCountHeader = "x-retry-count"
	retryDelayMillis = "5000"
)

func retryCount(d amqp.Delivery) int {
	switch v := d.Headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

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
	repo := coach.NewRepo(gdb)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	bus := alerts.NewRedisBus(rdb)

	tenant := coach.Tenant{
		SchoolName:      cfg.SchoolName,
		ChatbotPassword: cfg.ChatbotPassword,
		AIBudgetLimit:   cfg.AIBudgetLimit,
	}
	svc := coach.NewService(repo, newProviderRegistry(cfg), bus, tenant, cfg.ChatContextWindowSize)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	topology, err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(topology.Main, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// The channel is shared across workers; amqp channels do not allow
	// concurrent publishes.
	var pubMu sync.Mutex

	// retryLater parks an infrastructure failure on the retry queue, where
	// the message TTL dead-letters it back onto the main queue. After
	// maxJobAttempts the delivery goes to the DLQ instead.
	retryLater := func(d amqp.Delivery) {
		n := retryCount(d)
		if n >= maxJobAttempts-1 {
			_ = d.Nack(false, false) // dead-letters to the DLQ
			return
		}

		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers[retryCountHeader] = int32(n + 1)

		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		pubMu.Lock()
		err := ch.PublishWithContext(cctx, "", topology.Retry, false, false, amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Expiration:   retryDelayMillis,
			MessageId:    d.MessageId,
			Timestamp:    time.Now(),
			Body:         d.Body,
		})
		pubMu.Unlock()

		if err != nil {
			log.Printf("retry publish failed: %v", err)
			_ = d.Nack(false, false)
			return
		}
		_ = d.Ack(false)
	}

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m rabbitmq.JobMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					// malformed messages never get better; straight to the DLQ
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, svc, repo, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed attempt=%d cost=%s err=%v",
						workerID, m.JobID, retryCount(d)+1, time.Since(start), err)
					retryLater(d)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// terminalTurnErr reports turn errors that retrying cannot fix: the job is
// marked failed and acked rather than redelivered.
func terminalTurnErr(err error) bool {
	return errors.Is(err, coach.ErrAuthLocked) ||
		errors.Is(err, coach.ErrSafetyLocked) ||
		errors.Is(err, coach.ErrBudgetExceeded) ||
		errors.Is(err, coach.ErrBlankMessage)
}

func handleJob(ctx context.Context, svc *coach.Service, repo *coach.Repo, jobID string) error {
	j, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	// Publishing is at-least-once (a retried enqueue may deliver twice);
	// a job that already ran is acked without running the turn again.
	if j.Status == coach.JobSucceeded || j.Status == coach.JobFailed {
		return nil
	}

	_ = repo.UpdateJobStatusRunning(ctx, jobID)

	res, err := svc.RunTurn(ctx, j.SessionID, j.Prompt)
	if err != nil {
		if terminalTurnErr(err) {
			_ = repo.MarkJobFailed(ctx, jobID, err.Error())
			return nil
		}
		// in-flight collisions and infrastructure errors are retryable
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	// a safety lock or busy fallback still completes the job; the session
	// state carries the outcome
	return repo.MarkJobSucceeded(ctx, jobID, res.AssistantMsgID)
}
