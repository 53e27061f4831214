// Package app assembles the grading pipeline and its stores from configuration.
// Both binaries build the same graph; they differ only in which front end they run.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"homework-grader/api/internal/blob"
	"homework-grader/api/internal/config"
	"homework-grader/api/internal/conflict"
	"homework-grader/api/internal/difficulty"
	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/notify"
	"homework-grader/api/internal/prompts"
	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/provider/anthropic"
	"homework-grader/api/internal/provider/gemini"
	"homework-grader/api/internal/provider/mathpix"
	"homework-grader/api/internal/provider/openai"
	"homework-grader/api/internal/provider/tesseract"
	"homework-grader/api/internal/provider/wolfram"
	"homework-grader/api/internal/provider/yandex"
	"homework-grader/api/internal/queue"
	"homework-grader/api/internal/sink"
	"homework-grader/api/internal/store"
	"homework-grader/api/internal/verify"
	"homework-grader/api/internal/worker"
)

type Pipeline struct {
	Prompts    *prompts.Store
	Classifier *difficulty.Classifier
	Manager    *provider.Manager
	OCR        *provider.OCRChain
	Grader     *grading.Orchestrator
	Fetcher    *blob.Fetcher
}

// BuildPipeline wires providers into the grading orchestrator. Providers without credentials
// are left out; a pipeline with no vision provider still serves compare/classify.
func BuildPipeline(cfg *config.Config) (*Pipeline, error) {
	ps, err := prompts.New(cfg.PromptDir)
	if err != nil {
		return nil, err
	}
	classifier := difficulty.New(nil)

	var analyzers []provider.Analyzer
	for _, name := range cfg.Providers.Order {
		switch name {
		case "gemini":
			if cfg.GeminiAPIKey != "" {
				analyzers = append(analyzers, gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel))
			}
		case "openai":
			if cfg.OpenAIAPIKey != "" {
				analyzers = append(analyzers, openai.New(cfg.OpenAIAPIKey, cfg.OpenAIModel))
			}
		case "anthropic":
			if cfg.AnthropicAPIKey != "" {
				analyzers = append(analyzers, anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicModel))
			}
		}
	}
	if len(analyzers) == 0 {
		log.Printf("[app] no vision provider has credentials; grading requests will fail")
	}
	manager := provider.NewManager(analyzers,
		provider.WithMaxRetries(cfg.Providers.MaxRetries),
		provider.WithCallTimeout(cfg.ProviderTimeout()),
	)

	var engines []provider.OCR
	for _, name := range cfg.Providers.OCROrder {
		switch name {
		case "mathpix":
			if cfg.MathpixAppID != "" && cfg.MathpixAppKey != "" {
				engines = append(engines, mathpix.New(cfg.MathpixAppID, cfg.MathpixAppKey))
			}
		case "yandex":
			if cfg.YCOAuthToken != "" && cfg.YCFolderID != "" {
				engines = append(engines, yandex.New(cfg.YCOAuthToken, cfg.YCFolderID))
			}
		case "tesseract":
			engines = append(engines, tesseract.New())
		}
	}
	ocr := provider.NewOCRChain(engines...)

	var solver provider.Solver
	if cfg.WolframAppID != "" {
		solver = provider.NewCachedSolver(wolfram.New(cfg.WolframAppID), 0)
	}
	selfCheck := provider.Reasoner(manager, ps.Text(prompts.Verify, prompts.System))
	router := verify.NewRouter(classifier, solver, selfCheck, ps)

	opts := []grading.Option{
		grading.WithDetector(conflict.NewDetector(solver)),
		grading.WithClassifier(classifier),
		grading.WithPrompts(ps),
	}
	if ocr.Len() > 0 {
		opts = append(opts, grading.WithOCR(ocr))
	}
	log.Printf("[app] vision=%v ocr=%s solver=%v", manager.Order(), ocr.Name(), solver != nil)

	return &Pipeline{
		Prompts:    ps,
		Classifier: classifier,
		Manager:    manager,
		OCR:        ocr,
		Grader:     grading.NewOrchestrator(manager, router, opts...),
		Fetcher:    blob.NewFetcher(cfg.ProviderTimeout(), blob.DefaultMaxBytes),
	}, nil
}

type Submissions interface {
	Create(ctx context.Context, s store.Submission) (string, error)
	Get(ctx context.Context, id string) (store.Submission, error)
	MarkGraded(ctx context.Context, id, status, resultID string) error
}

type Results interface {
	sink.Sink
	Latest(ctx context.Context, submissionID string) (grading.Result, error)
}

type Stores struct {
	Queue       *queue.Service
	Submissions Submissions
	// Results is the system of record; Sink adds the optional Kafka fan-out on top.
	Results Results
	Sink    sink.Sink

	db    *sql.DB
	kafka *sink.Kafka
}

func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	s := &Stores{}
	var qs queue.Store

	if cfg.QueueBackend == "memory" {
		qs = queue.NewMemoryStore()
		s.Submissions = store.NewMemorySubmissions()
		s.Results = sink.NewMemory()
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		if err := store.EnsureSchema(ctx, db); err != nil {
			s.Close()
			return nil, err
		}
		s.Submissions = store.NewSubmissionRepo(db)
		s.Results = store.NewResultRepo(db)
		qs = store.NewPGQueue(db)

		if cfg.QueueBackend == "dynamodb" {
			dq, err := store.NewDynamoQueue(ctx, cfg.AWSRegion, cfg.DynamoTable, cfg.DynamoEndpoint)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("dynamodb queue: %w", err)
			}
			qs = dq
		}
	}
	s.Queue = queue.New(qs)
	s.Sink = sink.Multi{s.Results}

	if cfg.KafkaBrokers != "" {
		k, err := sink.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopicResults)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.kafka = k
		s.Sink = sink.Multi{s.Results, k}
	}
	log.Printf("[app] queue=%s results=%s kafka=%v", cfg.QueueBackend, s.Results.Name(), s.kafka != nil)
	return s, nil
}

func (s *Stores) Close() {
	if s.kafka != nil {
		_ = s.kafka.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// NewWorker builds the worker pool over the opened stores. A Telegram notifier is attached when
// a bot token is configured; the caller runs its Poll loop.
func NewWorker(cfg *config.Config, p *Pipeline, s *Stores) (*worker.Pool, *notify.Telegram, error) {
	opts := []worker.Option{
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithPollInterval(cfg.PollInterval()),
		worker.WithJobTimeout(cfg.JobTimeout()),
	}
	var tg *notify.Telegram
	if cfg.TelegramBotToken != "" {
		var err error
		tg, err = notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramReviewChatID, s.Queue.Stats)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, worker.WithNotifier(tg))
	}
	pool := worker.New(cfg.Worker.ID, s.Queue, s.Submissions, p.Fetcher, p.Grader, s.Sink, opts...)
	return pool, tg, nil
}
