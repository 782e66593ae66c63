package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/deepscan/internal/analysis"
	"github.com/andresmejia3/deepscan/internal/metrics"
	"github.com/andresmejia3/deepscan/internal/objstore"
	"github.com/andresmejia3/deepscan/internal/queue"
	"github.com/andresmejia3/deepscan/internal/tracing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveMetricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume analysis requests from RabbitMQ and publish verdicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	addPipelineFlags(serveCmd.Flags())
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Listen address for /metrics and /healthz (default: METRICS_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	log := Log.With(zap.String("component", "serve"))

	// 1. Tracing
	tp, err := tracing.Init(ctx, Cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	// 2. Object storage
	storage, err := objstore.NewStorage(objstore.StorageConfig{
		Endpoint:     Cfg.MinIOEndpoint,
		AccessKey:    Cfg.MinIOAccessKey,
		SecretKey:    Cfg.MinIOSecretKey,
		UseSSL:       Cfg.MinIOUseSSL,
		UploadBucket: Cfg.MinIOUploadBucket,
	})
	if err != nil {
		return err
	}
	if err := storage.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("object storage not ready: %w", err)
	}

	// 3. Model workers. Crashed workers are respawned per request; /healthz
	// turns 503 once a respawn fails.
	fmt.Fprintln(os.Stderr, "⚙️  Spawning model workers...")
	p, eng, err := buildPipeline(Cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	addr := Cfg.MetricsAddr
	if serveMetricsAddr != "" {
		addr = serveMetricsAddr
	}
	metricsSrv := metrics.StartServer(addr, log, eng.detector.Check, eng.classifier.Check)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	// 4. Queue. The handler is bound after the consumer exists so it can share
	// the consumer's publisher.
	var svc *analysis.Service
	consumer, err := queue.NewConsumer(queue.ConsumerConfig{
		URL:         Cfg.RabbitMQURL,
		Exchange:    Cfg.RabbitMQExchange,
		Queue:       Cfg.RequestQueue,
		ResultQueue: Cfg.ResultQueue,
		DLQ:         Cfg.DLQ,
		Prefetch:    Cfg.Prefetch,
		WorkerCount: Cfg.QueueWorkers,
		MaxRetries:  Cfg.MaxRetries,
		BaseDelayMs: Cfg.RetryBaseDelayMs,
	}, func(ctx context.Context, body []byte) error {
		return svc.Handle(ctx, body)
	}, log)
	if err != nil {
		return err
	}
	defer consumer.Close()

	var repo analysis.VerdictRepository
	if DB != nil {
		repo = DB
	}
	svc = analysis.NewService(storage, p, consumer.Publisher(), repo, log)

	fmt.Fprintf(os.Stderr, "📡 Listening on %s (metrics on %s)\n", Cfg.RequestQueue, addr)
	return consumer.Start(ctx)
}
