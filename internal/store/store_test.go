package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("deepscan_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Test Scenarios ---

	const settings = "frames=20 threshold=0.9"

	if _, err := s.LatestVerdict(ctx, "vid_123", settings); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound before any verdict, got %v", err)
	}

	if err := s.EnsureVideoMetadata(ctx, "vid_123", "/tmp/video.mp4"); err != nil {
		t.Fatalf("EnsureVideoMetadata failed: %v", err)
	}
	// Re-registering must be idempotent and update the path
	if err := s.EnsureVideoMetadata(ctx, "vid_123", "/tmp/renamed.mp4"); err != nil {
		t.Fatalf("EnsureVideoMetadata (again) failed: %v", err)
	}

	first := types.Verdict{Label: types.LabelFake, Confidence: types.Confidence{Real: 0.2, Fake: 0.8}, Faces: 12}
	if _, err := s.InsertVerdict(ctx, "vid_123", settings, first); err != nil {
		t.Fatalf("InsertVerdict failed: %v", err)
	}

	second := types.Verdict{Confidence: types.Confidence{}, Message: types.NoFacesMessage}
	secondID, err := s.InsertVerdict(ctx, "vid_123", settings, second)
	if err != nil {
		t.Fatalf("InsertVerdict (no faces) failed: %v", err)
	}

	latest, err := s.LatestVerdict(ctx, "vid_123", settings)
	if err != nil {
		t.Fatalf("LatestVerdict failed: %v", err)
	}
	if latest.ID != secondID {
		t.Errorf("Expected latest verdict %d, got %d", secondID, latest.ID)
	}
	if latest.Verdict.HasLabel() {
		t.Errorf("Expected NULL label to round-trip as empty, got %q", latest.Verdict.Label)
	}
	if latest.Verdict.Message != types.NoFacesMessage {
		t.Errorf("Expected message %q, got %q", types.NoFacesMessage, latest.Verdict.Message)
	}
	if latest.VideoPath != "/tmp/renamed.mp4" {
		t.Errorf("Expected updated path, got %q", latest.VideoPath)
	}
	if latest.Settings != settings {
		t.Errorf("Expected settings %q, got %q", settings, latest.Settings)
	}

	// A verdict produced with other settings is not reused
	if _, err := s.LatestVerdict(ctx, "vid_123", "frames=40 threshold=0.9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for different settings, got %v", err)
	}

	records, err := s.ListVerdicts(ctx, 0)
	if err != nil {
		t.Fatalf("ListVerdicts failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 verdicts, got %d", len(records))
	}
	if records[1].Verdict != first {
		t.Errorf("Expected oldest verdict %+v, got %+v", first, records[1].Verdict)
	}

	limited, err := s.ListVerdicts(ctx, 1)
	if err != nil {
		t.Fatalf("ListVerdicts(limit) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 verdict with limit, got %d", len(limited))
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListVerdicts(ctx, 0); err == nil {
		t.Error("Expected query against dropped tables to fail")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
