package batch

import (
	"testing"
	"time"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/config"
)

func testConfigs() []config.BatchConfig {
	return []config.BatchConfig{
		{Name: "nightly-maintenance", Cron: "0 2 * * *", PlanPath: "/plans/maintenance.yaml"},
		{Name: "hourly-scan", Cron: "0 * * * *", PlanPath: "/plans/scan.yaml"},
	}
}

func TestNewScheduler_RejectsInvalidConfig(t *testing.T) {
	_, err := NewScheduler([]config.BatchConfig{{Name: "broken"}})
	if err == nil {
		t.Error("NewScheduler() = nil error for batch without cron")
	}
}

func TestParseCron(t *testing.T) {
	if _, err := ParseCron("0 2 * * *"); err != nil {
		t.Errorf("ParseCron(valid) error = %v", err)
	}
	if _, err := ParseCron("not a cron"); err == nil {
		t.Error("ParseCron(invalid) = nil error")
	}
}

func TestNextRun(t *testing.T) {
	s, err := NewScheduler(testConfigs())
	if err != nil {
		t.Fatal(err)
	}

	next := s.NextRun("hourly-scan")
	if next.IsZero() {
		t.Fatal("NextRun() = zero time")
	}
	if !next.After(time.Now()) {
		t.Errorf("NextRun() = %v, want future time", next)
	}
	if until := time.Until(next); until > time.Hour {
		t.Errorf("next hourly run %v away, want within the hour", until)
	}

	if got := s.NextRun("unknown"); !got.IsZero() {
		t.Errorf("NextRun(unknown) = %v, want zero", got)
	}
}

func TestShouldRun_SkipsRunningBatch(t *testing.T) {
	s, err := NewScheduler(testConfigs())
	if err != nil {
		t.Fatal(err)
	}

	// With no last run the schedule is considered overdue
	if !s.ShouldRun("hourly-scan") {
		t.Error("ShouldRun() = false for never-run batch")
	}

	s.MarkRunning("hourly-scan")
	if s.ShouldRun("hourly-scan") {
		t.Error("ShouldRun() = true while batch is running")
	}

	s.MarkComplete("hourly-scan")
	if s.ShouldRun("hourly-scan") {
		t.Error("ShouldRun() = true immediately after completion")
	}
}

func TestListBatches(t *testing.T) {
	s, err := NewScheduler(testConfigs())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(s.ListBatches()); got != 2 {
		t.Errorf("ListBatches() len = %d, want 2", got)
	}

	cfg, ok := s.GetConfig("nightly-maintenance")
	if !ok || cfg.PlanPath != "/plans/maintenance.yaml" {
		t.Errorf("GetConfig() = %+v/%v, want nightly config", cfg, ok)
	}
}
