package policy

import (
	"testing"

	"steward/internal/config"
	"steward/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default("owner-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	return cfg
}

func TestResolveCategoryDefaults(t *testing.T) {
	cfg := testConfig(t)
	if got := Resolve(cfg, "check_balance", domain.CategoryQuery, nil, nil); got != domain.LevelAutonomous {
		t.Fatalf("query default = %s, want autonomous", got)
	}
	if got := Resolve(cfg, "generate_listing_copy", domain.CategoryGenerate, nil, nil); got != domain.LevelSuggest {
		t.Fatalf("generate default = %s, want suggest", got)
	}
	if got := Resolve(cfg, "send_message", domain.CategoryAction, nil, nil); got != domain.LevelDraft {
		t.Fatalf("action default = %s, want draft", got)
	}
}

func TestResolveUnknownCategoryIsDraft(t *testing.T) {
	cfg := testConfig(t)
	if got := Resolve(cfg, "mystery_tool", domain.ToolCategory("mystery"), nil, nil); got != domain.LevelDraft {
		t.Fatalf("unknown category = %s, want draft", got)
	}
}

func TestResolveOverrideBeatsGraduation(t *testing.T) {
	cfg := testConfig(t)
	record := &domain.GraduationRecord{
		OwnerID:      "owner-1",
		Category:     domain.CategoryAction,
		CurrentLevel: domain.LevelAutonomous,
	}
	override := &domain.AutonomyOverride{
		OwnerID:  "owner-1",
		Category: domain.CategoryAction,
		Level:    domain.LevelDraft,
	}
	if got := Resolve(cfg, "send_message", domain.CategoryAction, override, record); got != domain.LevelDraft {
		t.Fatalf("override ignored: got %s, want draft", got)
	}
}

func TestResolveGraduatedAutonomous(t *testing.T) {
	cfg := testConfig(t)
	record := &domain.GraduationRecord{
		OwnerID:      "owner-1",
		Category:     domain.CategoryAction,
		CurrentLevel: domain.LevelAutonomous,
	}
	if got := Resolve(cfg, "send_message", domain.CategoryAction, nil, record); got != domain.LevelAutonomous {
		t.Fatalf("graduated action = %s, want autonomous", got)
	}
}

func TestResolveEligibilityAloneDoesNotAutoExecute(t *testing.T) {
	cfg := testConfig(t)
	// Eligible but never accepted: the level on record is still draft.
	record := &domain.GraduationRecord{
		OwnerID:              "owner-1",
		Category:             domain.CategoryAction,
		CurrentLevel:         domain.LevelDraft,
		ConsecutiveApprovals: 10,
		GraduationThreshold:  2,
		BackoffMultiplier:    1.0,
	}
	if !record.Eligible() {
		t.Fatalf("record should be eligible")
	}
	if got := Resolve(cfg, "send_message", domain.CategoryAction, nil, record); got != domain.LevelDraft {
		t.Fatalf("eligibility leaked into resolution: got %s, want draft", got)
	}
}

func TestResolveNeverAutoClampsEverything(t *testing.T) {
	cfg := testConfig(t)
	record := &domain.GraduationRecord{
		OwnerID:      "owner-1",
		Category:     domain.CategoryAction,
		CurrentLevel: domain.LevelAutonomous,
	}
	override := &domain.AutonomyOverride{
		OwnerID:  "owner-1",
		Category: domain.CategoryAction,
		Level:    domain.LevelAutonomous,
	}
	for _, tool := range []string{"collect_payment", "release_deposit", "serve_notice", "escalate_to_agent"} {
		got := Resolve(cfg, tool, domain.CategoryAction, override, record)
		if got == domain.LevelAutonomous || got == domain.LevelSuggest {
			t.Fatalf("%s resolved to %s despite never-auto set", tool, got)
		}
	}
	// An override stricter than draft survives the clamp.
	override.Level = domain.LevelExecute
	if got := Resolve(cfg, "collect_payment", domain.CategoryAction, override, nil); got != domain.LevelExecute {
		t.Fatalf("clamp loosened a stricter override: got %s", got)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	cfg := testConfig(t)
	first := Resolve(cfg, "publish_listing", domain.CategoryAction, nil, nil)
	for i := 0; i < 100; i++ {
		if got := Resolve(cfg, "publish_listing", domain.CategoryAction, nil, nil); got != first {
			t.Fatalf("resolution changed between calls: %s then %s", first, got)
		}
	}
}
