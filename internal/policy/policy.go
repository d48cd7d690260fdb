// Package policy resolves how much unattended trust a single tool call has.
// Resolution is a pure lookup over config and previously loaded records; it
// never touches the database and never mutates anything, so the same inputs
// always yield the same level.
package policy

import (
	"steward/internal/config"
	"steward/internal/domain"
)

// Resolve returns the autonomy level for one tool call.
//
// Precedence: a per-owner category override wins over graduated trust, which
// wins over the category default. A tool in the never-auto-execute set is then
// clamped to Draft at most, whatever the earlier stages said.
func Resolve(cfg *config.Config, toolName string, category domain.ToolCategory, override *domain.AutonomyOverride, record *domain.GraduationRecord) domain.AutonomyLevel {
	level := cfg.CategoryDefault(category)
	if record != nil && record.CurrentLevel == domain.LevelAutonomous {
		level = domain.LevelAutonomous
	}
	if override != nil {
		level = override.Level
	}
	if cfg.NeverAuto(toolName) {
		level = domain.Stricter(level, domain.LevelDraft)
	}
	return level
}

// AutoExecutable reports whether a resolution allows the call to run without
// an owner gate.
func AutoExecutable(level domain.AutonomyLevel) bool {
	return level == domain.LevelAutonomous
}
