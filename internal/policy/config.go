package policy

import (
	"strings"
	"time"
)

// Mode decides what happens to a strategy action the policy denies.
type Mode string

const (
	ModeOff     Mode = "off"     // no evaluation
	ModeDryRun  Mode = "dry-run" // evaluate and log, keep the action
	ModeEnforce Mode = "enforce" // drop denied actions
)

// ParseMode normalizes a configured mode; unknown values turn the engine off.
func ParseMode(s string) Mode {
	m := strings.NewReplacer("_", "-").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch Mode(m) {
	case ModeDryRun, "dryrun":
		return ModeDryRun
	case ModeEnforce:
		return ModeEnforce
	default:
		return ModeOff
	}
}

type Config struct {
	Enabled bool
	Mode    Mode
	// Path is the directory of .rego files; an empty directory falls back to
	// the built-in strategy policy.
	Path string
	// FailClosed denies every action when the policies cannot be compiled or
	// evaluated. Otherwise drafts pass through unchanged.
	FailClosed bool
	CacheSize  int
	CacheTTL   time.Duration
}
