package arbiter

import (
	"fmt"
	"regexp"
	"time"
)

// Default values for the enumerated options of §6 when the caller leaves
// them at the zero value.
const (
	DefaultEpsilonMillis         = 10_000
	DefaultLingerMillis          = 5 * 60 * 1000
	DefaultRetentionMillis       = 7 * 24 * 60 * 60 * 1000
	DefaultRetentionSweepPeriod  = 4 * time.Hour
	DefaultMaxFlowGroupLen       = 256
	DefaultMaxFlowNameLen        = 256
	DefaultMaxJobNameLen         = 256
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config is the plain struct the arbiter package accepts; nothing in this
// package loads it from a file or environment — that is the job of the
// external config-loading collaborator (§6), e.g. the cmd/ binary's viper
// wiring in internal/config.
type Config struct {
	// LeaseTable and ConstantsTable name the two persistent tables (§3).
	// Both are required and must be plain SQL identifiers.
	LeaseTable     string
	ConstantsTable string

	// EpsilonMillis is the consolidation window; zero means
	// DefaultEpsilonMillis.
	EpsilonMillis int64
	// LingerMillis is the lease validity duration; zero means
	// DefaultLingerMillis. Must be much greater than EpsilonMillis.
	LingerMillis int64
	// RetentionMillis bounds how long a row survives before the sweeper
	// deletes it; zero means DefaultRetentionMillis. Must be much greater
	// than LingerMillis.
	RetentionMillis int64
	// RetentionSweepPeriod is the sweeper cadence; zero means
	// DefaultRetentionSweepPeriod.
	RetentionSweepPeriod time.Duration

	// MaxFlowGroupLen, MaxFlowNameLen, MaxJobNameLen bound ActionKey field
	// lengths; zero means the corresponding Default*Len.
	MaxFlowGroupLen int
	MaxFlowNameLen  int
	MaxJobNameLen   int
}

// withDefaults returns a copy of c with every zero-valued field replaced by
// its documented default.
func (c Config) withDefaults() Config {
	if c.EpsilonMillis == 0 {
		c.EpsilonMillis = DefaultEpsilonMillis
	}
	if c.LingerMillis == 0 {
		c.LingerMillis = DefaultLingerMillis
	}
	if c.RetentionMillis == 0 {
		c.RetentionMillis = DefaultRetentionMillis
	}
	if c.RetentionSweepPeriod == 0 {
		c.RetentionSweepPeriod = DefaultRetentionSweepPeriod
	}
	if c.MaxFlowGroupLen == 0 {
		c.MaxFlowGroupLen = DefaultMaxFlowGroupLen
	}
	if c.MaxFlowNameLen == 0 {
		c.MaxFlowNameLen = DefaultMaxFlowNameLen
	}
	if c.MaxJobNameLen == 0 {
		c.MaxJobNameLen = DefaultMaxJobNameLen
	}
	return c
}

// validate enforces the required fields, the identifier shape of the two
// table names (the one thing standing between this package and a SQL
// injection via fmt.Sprintf-rendered table names), and the epsilon <<
// linger << retention ordering the spec assumes throughout.
func (c Config) validate() error {
	if c.LeaseTable == "" {
		return fmt.Errorf("arbiter: lease-arbiter.table is required")
	}
	if c.ConstantsTable == "" {
		return fmt.Errorf("arbiter: lease-arbiter.constants-table is required")
	}
	if !identifierPattern.MatchString(c.LeaseTable) {
		return fmt.Errorf("arbiter: lease-arbiter.table %q is not a valid identifier", c.LeaseTable)
	}
	if !identifierPattern.MatchString(c.ConstantsTable) {
		return fmt.Errorf("arbiter: lease-arbiter.constants-table %q is not a valid identifier", c.ConstantsTable)
	}
	if c.EpsilonMillis <= 0 {
		return fmt.Errorf("arbiter: epsilon-ms must be positive")
	}
	if c.LingerMillis <= c.EpsilonMillis {
		return fmt.Errorf("arbiter: linger-ms (%d) must exceed epsilon-ms (%d)", c.LingerMillis, c.EpsilonMillis)
	}
	if c.RetentionMillis <= c.LingerMillis {
		return fmt.Errorf("arbiter: retention-ms (%d) must exceed linger-ms (%d)", c.RetentionMillis, c.LingerMillis)
	}
	return nil
}
