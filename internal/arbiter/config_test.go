package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{LeaseTable: "action_event_lease", ConstantsTable: "action_event_lease_constants"}.withDefaults()
	assert.Equal(t, int64(DefaultEpsilonMillis), c.EpsilonMillis)
	assert.Equal(t, int64(DefaultLingerMillis), c.LingerMillis)
	assert.Equal(t, int64(DefaultRetentionMillis), c.RetentionMillis)
	assert.Equal(t, DefaultRetentionSweepPeriod, c.RetentionSweepPeriod)
	assert.Equal(t, DefaultMaxFlowGroupLen, c.MaxFlowGroupLen)
}

func TestConfig_WithDefaults_PreservesExplicitValues(t *testing.T) {
	c := Config{
		LeaseTable:     "t",
		ConstantsTable: "c",
		EpsilonMillis:  1234,
	}.withDefaults()
	assert.Equal(t, int64(1234), c.EpsilonMillis)
}

func TestConfig_Validate_RequiresTableNames(t *testing.T) {
	c := Config{}.withDefaults()
	err := c.validate()
	assert.ErrorContains(t, err, "lease-arbiter.table is required")
}

func TestConfig_Validate_RejectsNonIdentifierTableNames(t *testing.T) {
	c := Config{LeaseTable: "bad; drop table x", ConstantsTable: "c"}.withDefaults()
	err := c.validate()
	assert.ErrorContains(t, err, "not a valid identifier")
}

func TestConfig_Validate_EnforcesOrdering(t *testing.T) {
	c := Config{
		LeaseTable:      "t",
		ConstantsTable:  "c",
		EpsilonMillis:   1000,
		LingerMillis:    500,
		RetentionMillis: 10_000,
	}
	err := c.validate()
	assert.ErrorContains(t, err, "linger-ms")

	c.LingerMillis = 2000
	c.RetentionMillis = 1500
	err = c.validate()
	assert.ErrorContains(t, err, "retention-ms")
}

func TestConfig_Validate_AcceptsWellFormedConfig(t *testing.T) {
	c := Config{LeaseTable: "action_event_lease", ConstantsTable: "action_event_lease_constants"}.withDefaults()
	assert.NoError(t, c.validate())
}
