package arbiter

import "fmt"

// queries holds the fully rendered SQL templates for one (leaseTable,
// constantsTable) pair. Table names are validated as plain SQL identifiers
// before they ever reach fmt.Sprintf (see Config.validate and
// identifierPattern in config.go), so
// this is not an injection surface despite the string formatting.
type queries struct {
	createLeaseTable     string
	createConstantsTable string
	upsertConstants      string

	infoLive     string
	infoReminder string
	reselect     string

	insertIfAbsent    string
	updateIfMatchAll  string
	updateIfFinished  string
	recordLeaseSucces string

	sweepDelete string
}

func buildQueries(leaseTable, constantsTable string) queries {
	return queries{
		createLeaseTable: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	flow_group  VARCHAR(256) NOT NULL,
	flow_name   VARCHAR(256) NOT NULL,
	job_name    VARCHAR(256) NOT NULL,
	action_type VARCHAR(16)  NOT NULL,
	-- (3) matches the protocol's millisecond granularity so CURRENT_TIMESTAMP
	-- round-trips exactly through the $n/1000.0 CAS predicates below.
	event_timestamp             TIMESTAMP(3) NOT NULL,
	lease_acquisition_timestamp TIMESTAMP(3) NULL,
	PRIMARY KEY (flow_group, flow_name, job_name, action_type)
)`, leaseTable),

		createConstantsTable: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id         SMALLINT PRIMARY KEY,
	epsilon_ms BIGINT NOT NULL,
	linger_ms  BIGINT NOT NULL
)`, constantsTable),

		upsertConstants: fmt.Sprintf(`
INSERT INTO %[1]s (id, epsilon_ms, linger_ms)
VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET epsilon_ms = EXCLUDED.epsilon_ms, linger_ms = EXCLUDED.linger_ms`, constantsTable),

		// Live variant: symmetric epsilon window around "now".
		infoLive: fmt.Sprintf(`
SELECT
	EXTRACT(EPOCH FROM l.event_timestamp) * 1000,
	l.lease_acquisition_timestamp IS NOT NULL,
	COALESCE(EXTRACT(EPOCH FROM l.lease_acquisition_timestamp) * 1000, 0),
	ABS(EXTRACT(EPOCH FROM (CURRENT_TIMESTAMP - l.event_timestamp))) * 1000 <= c.epsilon_ms,
	CASE
		WHEN l.lease_acquisition_timestamp IS NULL THEN 3
		WHEN CURRENT_TIMESTAMP >= l.lease_acquisition_timestamp + (c.linger_ms * INTERVAL '1 millisecond') THEN 2
		ELSE 1
	END,
	EXTRACT(EPOCH FROM CURRENT_TIMESTAMP) * 1000,
	c.linger_ms
FROM %[1]s l CROSS JOIN %[2]s c
WHERE l.flow_group = $1 AND l.flow_name = $2 AND l.job_name = $3 AND l.action_type = $4`, leaseTable, constantsTable),

		// Reminder variant: asymmetric — reminder time must be <= stored
		// event time and within epsilon of it.
		infoReminder: fmt.Sprintf(`
SELECT
	EXTRACT(EPOCH FROM l.event_timestamp) * 1000,
	l.lease_acquisition_timestamp IS NOT NULL,
	COALESCE(EXTRACT(EPOCH FROM l.lease_acquisition_timestamp) * 1000, 0),
	($5::BIGINT <= EXTRACT(EPOCH FROM l.event_timestamp) * 1000)
		AND (EXTRACT(EPOCH FROM l.event_timestamp) * 1000 - $5::BIGINT) <= c.epsilon_ms,
	CASE
		WHEN l.lease_acquisition_timestamp IS NULL THEN 3
		WHEN CURRENT_TIMESTAMP >= l.lease_acquisition_timestamp + (c.linger_ms * INTERVAL '1 millisecond') THEN 2
		ELSE 1
	END,
	EXTRACT(EPOCH FROM CURRENT_TIMESTAMP) * 1000,
	c.linger_ms
FROM %[1]s l CROSS JOIN %[2]s c
WHERE l.flow_group = $1 AND l.flow_name = $2 AND l.job_name = $3 AND l.action_type = $4`, leaseTable, constantsTable),

		reselect: fmt.Sprintf(`
SELECT
	EXTRACT(EPOCH FROM l.event_timestamp) * 1000,
	l.lease_acquisition_timestamp IS NOT NULL,
	COALESCE(EXTRACT(EPOCH FROM l.lease_acquisition_timestamp) * 1000, 0),
	c.linger_ms
FROM %[1]s l CROSS JOIN %[2]s c
WHERE l.flow_group = $1 AND l.flow_name = $2 AND l.job_name = $3 AND l.action_type = $4`, leaseTable, constantsTable),

		insertIfAbsent: fmt.Sprintf(`
INSERT INTO %[1]s (flow_group, flow_name, job_name, action_type, event_timestamp, lease_acquisition_timestamp)
VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
ON CONFLICT (flow_group, flow_name, job_name, action_type) DO NOTHING`, leaseTable),

		updateIfMatchAll: fmt.Sprintf(`
UPDATE %[1]s
SET event_timestamp = CURRENT_TIMESTAMP, lease_acquisition_timestamp = CURRENT_TIMESTAMP
WHERE flow_group = $1 AND flow_name = $2 AND job_name = $3 AND action_type = $4
	AND event_timestamp = to_timestamp($5 / 1000.0)
	AND lease_acquisition_timestamp = to_timestamp($6 / 1000.0)`, leaseTable),

		updateIfFinished: fmt.Sprintf(`
UPDATE %[1]s
SET event_timestamp = CURRENT_TIMESTAMP, lease_acquisition_timestamp = CURRENT_TIMESTAMP
WHERE flow_group = $1 AND flow_name = $2 AND job_name = $3 AND action_type = $4
	AND event_timestamp = to_timestamp($5 / 1000.0)
	AND lease_acquisition_timestamp IS NULL`, leaseTable),

		recordLeaseSucces: fmt.Sprintf(`
UPDATE %[1]s
SET event_timestamp = event_timestamp, lease_acquisition_timestamp = NULL
WHERE flow_group = $1 AND flow_name = $2 AND job_name = $3 AND action_type = $4
	AND event_timestamp = to_timestamp($5 / 1000.0)
	AND lease_acquisition_timestamp = to_timestamp($6 / 1000.0)`, leaseTable),

		sweepDelete: fmt.Sprintf(`
DELETE FROM %[1]s WHERE event_timestamp < CURRENT_TIMESTAMP - ($1 * INTERVAL '1 millisecond')`, leaseTable),
	}
}
