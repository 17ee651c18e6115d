package arbiter

// Logger is the §6 structured logging collaborator. The arbiter only logs
// at two severities: Warn for the constraint-violation cases of §4.4 (a
// reminder arriving with a newer event time than the store holds, or a
// lease expiring within the same trigger event) and for a failed sweeper
// cycle, and Info for sweeper cycle summaries.
type Logger interface {
	Warnf(format string, args ...interface{})
	Infof(format string, args ...interface{})
}

// noopLogger discards everything; used when NewArbiter is called without
// an explicit Logger so the zero value is still safe to call.
type noopLogger struct{}

func (noopLogger) Warnf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{}) {}
