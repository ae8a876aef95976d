package logging

// LogEntry represents a structured log record with fields relevant to
// candidate evaluation and calibration runs.
type LogEntry struct {
	// Standard fields
	Time     int64
	Severity Severity
	Message  string
	File     string
	Line     int
	Function string

	// Evaluation-specific fields
	SubjectID string  // Candidate or model being evaluated
	SessionID string  // Adaptive-test session
	Latency   int64   // Operation duration in milliseconds
	Cost      float64 // Harness cost in dollars

	// General structured data
	Fields map[string]interface{}
}
