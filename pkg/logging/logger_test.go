package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureOutput struct {
	entries []LogEntry
}

func (c *captureOutput) Write(e LogEntry) error {
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureOutput) Sync() error  { return nil }
func (c *captureOutput) Close() error { return nil }

func TestLoggerSeverityFilter(t *testing.T) {
	capture := &captureOutput{}
	logger := NewLogger(Config{
		Severity: WARN,
		Outputs:  []Output{capture},
	})

	ctx := context.Background()
	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	require.Len(t, capture.entries, 2)
	assert.Equal(t, WARN, capture.entries[0].Severity)
	assert.Equal(t, ERROR, capture.entries[1].Severity)
}

func TestLoggerContextFields(t *testing.T) {
	capture := &captureOutput{}
	logger := NewLogger(Config{
		Severity:      DEBUG,
		Outputs:       []Output{capture},
		DefaultFields: map[string]interface{}{"component": "irt"},
	})

	ctx := WithSubjectID(context.Background(), "candidate-7")
	ctx = WithSessionID(ctx, "session-3")
	logger.Info(ctx, "administered item %d", 4)

	require.Len(t, capture.entries, 1)
	entry := capture.entries[0]
	assert.Equal(t, "candidate-7", entry.SubjectID)
	assert.Equal(t, "session-3", entry.SessionID)
	assert.Equal(t, "administered item 4", entry.Message)
	assert.Equal(t, "irt", entry.Fields["component"])
}

func TestConsoleOutputFormat(t *testing.T) {
	var buf bytes.Buffer
	out := &ConsoleOutput{writer: &buf, color: false}

	err := out.Write(LogEntry{
		Severity:  INFO,
		Message:   "frontier updated",
		File:      "archive.go",
		Line:      42,
		SubjectID: "cand-1",
		Fields:    map[string]interface{}{"size": 3},
	})
	require.NoError(t, err)

	s := buf.String()
	assert.Contains(t, s, "frontier updated")
	assert.Contains(t, s, "archive.go:42")
	assert.Contains(t, s, "subject=cand-1")
	assert.Contains(t, s, "size=3")
}

func TestFileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	out, err := NewFileOutput(path)
	require.NoError(t, err)

	require.NoError(t, out.Write(LogEntry{
		Severity:  ERROR,
		Message:   "calibration reverted",
		SubjectID: "model-a",
		Cost:      0.002,
	}))
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ERROR", decoded["severity"])
	assert.Equal(t, "calibration reverted", decoded["message"])
	assert.Equal(t, "model-a", decoded["subject_id"])
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, DEBUG, ParseSeverity("DEBUG"))
	assert.Equal(t, ERROR, ParseSeverity("ERROR"))
	assert.Equal(t, INFO, ParseSeverity("bogus"))
}
