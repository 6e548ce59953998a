package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type LogKind string

const (
	// step output: stdout or stderr
	LogKindData LogKind = "data"
	// step boundaries: start and end
	LogKindControl LogKind = "control"
)

type StepStatus string

const (
	StepStatusStart StepStatus = "start"
	StepStatusEnd   StepStatus = "end"
)

type LogLine struct {
	Kind    LogKind   `json:"kind"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
	StepId  int       `json:"step_id"`

	// fields if kind is "data"
	Stream string `json:"stream,omitempty"`

	// fields if kind is "control"
	StepStatus  StepStatus `json:"step_status,omitempty"`
	StepKind    string     `json:"step_kind,omitempty"`
	StepPhase   Phase      `json:"step_phase,omitempty"`
	StepCommand string     `json:"step_command,omitempty"`
}

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:    LogKindData,
		Time:    time.Now(),
		Content: content,
		StepId:  idx,
		Stream:  stream,
	}
}

func NewControlLogLine(idx int, step Step, status StepStatus) LogLine {
	return LogLine{
		Kind:        LogKindControl,
		Time:        time.Now(),
		Content:     step.Name(),
		StepId:      idx,
		StepStatus:  status,
		StepKind:    step.Kind().String(),
		StepPhase:   step.Phase(),
		StepCommand: step.Command(),
	}
}

// WorkflowLogger records a run's step boundaries and output as JSON lines.
// It is safe for concurrent use by the stdout and stderr copiers of a step.
type WorkflowLogger struct {
	mu      sync.Mutex
	closer  io.Closer
	encoder *json.Encoder
}

// NewWorkflowLogger opens <baseDir>/<rid>.log. An empty baseDir discards
// everything, so nothing is written outside the run's workspace.
func NewWorkflowLogger(baseDir string, rid RunId) (*WorkflowLogger, error) {
	if baseDir == "" {
		return NewWorkflowLoggerTo(io.Discard), nil
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path := LogFilePath(baseDir, rid)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &WorkflowLogger{
		closer:  file,
		encoder: json.NewEncoder(file),
	}, nil
}

func NewWorkflowLoggerTo(w io.Writer) *WorkflowLogger {
	return &WorkflowLogger{encoder: json.NewEncoder(w)}
}

func LogFilePath(baseDir string, rid RunId) string {
	return filepath.Join(baseDir, fmt.Sprintf("%s.log", rid.Id))
}

func (l *WorkflowLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *WorkflowLogger) encode(line LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(line)
}

func (l *WorkflowLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

// Control records a step boundary.
func (l *WorkflowLogger) Control(idx int, step Step, status StepStatus) error {
	return l.encode(NewControlLogLine(idx, step, status))
}

type dataWriter struct {
	logger *WorkflowLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	chunk := strings.TrimRight(string(p), "\r\n")
	if chunk == "" {
		return len(p), nil
	}
	for _, line := range strings.Split(chunk, "\n") {
		entry := NewDataLogLine(w.idx, strings.TrimRight(line, "\r"), w.stream)
		if err := w.logger.encode(entry); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
