package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"pivotbot/internal/state"
)

// Transition is one NDJSON audit line per state-machine step that changed or
// acted on an instrument's monitoring record.
type Transition struct {
	RunID     string      `json:"run_id"`
	Timestamp time.Time   `json:"timestamp"`
	BarTime   time.Time   `json:"bar_time"`
	Symbol    string      `json:"symbol"`
	Close     float64     `json:"close"`
	From      state.Phase `json:"from"`
	To        state.Phase `json:"to"`
	Event     string      `json:"event"`
	Level     string      `json:"level,omitempty"`
	EntryID   string      `json:"entry_id,omitempty"`
}

type TransitionLogger struct {
	runID  string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func NewTransitionLogger(path string, runID string) (*TransitionLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &TransitionLogger{
		runID:  runID,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (t *TransitionLogger) RunID() string {
	return t.runID
}

func (t *TransitionLogger) Append(transition Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	transition.RunID = t.runID
	payload, err := json.Marshal(transition)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal transition: %v\n", err)
		return
	}
	if _, err := t.writer.Write(append(payload, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write transition: %v\n", err)
		return
	}
	if err := t.writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush transition log: %v\n", err)
	}
}

func (t *TransitionLogger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writer.Flush(); err != nil {
		_ = t.file.Close()
		return err
	}
	return t.file.Close()
}
