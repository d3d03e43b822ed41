// Package audit records the crash-safe observability trail of one pipeline
// session: an append-only attempt log per agent, an append-only session-wide
// event stream (workflow.log), and an atomically rewritten summary
// (session.json). On restart, these files are the complete recoverable state;
// nothing held only in memory is authoritative.
package audit

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/lancet/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	agentsDir    = "agents"
	workflowFile = "workflow.log"
	summaryFile  = "session.json"
)

// Log is the audit writer for one session. Agent attempt files are each owned
// by a single task at a time so their appends need no coordination; the shared
// workflow.log and session.json are serialized through a mutex, and the
// summary rewrite additionally goes through write-to-temp-then-rename so a
// crash mid-write never corrupts the previous version.
type Log struct {
	dir string

	mu sync.Mutex
}

// New creates (or reopens) the audit tree rooted at dir.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(filepath.Join(dir, agentsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &Log{dir: dir}, nil
}

// Dir returns the audit root.
func (l *Log) Dir() string { return l.dir }

// RecordAttempt appends one attempt record to the agent's log file. Records
// are never rewritten; a retry appends a fresh record instead of mutating a
// prior one.
func (l *Log) RecordAttempt(rec schemas.AttemptRecord) error {
	if rec.AgentID == "" {
		return fmt.Errorf("attempt record has no agent id")
	}
	path := filepath.Join(l.dir, agentsDir, rec.AgentID+".log")
	return appendLine(path, rec)
}

// Event appends one entry to the session-wide workflow.log. The timestamp is
// filled in when the caller left it zero.
func (l *Log) Event(ev schemas.WorkflowEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return appendLine(filepath.Join(l.dir, workflowFile), ev)
}

// WriteSummary atomically replaces session.json with the given summary.
func (l *Log) WriteSummary(s schemas.SessionSummary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tmp, err := os.CreateTemp(l.dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("failed to create summary temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write summary: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close summary temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(l.dir, summaryFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace summary: %w", err)
	}
	return nil
}

// ReadAttempts returns every fully written attempt record for the agent, in
// append order. A partial trailing record (from a crash mid-append) is
// discarded rather than surfaced as corruption.
func (l *Log) ReadAttempts(agentID string) ([]schemas.AttemptRecord, error) {
	path := filepath.Join(l.dir, agentsDir, agentID+".log")
	var out []schemas.AttemptRecord
	err := readLines(path, func(line []byte) error {
		var rec schemas.AttemptRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ReadEvents returns every fully written workflow event, in append order.
func (l *Log) ReadEvents() ([]schemas.WorkflowEvent, error) {
	var out []schemas.WorkflowEvent
	err := readLines(filepath.Join(l.dir, workflowFile), func(line []byte) error {
		var ev schemas.WorkflowEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}

// ReadSummary loads the last fully written session.json under dir. Returns
// (nil, nil) when no summary has been written yet.
func ReadSummary(dir string) (*schemas.SessionSummary, error) {
	data, err := os.ReadFile(filepath.Join(dir, summaryFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}
	var s schemas.SessionSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse summary: %w", err)
	}
	return &s, nil
}

// WorkflowLogPath returns the absolute path of the session event stream, for
// consumers that tail it.
func WorkflowLogPath(dir string) string {
	return filepath.Join(dir, workflowFile)
}

// appendLine marshals v and appends it as one newline-terminated record. The
// single write syscall on an O_APPEND descriptor is what makes concurrent
// appenders safe on typical filesystems.
func appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// readLines invokes fn per complete line. Only the final, unterminated line
// may fail to parse; that is the partial record a crash leaves behind and it
// is silently dropped. A malformed line in the middle of the file is real
// corruption and is reported.
func readLines(path string, fn func(line []byte) error) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read audit log %s: %w", path, err)
	}

	lines := bytes.Split(data, []byte{'\n'})
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			if i == len(lines)-1 {
				// Trailing partial record from a crash mid-append.
				return nil
			}
			return fmt.Errorf("corrupt audit record at %s line %d: %w", path, i+1, err)
		}
	}
	return nil
}
