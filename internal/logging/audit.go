// Audit logging: append-only JSONL event streams. Each task directory owns one
// audit file; every state transition appends exactly one event. Events carry a
// strictly increasing sequence number so consumers can detect truncation.
package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// AuditEventType classifies an audit event.
type AuditEventType string

const (
	AuditTransition    AuditEventType = "transition"     // Task state change
	AuditDispatch      AuditEventType = "dispatch"       // Executor invocation
	AuditToolCall      AuditEventType = "tool_call"      // Tool capability invocation
	AuditMemoryOp      AuditEventType = "memory_op"      // Memory engine operation
	AuditArtifactWrite AuditEventType = "artifact_write" // Artifact persisted
	AuditQAVerdict     AuditEventType = "qa_verdict"     // QA pipeline outcome
	AuditHITLDecision  AuditEventType = "hitl_decision"  // Human review decision
	AuditEscalation    AuditEventType = "escalation"     // Review item promoted
	AuditError         AuditEventType = "error"          // Recorded failure
)

// AuditEvent is one JSONL entry in an audit stream.
type AuditEvent struct {
	Seq       uint64                 `json:"seq"`
	Timestamp int64                  `json:"ts"` // Unix milliseconds, audit only
	EventType AuditEventType         `json:"event"`
	TaskID    string                 `json:"task"`
	From      string                 `json:"from,omitempty"`
	To        string                 `json:"to,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// AuditWriter appends events to a single JSONL file. Safe for concurrent use.
type AuditWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	seq  uint64
}

// OpenAudit opens (or creates) an audit stream at path. An existing stream is
// scanned so the sequence continues where it left off.
func OpenAudit(path string) (*AuditWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	w := &AuditWriter{path: path, file: file}
	if seq, err := lastSequence(path); err == nil {
		w.seq = seq
	}
	return w, nil
}

// Append writes one event. The sequence number and timestamp are assigned here;
// caller-supplied values are ignored.
func (w *AuditWriter) Append(ev AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("audit writer closed")
	}

	w.seq++
	ev.Seq = w.seq
	ev.Timestamp = time.Now().UnixMilli()

	data, err := json.Marshal(ev)
	if err != nil {
		w.seq--
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		w.seq--
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Seq returns the sequence number of the last appended event.
func (w *AuditWriter) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Close flushes and closes the underlying file.
func (w *AuditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReadAudit loads every event from an audit stream in order.
func ReadAudit(path string) ([]AuditEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("corrupt audit entry: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func lastSequence(path string) (uint64, error) {
	events, err := ReadAudit(path)
	if err != nil || len(events) == 0 {
		return 0, err
	}
	return events[len(events)-1].Seq, nil
}
