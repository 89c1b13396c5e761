package protocol

import (
	"fmt"
	"strings"
	"time"
)

// RecordKind identifies a journal record
type RecordKind string

const (
	RecordKindStartRun   RecordKind = "start_run"
	RecordKindFinishRun  RecordKind = "finish_run"
	RecordKindStartItem  RecordKind = "start_item"
	RecordKindFinishItem RecordKind = "finish_item"
	RecordKindLog        RecordKind = "log"
)

// ItemStatus is the outcome of a run or an item
type ItemStatus string

const (
	StatusPassed      ItemStatus = "PASSED"
	StatusFailed      ItemStatus = "FAILED"
	StatusSkipped     ItemStatus = "SKIPPED"
	StatusStopped     ItemStatus = "STOPPED"
	StatusInterrupted ItemStatus = "INTERRUPTED"
	StatusCancelled   ItemStatus = "CANCELLED"
	StatusInfo        ItemStatus = "INFO"
	StatusWarn        ItemStatus = "WARN"
	// StatusInProgress is only ever reported by the collector, never sent
	StatusInProgress ItemStatus = "IN_PROGRESS"
)

// ParseStatus accepts a status name in any case
func ParseStatus(s string) (ItemStatus, error) {
	switch st := ItemStatus(strings.ToUpper(s)); st {
	case StatusPassed, StatusFailed, StatusSkipped, StatusStopped,
		StatusInterrupted, StatusCancelled, StatusInfo, StatusWarn:
		return st, nil
	default:
		return "", fmt.Errorf("unknown item status %q", s)
	}
}

// ItemType is the kind of test item
type ItemType string

const (
	ItemTypeSuite ItemType = "SUITE"
	ItemTypeTest  ItemType = "TEST"
	ItemTypeStep  ItemType = "STEP"
)

// LogLevel represents log severity
type LogLevel string

const (
	LogLevelError LogLevel = "ERROR"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelTrace LogLevel = "TRACE"
)

// RunMode distinguishes regular runs from debug runs on the collector
type RunMode string

const (
	RunModeDefault RunMode = "DEFAULT"
	RunModeDebug   RunMode = "DEBUG"
)

// StartRunRequest creates a run. UUID carries the arbitrated identifier.
type StartRunRequest struct {
	UUID        string            `json:"uuid,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Mode        RunMode           `json:"mode,omitempty"`
	StartTime   time.Time         `json:"start_time"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// FinishRunRequest finalizes a run
type FinishRunRequest struct {
	Status  ItemStatus `json:"status,omitempty"`
	EndTime time.Time  `json:"end_time"`
}

// RunResource is the collector's view of a run
type RunResource struct {
	UUID       string            `json:"uuid"`
	Name       string            `json:"name"`
	Mode       RunMode           `json:"mode,omitempty"`
	Status     ItemStatus        `json:"status"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	Owner      string            `json:"owner,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// StartItemRequest starts a test item
type StartItemRequest struct {
	Name      string    `json:"name"`
	Type      ItemType  `json:"type"`
	HasStats  bool      `json:"has_stats"`
	StartTime time.Time `json:"start_time"`
}

// FinishItemRequest finishes a test item
type FinishItemRequest struct {
	Status  ItemStatus `json:"status"`
	EndTime time.Time  `json:"end_time"`
}

// File is a log attachment. Digest and Size describe Content; collectors
// that store the payload elsewhere keep them after dropping Content.
type File struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size,omitempty"`
	Digest      string `json:"digest,omitempty"`
	Content     []byte `json:"content,omitempty"`
}

// SaveLogRequest emits a log line, optionally with an attachment
type SaveLogRequest struct {
	ItemUUID string    `json:"item_uuid,omitempty"`
	Message  string    `json:"message"`
	Level    LogLevel  `json:"level"`
	LogTime  time.Time `json:"log_time"`
	File     *File     `json:"file,omitempty"`
}

// Record is one journaled channel call. Exactly one payload field is set,
// matching Kind.
type Record struct {
	Kind       RecordKind         `json:"kind"`
	Instance   string             `json:"instance"`
	RunID      string             `json:"run_id"`
	ItemID     string             `json:"item_id,omitempty"`
	ParentID   string             `json:"parent_id,omitempty"`
	RecordedAt time.Time          `json:"recorded_at"`
	StartRun   *StartRunRequest   `json:"start_run,omitempty"`
	FinishRun  *FinishRunRequest  `json:"finish_run,omitempty"`
	StartItem  *StartItemRequest  `json:"start_item,omitempty"`
	FinishItem *FinishItemRequest `json:"finish_item,omitempty"`
	Log        *SaveLogRequest    `json:"log,omitempty"`
}

// Summary is printed by a worker process as its last stdout line
type Summary struct {
	Kind      string `json:"kind"`
	Role      string `json:"role"`
	RunID     string `json:"run_id,omitempty"`
	Candidate string `json:"candidate"`
	Error     string `json:"error,omitempty"`
}

// SummaryKind is the Kind value of a Summary line
const SummaryKind = "summary"
