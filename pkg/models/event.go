// Package models defines the domain types shared across the pipeline:
// normalized events, alerts, evidence, and custody records.
package models

import (
	"time"
)

// EventKind classifies what a NormalizedEvent represents.
type EventKind string

// Event kind constants.
const (
	KindEvent         EventKind = "event"
	KindAlert         EventKind = "alert"
	KindSignal        EventKind = "signal"
	KindMetric        EventKind = "metric"
	KindState         EventKind = "state"
	KindPipelineError EventKind = "pipeline_error"
)

// MaxLabelValueBytes is the upper bound for a single label value.
const MaxLabelValueBytes = 256

// NormalizedEvent is the universal unit of flow through the pipeline.
// It is a flat record following the ECS field layout: well-known semantic
// fields plus a low-cardinality label map and an opaque raw payload.
//
// Ownership: the producing parser owns the event until it enters the
// buffer; after that it is shared read-only with all consumers.
type NormalizedEvent struct {
	// Event time (timezone-aware) and the moment the parser produced it.
	Timestamp  time.Time `json:"timestamp"`
	IngestTime time.Time `json:"ingest_time"`

	// Provenance.
	SourceType string `json:"source_type"`
	SourceFile string `json:"source_file,omitempty"`
	SourceLine int    `json:"source_line,omitempty"`

	// ECS event.* fields.
	EventKind     EventKind `json:"event_kind"`
	EventCategory []string  `json:"event_category,omitempty"`
	EventType     []string  `json:"event_type,omitempty"`
	EventAction   string    `json:"event_action,omitempty"`
	EventOutcome  string    `json:"event_outcome,omitempty"`
	EventSeverity int       `json:"event_severity,omitempty"` // 0–100

	// Network.
	SourceIP         string `json:"source_ip,omitempty"`
	DestinationIP    string `json:"destination_ip,omitempty"`
	SourcePort       int    `json:"source_port,omitempty"`
	DestinationPort  int    `json:"destination_port,omitempty"`
	NetworkProtocol  string `json:"network_protocol,omitempty"`
	NetworkDirection string `json:"network_direction,omitempty"`

	// User.
	UserName   string `json:"user_name,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	UserDomain string `json:"user_domain,omitempty"`

	// Host.
	HostName string `json:"host_name,omitempty"`
	HostID   string `json:"host_id,omitempty"`

	// Process.
	ProcessName        string `json:"process_name,omitempty"`
	ProcessPID         int    `json:"process_pid,omitempty"`
	ProcessPPID        int    `json:"process_ppid,omitempty"`
	ProcessCommandLine string `json:"process_command_line,omitempty"`
	ProcessExecutable  string `json:"process_executable,omitempty"`

	// File.
	FileName       string `json:"file_name,omitempty"`
	FilePath       string `json:"file_path,omitempty"`
	FileHashMD5    string `json:"file_hash_md5,omitempty"`
	FileHashSHA1   string `json:"file_hash_sha1,omitempty"`
	FileHashSHA256 string `json:"file_hash_sha256,omitempty"`

	// URL.
	URLFull   string `json:"url_full,omitempty"`
	URLDomain string `json:"url_domain,omitempty"`
	URLPath   string `json:"url_path,omitempty"`

	// Free text.
	Message string `json:"message,omitempty"`

	// Labels are low-cardinality tags; values are capped at
	// MaxLabelValueBytes (use SetLabel).
	Labels map[string]string `json:"labels,omitempty"`
	Tags   []string          `json:"tags,omitempty"`

	// Raw is the source record, kept for audit only. Detection never
	// reads it.
	Raw string `json:"raw,omitempty"`
}

// SetLabel stores a label, truncating the value to MaxLabelValueBytes.
func (e *NormalizedEvent) SetLabel(key, value string) {
	if e.Labels == nil {
		e.Labels = make(map[string]string)
	}
	if len(value) > MaxLabelValueBytes {
		value = value[:MaxLabelValueBytes]
	}
	e.Labels[key] = value
}

// AddTag appends a tag if not already present.
func (e *NormalizedEvent) AddTag(tag string) {
	for _, t := range e.Tags {
		if t == tag {
			return
		}
	}
	e.Tags = append(e.Tags, tag)
}

// Field resolves an ECS dot-notation field name ("source.ip",
// "process.command_line", "labels.device_vendor") against the event.
// Unknown names fall through to the label map. The second return reports
// whether the field carried a value.
func (e *NormalizedEvent) Field(name string) (any, bool) {
	switch name {
	case "timestamp", "@timestamp":
		return e.Timestamp, true
	case "source_type", "source.type":
		return strField(e.SourceType)
	case "source_file", "source.file":
		return strField(e.SourceFile)
	case "event.kind", "event_kind":
		return strField(string(e.EventKind))
	case "event.category", "event_category":
		return sliceField(e.EventCategory)
	case "event.type", "event_type":
		return sliceField(e.EventType)
	case "event.action", "event_action":
		return strField(e.EventAction)
	case "event.outcome", "event_outcome":
		return strField(e.EventOutcome)
	case "event.severity", "event_severity":
		return e.EventSeverity, true
	case "source.ip", "source_ip":
		return strField(e.SourceIP)
	case "destination.ip", "destination_ip":
		return strField(e.DestinationIP)
	case "source.port", "source_port":
		return intField(e.SourcePort)
	case "destination.port", "destination_port":
		return intField(e.DestinationPort)
	case "network.protocol", "network_protocol":
		return strField(e.NetworkProtocol)
	case "network.direction", "network_direction":
		return strField(e.NetworkDirection)
	case "user.name", "user_name":
		return strField(e.UserName)
	case "user.id", "user_id":
		return strField(e.UserID)
	case "user.domain", "user_domain":
		return strField(e.UserDomain)
	case "host.name", "host_name":
		return strField(e.HostName)
	case "host.id", "host_id":
		return strField(e.HostID)
	case "process.name", "process_name":
		return strField(e.ProcessName)
	case "process.pid", "process_pid":
		return intField(e.ProcessPID)
	case "process.ppid", "process_ppid":
		return intField(e.ProcessPPID)
	case "process.command_line", "process_command_line", "CommandLine":
		return strField(e.ProcessCommandLine)
	case "process.executable", "process_executable", "Image":
		return strField(e.ProcessExecutable)
	case "file.name", "file_name":
		return strField(e.FileName)
	case "file.path", "file_path":
		return strField(e.FilePath)
	case "file.hash.md5", "file_hash_md5":
		return strField(e.FileHashMD5)
	case "file.hash.sha1", "file_hash_sha1":
		return strField(e.FileHashSHA1)
	case "file.hash.sha256", "file_hash_sha256":
		return strField(e.FileHashSHA256)
	case "url.full", "url_full":
		return strField(e.URLFull)
	case "url.domain", "url_domain":
		return strField(e.URLDomain)
	case "url.path", "url_path":
		return strField(e.URLPath)
	case "message":
		return strField(e.Message)
	}
	if len(name) > 7 && name[:7] == "labels." {
		v, ok := e.Labels[name[7:]]
		if !ok {
			return nil, false
		}
		return v, true
	}
	// Bare extension keys land in labels too.
	if v, ok := e.Labels[name]; ok {
		return v, true
	}
	return nil, false
}

func strField(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

func intField(i int) (any, bool) {
	if i == 0 {
		return nil, false
	}
	return i, true
}

func sliceField(s []string) (any, bool) {
	if len(s) == 0 {
		return nil, false
	}
	return s, true
}

// RawEvent is a pre-parse record handed from a connector to the parser
// dispatcher. Its lifetime ends when a parser produces NormalizedEvents
// from it.
type RawEvent struct {
	Data      []byte            `json:"data"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PipelineError builds the single pipeline_error event emitted when a
// whole input is unrecognizable (MalformedSource).
func PipelineError(sourceType, sourceFile, msg string) *NormalizedEvent {
	now := time.Now().UTC()
	return &NormalizedEvent{
		Timestamp:  now,
		IngestTime: now,
		SourceType: sourceType,
		SourceFile: sourceFile,
		EventKind:  KindPipelineError,
		Message:    msg,
	}
}
