// Package logging provides structured logging with slog for cxdbd.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventContextCreate AuditEventType = "context_create"
	AuditEventContextFork   AuditEventType = "context_fork"
	AuditEventTurnAppend    AuditEventType = "turn_append"
	AuditEventBundlePublish AuditEventType = "bundle_publish"
	AuditEventConfigChange  AuditEventType = "config_change"
	AuditEventRecovery      AuditEventType = "recovery"
	AuditEventError         AuditEventType = "error"
	AuditEventStartup       AuditEventType = "startup"
	AuditEventShutdown      AuditEventType = "shutdown"
)

// AuditEvent represents an operationally relevant event: anything that
// changed durable state or refused to.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventID    string                 `json:"event_id"`
	EventType  AuditEventType         `json:"event_type"`
	Component  string                 `json:"component"`
	RunID      string                 `json:"run_id,omitempty"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource,omitempty"`
	Result     string                 `json:"result"` // "success", "failure", "denied"
	Details    map[string]interface{} `json:"details,omitempty"`
	SourceIP   string                 `json:"source_ip,omitempty"`
	SourceFile string                 `json:"source_file,omitempty"`
	SourceLine int                    `json:"source_line,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50, // 50 MB
		MaxAge:     90, // 90 days
		MaxBackups: 10,
		Compress:   true,
		Component:  "cxdbd",
	}
}

// defaultAuditLogPath returns the platform-specific default audit log path.
func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "cxdb", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "cxdb", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "cxdb", "audit.log")
	}
}

// AuditLogger records state-changing operations as JSON lines. Every
// event carries a process-lifetime run ID and its own event ID so that
// retried operations can be correlated across restarts.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	logger  *slog.Logger
	mu      sync.Mutex
	runID   string
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

// DefaultAuditLogger returns the default global audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			// Create a fallback that writes to stderr
			defaultAuditLogger = &AuditLogger{
				config: DefaultAuditConfig(),
				logger: slog.Default(),
				runID:  uuid.NewString(),
			}
		}
	})
	return defaultAuditLogger
}

// SetDefaultAuditLogger sets the default global audit logger.
func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	// Create rotator config from audit config
	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level: LevelInfo,
	}

	handler := slog.NewJSONHandler(rotator, opts)
	logger := slog.New(handler)

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		logger:  logger,
		runID:   uuid.NewString(),
	}, nil
}

// RunID returns this process's audit run identifier.
func (a *AuditLogger) RunID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runID
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Fill in defaults
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RunID == "" {
		event.RunID = a.runID
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	// Get source location
	if event.SourceFile == "" {
		_, file, line, ok := runtime.Caller(1)
		if ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	// Convert to JSON and write directly
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if a.rotator == nil {
		a.logger.InfoContext(ctx, "audit", "event", string(data))
		return nil
	}
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogContextCreate logs the creation of a new context.
func (a *AuditLogger) LogContextCreate(ctx context.Context, contextID, baseTurnID uint64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventContextCreate,
		Action:    "context_created",
		Resource:  fmt.Sprintf("context/%d", contextID),
		Result:    "success",
		Details: map[string]interface{}{
			"context_id":   contextID,
			"base_turn_id": baseTurnID,
		},
	})
}

// LogContextFork logs a fork of an existing context.
func (a *AuditLogger) LogContextFork(ctx context.Context, newContextID, parentContextID, atTurnID uint64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventContextFork,
		Action:    "context_forked",
		Resource:  fmt.Sprintf("context/%d", newContextID),
		Result:    "success",
		Details: map[string]interface{}{
			"context_id":        newContextID,
			"parent_context_id": parentContextID,
			"at_turn_id":        atTurnID,
		},
	})
}

// LogAppend logs a turn append.
func (a *AuditLogger) LogAppend(ctx context.Context, contextID, turnID uint64, typeID string, idempotentHit bool) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventTurnAppend,
		Action:    "turn_appended",
		Resource:  fmt.Sprintf("turn/%d", turnID),
		Result:    "success",
		Details: map[string]interface{}{
			"context_id":     contextID,
			"turn_id":        turnID,
			"type_id":        typeID,
			"idempotent_hit": idempotentHit,
		},
	})
}

// LogBundlePublish logs a registry bundle publication.
func (a *AuditLogger) LogBundlePublish(ctx context.Context, bundleID string, descriptorCount int, success bool) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventBundlePublish,
		Action:    "bundle_published",
		Resource:  fmt.Sprintf("bundle/%s", bundleID),
		Result:    result,
		Details: map[string]interface{}{
			"bundle_id":        bundleID,
			"descriptor_count": descriptorCount,
		},
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]interface{}{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogRecovery logs the outcome of a startup recovery scan.
func (a *AuditLogger) LogRecovery(ctx context.Context, component string, success bool, details map[string]interface{}) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRecovery,
		Action:    "recovery_scan",
		Resource:  component,
		Result:    result,
		Details:   details,
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// Convenience functions for the default audit logger.

// Audit logs an audit event using the default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}

// AuditAppend logs a turn append using the default audit logger.
func AuditAppend(ctx context.Context, contextID, turnID uint64, typeID string, idempotentHit bool) error {
	return DefaultAuditLogger().LogAppend(ctx, contextID, turnID, typeID, idempotentHit)
}

// AuditError logs an error using the default audit logger.
func AuditError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	return DefaultAuditLogger().LogError(ctx, operation, err, details)
}
