package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateBinary(&c.Binary)...)
	errs = append(errs, validateHTTP(&c.HTTP)...)
	errs = append(errs, validateRegistry(&c.Registry)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.DataDir == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.data_dir",
			Message: "must not be empty",
		})
	}

	if s.MaxBlobSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_blob_size",
			Message: "must be positive",
		})
	} else if s.MaxBlobSize > 1<<30 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_blob_size",
			Message: "must not exceed 1 GiB",
		})
	}

	// zstd's supported range; level 0 would silently mean "default".
	if s.ZstdLevel < 1 || s.ZstdLevel > 22 {
		errs = append(errs, ValidationError{
			Field:   "storage.zstd_level",
			Message: fmt.Sprintf("must be between 1 and 22, got %d", s.ZstdLevel),
		})
	}

	return errs
}

func validateBinary(b *BinaryConfig) ValidationErrors {
	var errs ValidationErrors

	if err := validateBindAddr(b.BindAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "binary.bind_addr",
			Message: err.Error(),
		})
	}

	if b.MaxConnections <= 0 {
		errs = append(errs, ValidationError{
			Field:   "binary.max_connections",
			Message: "must be positive",
		})
	}

	if b.MaxInFlightPerConn <= 0 {
		errs = append(errs, ValidationError{
			Field:   "binary.max_in_flight_per_conn",
			Message: "must be positive",
		})
	}

	if b.Workers <= 0 {
		errs = append(errs, ValidationError{
			Field:   "binary.workers",
			Message: "must be positive",
		})
	}

	if b.WorkerQueueDepth <= 0 {
		errs = append(errs, ValidationError{
			Field:   "binary.worker_queue_depth",
			Message: "must be positive",
		})
	}

	return errs
}

func validateHTTP(h *HTTPConfig) ValidationErrors {
	var errs ValidationErrors

	if err := validateBindAddr(h.BindAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "http.bind_addr",
			Message: err.Error(),
		})
	}

	return errs
}

func validateRegistry(r *RegistryConfig) ValidationErrors {
	var errs ValidationErrors

	if r.MaxBundleSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "registry.max_bundle_size",
			Message: "must be positive",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("must be one of debug, info, warn, error; got %q", l.Level),
		})
	}

	switch strings.ToLower(l.Format) {
	case "json", "text":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("must be json or text; got %q", l.Format),
		})
	}

	switch strings.ToLower(l.Output) {
	case "stdout", "stderr", "file":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("must be stdout, stderr, or file; got %q", l.Output),
		})
	}

	if strings.ToLower(l.Output) == "file" {
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "must be set when output is file",
			})
		}
		if l.MaxSizeMB <= 0 {
			errs = append(errs, ValidationError{
				Field:   "logging.max_size_mb",
				Message: "must be positive",
			})
		}
		if l.MaxBackups < 0 {
			errs = append(errs, ValidationError{
				Field:   "logging.max_backups",
				Message: "must not be negative",
			})
		}
		if l.MaxAgeDays < 0 {
			errs = append(errs, ValidationError{
				Field:   "logging.max_age_days",
				Message: "must not be negative",
			})
		}
	}

	return errs
}

func validateBindAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("must not be empty")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port, got %q", addr)
	}
	if host == "" {
		return fmt.Errorf("host must not be empty in %q", addr)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty in %q", addr)
	}
	return nil
}
