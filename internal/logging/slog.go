package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Attribute keys shared by every package.
const (
	KeyOperation = "operation"
	KeyService   = "service"
	KeyTarget    = "target"
	KeyRunID     = "run_id"
	KeyUserHash  = "user_hash"
	KeyRow       = "row"
	KeyThreadID  = "thread_id"
	KeyStatus    = "status"
	KeyError     = "error"
	KeyDomain    = "user_domain"
)

// Output formats accepted by NewLogger.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// NewLogger builds a slog.Logger writing to w with the given level name
// ("debug", "info", "warn", "error") and format ("text" or "json").
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if level == "" {
		level = "info"
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", FormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q, must be one of: text, json", format)
	}
}

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String(KeyOperation, operation))
}

// WithTarget returns a logger with the workflow target attribute set.
func WithTarget(logger *slog.Logger, target string) *slog.Logger {
	return logger.With(slog.String(KeyTarget, target))
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Service returns a slog attribute for the service name.
func Service(svc string) slog.Attr {
	return slog.String(KeyService, svc)
}

// Target returns a slog attribute for the workflow target key.
func Target(target string) slog.Attr {
	return slog.String(KeyTarget, target)
}

// RunID returns a slog attribute for a batch run identifier.
func RunID(id string) slog.Attr {
	return slog.String(KeyRunID, id)
}

// Row returns a slog attribute for a sheet row number.
func Row(row int) slog.Attr {
	return slog.Int(KeyRow, row)
}

// ThreadID returns a slog attribute for a mail conversation identifier.
func ThreadID(id string) slog.Attr {
	return slog.String(KeyThreadID, id)
}

// Status returns a slog attribute for the status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Err returns the error attribute. A nil err yields an empty group, which
// handlers drop.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// AnonymizeEmail returns "user:" and the first 8 bytes of the SHA-256 of
// email in hex. The same address always maps to the same value.
func AnonymizeEmail(email string) string {
	if email == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(email))
	return "user:" + hex.EncodeToString(hash[:8])
}

// UserHash returns a slog attribute with the anonymized user email.
func UserHash(email string) slog.Attr {
	return slog.String(KeyUserHash, AnonymizeEmail(email))
}

// ExtractDomain extracts the domain part from an email address.
func ExtractDomain(email string) string {
	if email == "" {
		return ""
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[1]
}

// Domain returns a slog attribute with the domain of an email address.
func Domain(email string) slog.Attr {
	return slog.String(KeyDomain, ExtractDomain(email))
}
