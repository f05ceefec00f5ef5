// Package logging provides structured logging utilities for handovermail.
//
// This package centralizes logging patterns so every component logs with the
// same attribute names through the standard library's slog package.
//
// # Key Features
//
//   - Handler construction from configuration (text or JSON, level)
//   - PII sanitization (owner emails are hashed)
//   - Consistent attribute naming across the codebase
//
// # Usage Patterns
//
// Create a logger scoped to a workflow target:
//
//	logger := logging.WithTarget(slog.Default(), "soc-hcm")
//	logger.Info("run started", logging.UserHash(owner))
//
// # Security Considerations
//
//   - User emails are hashed to prevent PII leakage while allowing correlation
//   - Tokens are never logged directly
package logging
