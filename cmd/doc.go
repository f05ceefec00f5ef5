// Package cmd implements the command-line interface for handovermail.
//
// This package provides the following commands:
//   - serve: Start the HTTP API that triggers dispatch runs
//   - run: Dispatch one target from the terminal and wait for the result
//   - status: Show the run lock of one or all targets
//   - release: Clear a stuck run lock
//   - auth: Store, list and remove Google credentials of dispatching users
//   - version: Display version information
package cmd
