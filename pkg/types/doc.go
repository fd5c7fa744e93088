// Package types defines the core data structures shared by the session manager.
//
// This package contains:
//   - Worker descriptors as published by the worker registry
//   - Session records and their lifecycle states
//   - Shutdown options applied when a client detaches
package types
