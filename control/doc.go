// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration control and debug introspection layer of the IPC client runtime.
//
// Provides concurrent-safe state handling primitives including:
//   - YAML configuration loading with defaults and validation
//   - Immutable snapshot config reads and atomic updates
//   - Reload observers (the runtime log switch is one)
//   - State export through registered debug probes
package control
