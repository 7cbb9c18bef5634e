// Package context carries run-scoped tracing values through a catkin-bloom run
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// contextKey is unexported so keys cannot collide with other packages
type contextKey int

// Context keys for run tracing
const (
	runIDKey contextKey = iota
	layerKey
	packageKey
	operationKey
	startTimeKey
)

// WithRunID adds a run ID to the context
func WithRunID(parent context.Context, runID string) context.Context {
	if runID == "" {
		runID = GenerateRunID()
	}
	return context.WithValue(parent, runIDKey, runID)
}

// GetRunID retrieves the run ID from context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		return id
	}
	return "unknown-run"
}

// WithLayer records the index of the layer being processed
func WithLayer(parent context.Context, layer int) context.Context {
	return context.WithValue(parent, layerKey, layer)
}

// GetLayer retrieves the layer index, or -1 outside of a layer
func GetLayer(ctx context.Context) int {
	if l, ok := ctx.Value(layerKey).(int); ok {
		return l
	}
	return -1
}

// WithPackage records the package a unit of work belongs to
func WithPackage(parent context.Context, name string) context.Context {
	return context.WithValue(parent, packageKey, name)
}

// GetPackage retrieves the package name from context
func GetPackage(ctx context.Context) string {
	if name, ok := ctx.Value(packageKey).(string); ok {
		return name
	}
	return ""
}

// WithOperation adds an operation name to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// GetOperation retrieves the operation name from context
func GetOperation(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	return "unknown-operation"
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetStartTime retrieves the operation start time from context
func GetStartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey).(time.Time)
	return t, ok
}

// GetDuration calculates the duration since the start time in context.
// Zero when no start time was recorded.
func GetDuration(ctx context.Context) time.Duration {
	start, ok := GetStartTime(ctx)
	if !ok {
		return 0
	}
	return time.Since(start)
}

// GenerateRunID creates a new unique run ID
func GenerateRunID() string {
	return "run_" + uuid.New().String()
}

// EnrichContext prepares a context for a new run
func EnrichContext(parent context.Context) context.Context {
	ctx := parent

	if GetRunID(ctx) == "unknown-run" {
		ctx = WithRunID(ctx, GenerateRunID())
	}

	return WithStartTime(ctx, time.Now())
}

// TracingFields returns common tracing fields for structured logging
func TracingFields(ctx context.Context) map[string]interface{} {
	fields := map[string]interface{}{
		"run_id":    GetRunID(ctx),
		"operation": GetOperation(ctx),
	}
	if layer := GetLayer(ctx); layer >= 0 {
		fields["layer"] = layer
	}
	if pkg := GetPackage(ctx); pkg != "" {
		fields["package"] = pkg
	}
	if d := GetDuration(ctx); d > 0 {
		fields["duration_ms"] = d.Milliseconds()
	}
	return fields
}
