// Package cache provides the shared CQL execution-result cache. Results of
// executing a rule library are keyed by the library reference so nested plan
// applications referencing the same library skip redundant executions.
package cache

import "context"

// Cache stores evaluated library results keyed by library reference.
type Cache interface {
	Get(ctx context.Context, key string) (map[string]interface{}, bool, error)
	Set(ctx context.Context, key string, results map[string]interface{}) error
}
