package engine

import (
	"sort"

	"issuepilot/internal/domain"
)

// ExecutorRegistry is the closed dispatch table of engine executors. Engine
// types are fixed at construction; there is no runtime probing.
type ExecutorRegistry struct {
	byType map[string]domain.EngineExecutor
}

// NewExecutorRegistry builds the table from the given executors.
func NewExecutorRegistry(execs ...domain.EngineExecutor) *ExecutorRegistry {
	byType := make(map[string]domain.EngineExecutor, len(execs))
	for _, ex := range execs {
		byType[ex.Type()] = ex
	}
	return &ExecutorRegistry{byType: byType}
}

// Get returns the executor for an engine type.
func (r *ExecutorRegistry) Get(engineType string) (domain.EngineExecutor, error) {
	ex, ok := r.byType[engineType]
	if !ok {
		return nil, domain.NewDomainError("ExecutorRegistry.Get", domain.ErrEngineNotFound, engineType)
	}
	return ex, nil
}

// Types returns the registered engine type keys, sorted.
func (r *ExecutorRegistry) Types() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
