package engine

// SweepBookkeeping drops per-execution bookkeeping whose owning registry
// entry is gone: recorder counters, prompt links and fallback buffers, plus
// stale entries in the spawned-process map. Returns the number of items
// removed. Scheduled periodically; also safe to call ad hoc.
func (e *Engine) SweepBookkeeping() int {
	// Reclaim orphaned registry entries first so the liveness checks below
	// see the post-sweep picture.
	removed := e.registry.Sweep()

	removed += e.recorder.SweepStale(e.registry.Has, e.registry.HasActiveInGroup)

	e.mu.Lock()
	for id := range e.spawned {
		if !e.registry.Has(id) {
			delete(e.spawned, id)
			removed++
		}
	}
	e.mu.Unlock()
	return removed
}
