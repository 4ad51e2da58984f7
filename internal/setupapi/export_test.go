package setupapi

// WaitMilliseconds is the conversion of wait durations for the system wait functions.
var WaitMilliseconds = waitMilliseconds

// PendingReads is the number of ReadFile calls blocked on h.
func (m *Mock) PendingReads(h Handle) int {
	handle, ok := m.handles.get(h)
	if !ok {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(handle.reads)
}
