package schedule

// LockKey returns the single-instance lock key for an index. Every mutating
// command of the same index takes the same key.
func LockKey(base, index string) string {
	if base == "" {
		base = "tridx-pipeline"
	}
	if index == "" {
		return base
	}
	return base + ":" + index
}
