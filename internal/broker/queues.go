package broker

// DefaultQueues is the queue set configured at boot. Submissions naming any
// other queue are rejected by the API.
var DefaultQueues = []string{"default", "shell", "git", "llm", "qa", "tests", "repo"}

// KnownQueue reports whether name is in the configured queue set.
func KnownQueue(queues []string, name string) bool {
	for _, q := range queues {
		if q == name {
			return true
		}
	}
	return false
}
