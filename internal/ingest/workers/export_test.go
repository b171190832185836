package workers

type DBroadcaster = dBroadcaster

// ConsumerNames returns the names of running consumers.
func (m *Pool) ConsumerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.running))
	for name := range m.running {
		names = append(names, name)
	}
	return names
}
