package crm

// Operation is a keyed command inside a batch.
type Operation struct {
	Key     string
	Command Command
}

// OperationMap is an insertion-ordered set of keyed commands. Writing an
// existing key replaces its command but keeps its position. The zero value is
// ready to use.
type OperationMap struct {
	keys     []string
	commands map[string]Command
}

func NewOperationMap(ops ...Operation) *OperationMap {
	m := &OperationMap{}
	for _, op := range ops {
		m.Add(op.Key, op.Command)
	}
	return m
}

func (m *OperationMap) Add(key string, cmd Command) *OperationMap {
	if m.commands == nil {
		m.commands = map[string]Command{}
	}
	if _, exists := m.commands[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.commands[key] = cmd
	return m
}

// Merge appends other's operations; on key collision the later command wins.
func (m *OperationMap) Merge(other *OperationMap) *OperationMap {
	if other == nil {
		return m
	}
	for _, key := range other.keys {
		m.Add(key, other.commands[key])
	}
	return m
}

func (m *OperationMap) Get(key string) (Command, bool) {
	if m == nil {
		return Command{}, false
	}
	cmd, ok := m.commands[key]
	return cmd, ok
}

func (m *OperationMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

func (m *OperationMap) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

func (m *OperationMap) Operations() []Operation {
	if m == nil {
		return nil
	}
	out := make([]Operation, 0, len(m.keys))
	for _, key := range m.keys {
		out = append(out, Operation{Key: key, Command: m.commands[key]})
	}
	return out
}
