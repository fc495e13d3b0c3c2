package bootstrap

// validateGraph checks dependency references, the criticality partition, and
// acyclicity, in that order. Iteration follows registration order so the
// reported error is deterministic.
func validateGraph(items map[string]Subsystem, order []string) error {
	for _, name := range order {
		sub := items[name]
		for _, dep := range sub.DependsOn {
			target, ok := items[dep]
			if !ok {
				return &UnregisteredDependencyError{Subsystem: name, Dependency: dep}
			}
			if sub.Criticality == Critical && target.Criticality != Critical {
				return &CriticalDependencyError{Subsystem: name, Dependency: dep}
			}
		}
	}
	if cycle := findCycle(items, order); cycle != nil {
		return &CyclicDependencyError{Cycle: cycle}
	}
	return nil
}

const (
	unvisited = iota
	visiting
	visited
)

func findCycle(items map[string]Subsystem, order []string) []string {
	state := make(map[string]int, len(order))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range items[name].DependsOn {
			switch state[dep] {
			case visiting:
				start := 0
				for i, n := range stack {
					if n == dep {
						start = i
						break
					}
				}
				cycle := make([]string, 0, len(stack)-start+1)
				cycle = append(cycle, stack[start:]...)
				return append(cycle, dep)
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = visited
		return nil
	}

	for _, name := range order {
		if state[name] != unvisited {
			continue
		}
		if c := visit(name); c != nil {
			return c
		}
	}
	return nil
}
