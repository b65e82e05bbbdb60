package safeshell

import "strings"

// TaskNode is a resolved, cycle-checked execution plan for a task: either a
// single inline command, or a group of subtasks to run in parallel or in
// series.
type TaskNode struct {
	Name     string
	Inline   string
	Cwd      string
	Env      map[string]string
	Parallel []*TaskNode
	Serial   []*TaskNode
}

// resolveTask builds the execution plan for the named task, detecting
// cycles (through aliases, parallel groups, and serial groups alike) and
// reporting the full cycle path when one is found.
func resolveTask(name string, tasks map[string]TaskDef) (*TaskNode, error) {
	visiting := make(map[string]bool)
	path := make([]string, 0, 4)

	return resolveTaskRec(name, tasks, visiting, &path)
}

func resolveTaskRec(name string, tasks map[string]TaskDef, visiting map[string]bool, path *[]string) (*TaskNode, error) {
	if visiting[name] {
		cycle := append(append([]string{}, *path...), name)
		return nil, newError(KindConfigInvalid, "task cycle detected: %s", strings.Join(cycle, " -> "))
	}

	def, ok := tasks[name]
	if !ok {
		return nil, newError(KindNotFound, "task not found: %s", name)
	}

	visiting[name] = true
	*path = append(*path, name)

	defer func() {
		delete(visiting, name)
		*path = (*path)[:len(*path)-1]
	}()

	node := &TaskNode{Name: name, Cwd: def.Cwd, Env: def.Env}

	switch {
	case def.Alias != "":
		child, err := resolveTaskRec(def.Alias, tasks, visiting, path)
		if err != nil {
			return nil, err
		}

		node.Inline = child.Inline
		node.Parallel = child.Parallel
		node.Serial = child.Serial

		return node, nil

	case def.Inline != "":
		node.Inline = def.Inline
		return node, nil

	case len(def.Parallel) > 0:
		for _, sub := range def.Parallel {
			child, err := resolveTaskRec(sub, tasks, visiting, path)
			if err != nil {
				return nil, err
			}

			node.Parallel = append(node.Parallel, child)
		}

		return node, nil

	case len(def.Serial) > 0:
		for _, sub := range def.Serial {
			child, err := resolveTaskRec(sub, tasks, visiting, path)
			if err != nil {
				return nil, err
			}

			node.Serial = append(node.Serial, child)
		}

		return node, nil

	default:
		return nil, newError(KindConfigInvalid, "task %q has no inline/parallel/serial/alias body", name)
	}
}

// flatten returns the inline commands in node, in the order they would
// execute a purely-serial interpretation (parallel groups are flattened
// left-to-right; actual concurrency is the orchestrator's concern at
// execution time, not the plan's).
func flatten(node *TaskNode) []string {
	if node == nil {
		return nil
	}

	if node.Inline != "" {
		return []string{node.Inline}
	}

	var out []string

	for _, child := range node.Parallel {
		out = append(out, flatten(child)...)
	}

	for _, child := range node.Serial {
		out = append(out, flatten(child)...)
	}

	return out
}
