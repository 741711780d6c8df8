package flowdag

// WouldCreateCycle reports whether inserting candidate into existing would
// close a cycle. It never mutates its inputs.
//
// A self-loop is always a cycle. Otherwise the search walks forward from the
// candidate's target with an explicit stack; reaching the candidate's source
// means the new edge closes a loop.
func WouldCreateCycle(candidate Edge, existing []Edge) bool {
	if candidate.Source == candidate.Target {
		return true
	}

	adj := make(map[string][]string, len(existing)+1)
	for _, e := range existing {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	adj[candidate.Source] = append(adj[candidate.Source], candidate.Target)

	visited := make(map[string]bool)
	stack := []string{candidate.Target}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == candidate.Source {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, adj[cur]...)
	}
	return false
}
