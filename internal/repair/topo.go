package repair

import "sort"

// orderTables sorts tables so parents precede children. deps maps a table to
// the tables it references. Ties break by name; tables caught in a cycle are
// appended by name after the settled prefix.
func orderTables(tables []string, deps map[string][]string) []string {
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t] = true
	}
	indegree := make(map[string]int, len(tables))
	children := make(map[string][]string)
	for _, t := range tables {
		seen := map[string]bool{}
		for _, parent := range deps[t] {
			if !known[parent] || parent == t || seen[parent] {
				continue
			}
			seen[parent] = true
			indegree[t]++
			children[parent] = append(children[parent], t)
		}
	}

	var ready []string
	for _, t := range tables {
		if indegree[t] == 0 {
			ready = append(ready, t)
		}
	}
	sort.Strings(ready)

	out := make([]string, 0, len(tables))
	placed := make(map[string]bool, len(tables))
	for len(ready) > 0 {
		t := ready[0]
		ready = ready[1:]
		out = append(out, t)
		placed[t] = true
		for _, c := range children[t] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
		sort.Strings(ready)
	}

	var rest []string
	for _, t := range tables {
		if !placed[t] {
			rest = append(rest, t)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
