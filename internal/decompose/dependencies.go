package decompose

import (
	"regexp"
	"strings"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// importPattern matches an ES-style import statement inside a subtask target.
// Only the literal text is inspected; no parsing takes place.
var importPattern = regexp.MustCompile(`import.*from\s+['"](.+)['"]`)

// AnnotateDependencies fills in the Dependencies of each subtask in place.
//
// Subtasks of kind file that share a target are chained in emission order so
// edits to one file are serialized. A subtask whose target contains an
// import of some path depends on every other subtask whose target equals or
// contains that path. Edges are never duplicated, so calling this twice is
// harmless.
func AnnotateDependencies(subtasks []*models.Subtask) int {
	added := 0

	byFile := make(map[string][]*models.Subtask)
	var fileOrder []string
	for _, st := range subtasks {
		if st.Kind != models.SplitKindFile {
			continue
		}
		if _, ok := byFile[st.Target]; !ok {
			fileOrder = append(fileOrder, st.Target)
		}
		byFile[st.Target] = append(byFile[st.Target], st)
	}
	for _, file := range fileOrder {
		group := byFile[file]
		for i := 1; i < len(group); i++ {
			if group[i].AddDependency(group[i-1].ID) {
				added++
			}
		}
	}

	for _, st := range subtasks {
		for _, imported := range ImportedPaths(st.Target) {
			for _, other := range subtasks {
				if other.Target == imported || strings.Contains(other.Target, imported) {
					if st.AddDependency(other.ID) {
						added++
					}
				}
			}
		}
	}

	return added
}

// ImportedPaths returns the paths referenced by import statements in text.
func ImportedPaths(text string) []string {
	if text == "" {
		return nil
	}
	matches := importPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) > 1 && m[1] != "" {
			paths = append(paths, m[1])
		}
	}
	return paths
}
