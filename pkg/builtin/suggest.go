package builtin

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/5dlabs/toolman/pkg/catalog"
)

// scoredTool is one catalog tool ranked against the best-matching task
// description supplied to suggest_tools_for_tasks.
type scoredTool struct {
	name  string
	score float64
	task  string
}

// SuggestToolsForTasks ranks tools by Jaro-Winkler similarity between each
// task description and the tool's name/description text, a pure function
// of the catalog per spec.md §6. It is deliberately a heuristic, not a
// semantic search: toolman has no embedding model to call, and the source
// this is modeled on used the same string-similarity approach.
func SuggestToolsForTasks(tools []catalog.Tool, taskDescriptions []string) string {
	if len(taskDescriptions) == 0 {
		return "no task descriptions supplied"
	}

	var scored []scoredTool
	for _, t := range tools {
		if !t.Enabled {
			continue
		}
		haystack := strings.ToLower(t.PrefixedName + " " + t.Description)
		best := 0.0
		bestTask := ""
		for _, task := range taskDescriptions {
			needle := strings.ToLower(task)
			s := matchr.JaroWinkler(needle, haystack, true)
			if s > best {
				best = s
				bestTask = task
			}
		}
		scored = append(scored, scoredTool{name: t.PrefixedName, score: best, task: bestTask})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	const topN = 10
	if len(scored) > topN {
		scored = scored[:topN]
	}

	var b strings.Builder
	for _, s := range scored {
		fmt.Fprintf(&b, "%s\t%.3f\tmatches %q\n", s.name, s.score, s.task)
	}
	if b.Len() == 0 {
		return "no tools available to suggest"
	}
	return b.String()
}
