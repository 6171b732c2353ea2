// Package scanner turns the changes directory into work items. Scanning is
// pure: the same filesystem yields the same result, sorted by directory name.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/specq-dev/specq/internal/config"
	"github.com/specq-dev/specq/internal/model"
)

var (
	frontmatterRe = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n(.*)`)
	taskHeadingRe = regexp.MustCompile(`(?i)^##\s+(task-\S+):\s*(.+)$`)
)

// ParseFrontmatter splits markdown content into its YAML front-matter and
// body. Content without a leading ---...--- block yields an empty map.
func ParseFrontmatter(content string) (map[string]any, string) {
	m := frontmatterRe.FindStringSubmatch(content)
	if m == nil {
		return map[string]any{}, content
	}
	var parsed any
	if err := yaml.Unmarshal([]byte(m[1]), &parsed); err != nil {
		return map[string]any{}, m[2]
	}
	meta, ok := parsed.(map[string]any)
	if !ok {
		return map[string]any{}, m[2]
	}
	return meta, m[2]
}

// ParseTasks parses tasks.md content. A task starts at a "## task-<id>: title"
// heading; everything up to the next heading is its description. Source
// order is preserved.
func ParseTasks(content string) []model.TaskItem {
	var tasks []model.TaskItem
	var cur *model.TaskItem
	var lines []string

	flush := func() {
		if cur == nil {
			return
		}
		cur.Ordinal = len(tasks)
		cur.Description = strings.TrimSpace(strings.Join(lines, "\n"))
		tasks = append(tasks, *cur)
		cur = nil
		lines = nil
	}

	for _, line := range strings.Split(content, "\n") {
		if m := taskHeadingRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = &model.TaskItem{
				ID:     m[1],
				Title:  strings.TrimSpace(m[2]),
				Status: model.StatusPending,
			}
			continue
		}
		if cur != nil {
			lines = append(lines, line)
		}
	}
	flush()
	return tasks
}

// Scan reads the configured changes directory and returns work items sorted
// by directory name. archive/, non-directories, configured ignore globs, and
// directories without proposal.md are skipped.
func Scan(cfg *config.Config) ([]*model.WorkItem, error) {
	changesDir := filepath.Join(cfg.ProjectRoot, cfg.ChangesDir)
	entries, err := os.ReadDir(changesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var items []*model.WorkItem
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "archive" || ignored(cfg, entry.Name()) {
			continue
		}
		dir := filepath.Join(changesDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, "proposal.md")); err != nil {
			continue
		}
		item, err := parseChangeDir(dir, cfg)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func ignored(cfg *config.Config, name string) bool {
	for _, pattern := range cfg.Scanner.Ignore {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func parseChangeDir(dir string, cfg *config.Config) (*model.WorkItem, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "proposal.md"))
	if err != nil {
		return nil, fmt.Errorf("read proposal for %s: %w", filepath.Base(dir), err)
	}
	meta, body := ParseFrontmatter(string(raw))

	var tasks []model.TaskItem
	if rawTasks, err := os.ReadFile(filepath.Join(dir, "tasks.md")); err == nil {
		tasks = ParseTasks(string(rawTasks))
	}

	// Title is the first "# " heading of the body, else the directory name.
	title := filepath.Base(dir)
	for _, line := range strings.Split(body, "\n") {
		if s := strings.TrimSpace(line); strings.HasPrefix(s, "# ") {
			title = strings.TrimSpace(s[2:])
			break
		}
	}

	item := model.NewWorkItem(filepath.Base(dir))
	item.Title = title
	item.Description = strings.TrimSpace(body)
	item.Tasks = tasks
	item.MaxRetries = cfg.Budgets.MaxRetries
	item.MaxDurationSec = cfg.Budgets.MaxDurationSec
	if rel, err := filepath.Rel(cfg.ProjectRoot, dir); err == nil {
		item.ChangeDir = rel
	} else {
		item.ChangeDir = dir
	}

	item.Deps = stringList(meta["depends_on"])
	if v, ok := asString(meta["risk"]); ok {
		item.Risk = v
	}
	if v, ok := asInt(meta["priority"]); ok {
		item.Priority = v
	}
	if v, ok := asString(meta["executor_type"]); ok {
		item.ExecutorType = v
	}
	if v, ok := asString(meta["executor_model"]); ok {
		item.ExecutorModel = v
	}
	if v, ok := asInt(meta["max_turns"]); ok {
		item.ExecutorMaxTurns = v
	}
	if tools := stringList(meta["executor_tools"]); len(tools) > 0 {
		item.ExecutorTools = tools
	}
	if verification, ok := meta["verification"].(map[string]any); ok {
		if v, ok := asString(verification["strategy"]); ok {
			item.VerificationStrategy = v
		}
	}
	return item, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
