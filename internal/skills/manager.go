// Package skills scans skill directories for SKILL.md manifests and
// serves the listing behind the skills.* RPC surface.
package skills

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	. "github.com/clawdis/clawdis/internal/logging"
)

// Skill is one discovered skill.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Dir         string `json:"dir"`
}

// Manager scans configured directories for skills.
type Manager struct {
	dirs []string

	mu     sync.Mutex
	skills []Skill
	loaded bool
}

// NewManager creates a skill manager over the given directories.
func NewManager(dirs []string) *Manager {
	return &Manager{dirs: dirs}
}

// List returns all discovered skills, scanning on first use.
func (m *Manager) List() []Skill {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		m.skills = m.scan()
		m.loaded = true
	}
	return append([]Skill(nil), m.skills...)
}

// Reload forces a rescan on next List.
func (m *Manager) Reload() {
	m.mu.Lock()
	m.loaded = false
	m.mu.Unlock()
}

func (m *Manager) scan() []Skill {
	var found []Skill

	for _, dir := range m.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // absent dirs are fine
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			manifest := filepath.Join(dir, entry.Name(), "SKILL.md")
			skill, err := parseManifest(manifest)
			if err != nil {
				continue
			}
			if skill.Name == "" {
				skill.Name = entry.Name()
			}
			skill.Dir = filepath.Join(dir, entry.Name())
			found = append(found, *skill)
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	L_debug("skills: scanned", "dirs", len(m.dirs), "found", len(found))
	return found
}

// parseManifest reads name/description from a SKILL.md frontmatter block.
func parseManifest(path string) (*Skill, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	skill := &Skill{}
	scanner := bufio.NewScanner(f)
	inFrontmatter := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "---" {
			if inFrontmatter {
				break
			}
			inFrontmatter = true
			continue
		}
		if !inFrontmatter {
			continue
		}
		if v, ok := strings.CutPrefix(line, "name:"); ok {
			skill.Name = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "description:"); ok {
			skill.Description = strings.TrimSpace(v)
		}
	}
	return skill, scanner.Err()
}
