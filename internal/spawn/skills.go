package spawn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is one reusable instruction document included in a manifest so the
// spawned agent can apply it without fetching anything.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Triggers    []string `json:"triggers,omitempty"`
	Role        string   `json:"role,omitempty"`
	Content     string   `json:"content,omitempty"`
}

type skillFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Triggers    []string `yaml:"triggers"`
	Role        string   `yaml:"role"`
}

// LoadSkills reads every markdown file under dir, parsing an optional YAML
// frontmatter block for metadata. Files without frontmatter become skills
// named after their filename. A missing directory yields no skills.
func LoadSkills(dir string) ([]Skill, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var skills []Skill
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read skill %s: %w", entry.Name(), err)
		}
		id := strings.TrimSuffix(entry.Name(), ".md")
		skill := Skill{ID: id, Name: id}

		fm, body, ok := splitFrontmatter(string(raw))
		if ok {
			var meta skillFrontmatter
			if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
				return nil, fmt.Errorf("parse skill frontmatter %s: %w", entry.Name(), err)
			}
			if strings.TrimSpace(meta.Name) != "" {
				skill.Name = meta.Name
			}
			skill.Description = meta.Description
			skill.Triggers = meta.Triggers
			skill.Role = meta.Role
			skill.Content = strings.TrimSpace(body)
		} else {
			skill.Content = strings.TrimSpace(string(raw))
		}
		skills = append(skills, skill)
	}
	return skills, nil
}

func splitFrontmatter(content string) (frontmatter, body string, ok bool) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), true
		}
	}
	return "", "", false
}
