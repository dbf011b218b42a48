package skill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSkill = `---
name: pypi-lookup
description: Query package metadata from PyPI.
allowed_tools:
  - bash
allowed_domains:
  - pypi.org
  - files.pythonhosted.org
credentials:
  - PYPI_TOKEN
---

# PyPI lookup

Fetch metadata with curl.
`

func TestParseFrontmatter(t *testing.T) {
	loader := NewLoader()
	skill, err := loader.Parse(sampleSkill)
	require.NoError(t, err)

	assert.Equal(t, "pypi-lookup", skill.Name)
	assert.Equal(t, "Query package metadata from PyPI.", skill.Description)
	assert.Equal(t, []string{"bash"}, skill.AllowedTools)
	assert.Equal(t, []string{"pypi.org", "files.pythonhosted.org"}, skill.AllowedDomains)
	assert.Equal(t, []string{"PYPI_TOKEN"}, skill.Credentials)
	assert.Contains(t, skill.Content, "# PyPI lookup")
	assert.True(t, skill.NeedsNetwork())
	assert.True(t, skill.HasToolRestrictions())
}

func TestParseMissingFrontmatter(t *testing.T) {
	loader := NewLoader()
	_, err := loader.Parse("# Just markdown, no frontmatter")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frontmatter")
}

func TestParseBadYAML(t *testing.T) {
	loader := NewLoader()
	_, err := loader.Parse("---\nname: [unclosed\n---\nbody")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := &Skill{Name: "a", Description: "b"}
	assert.NoError(t, valid.Validate())

	missing := &Skill{Description: "b"}
	assert.Error(t, missing.Validate())

	noDesc := &Skill{Name: "a"}
	assert.Error(t, noDesc.Validate())

	wildcard := &Skill{Name: "a", Description: "b", AllowedDomains: []string{"*"}}
	assert.Error(t, wildcard.Validate())
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	// One skill in its own subdirectory, one as a bare file.
	subDir := filepath.Join(dir, "pypi-lookup")
	require.NoError(t, os.MkdirAll(subDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "SKILL.md"), []byte(sampleSkill), 0644))

	bare := "---\nname: notes\ndescription: Offline note taking.\n---\nWrite notes to the workspace.\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte(bare), 0644))

	// A malformed file must not sink the load.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"), []byte("no frontmatter"), 0644))

	skills := make(map[string]*Skill)
	require.NoError(t, NewLoader().LoadDir(dir, "project", skills))

	require.Len(t, skills, 2)
	assert.Equal(t, "project", skills["pypi-lookup"].Source)
	assert.False(t, skills["notes"].NeedsNetwork())
}

func TestLoadDirMissingIsNotAnError(t *testing.T) {
	skills := make(map[string]*Skill)
	require.NoError(t, NewLoader().LoadDir("/nonexistent/skills", "project", skills))
	assert.Empty(t, skills)
}

func TestLoadBundled(t *testing.T) {
	skills := make(map[string]*Skill)
	require.NoError(t, NewLoader().LoadBundled(skills))

	webResearch, ok := skills["web-research"]
	require.True(t, ok)
	assert.Equal(t, "bundled", webResearch.Source)
	assert.True(t, webResearch.NeedsNetwork())
}
