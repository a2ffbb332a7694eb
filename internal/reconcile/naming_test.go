package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitNameExt(t *testing.T) {
	cases := []struct {
		name     string
		wantStem string
		wantExt  string
	}{
		{"report.docx", "report", ".docx"},
		{".bashrc", ".bashrc", ""},
		{"Makefile", "Makefile", ""},
		{"archive.tar.gz", "archive.tar", ".gz"},
	}

	for _, c := range cases {
		stem, ext := splitNameExt(c.name)
		assert.Equal(t, c.wantStem, stem, c.name)
		assert.Equal(t, c.wantExt, ext, c.name)
	}
}

func TestGenerateConflictNameFirstFree(t *testing.T) {
	name := generateConflictName("report", ".docx", func(string) bool { return false })
	assert.Equal(t, "report - copy.docx", name)
}

func TestGenerateConflictNameAvoidsCollisions(t *testing.T) {
	taken := map[string]bool{
		"report - copy.docx":     true,
		"report - copy (1).docx": true,
	}

	name := generateConflictName("report", ".docx", func(candidate string) bool {
		return taken[candidate]
	})

	assert.Equal(t, "report - copy (2).docx", name)
}

func TestGenerateConflictNameFallsBackWhenExhausted(t *testing.T) {
	name := generateConflictName("report", ".docx", func(string) bool { return true })
	assert.Equal(t, "report - copy.docx", name)
}
