package mount

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeEnsureCreatesAndUpdates(t *testing.T) {
	tr := newTree("root")

	n := tr.ensure("a.txt", "a.txt", "f1", "root", false)
	require.NotNil(t, n)
	assert.Equal(t, "f1", n.fileID)

	again := tr.ensure("a.txt", "a.txt", "f1-renamed", "root", false)
	assert.Same(t, n, again)
	assert.Equal(t, "f1-renamed", again.fileID)
}

func TestTreeUpsertChildTracksParent(t *testing.T) {
	tr := newTree("root")

	tr.upsertChild("", "root", "f1", "a.txt", false)
	tr.upsertChild("", "root", "f2", "sub", true)

	names := tr.childNames("")
	assert.ElementsMatch(t, []string{"a.txt", "sub"}, names)

	child := tr.byPathGet("a.txt")
	require.NotNil(t, child)
	assert.Equal(t, "f1", child.fileID)
}

func TestTreePruneMissingRemovesStaleChildren(t *testing.T) {
	tr := newTree("root")
	tr.upsertChild("", "root", "f1", "a.txt", false)
	tr.upsertChild("", "root", "f2", "b.txt", false)

	tr.pruneMissing("", map[string]bool{"a.txt": true})

	assert.ElementsMatch(t, []string{"a.txt"}, tr.childNames(""))
	assert.Nil(t, tr.byPathGet("b.txt"))
}

func TestTreeRenameSubtreeRewritesDescendants(t *testing.T) {
	tr := newTree("root")
	tr.upsertChild("", "root", "d1", "dir", true)
	tr.upsertChild("dir", "d1", "f1", "a.txt", false)
	tr.upsertChild("dir", "d1", "d2", "nested", true)
	tr.upsertChild("dir/nested", "d2", "f2", "b.txt", false)

	require.NoError(t, tr.renameSubtree("dir", "moved", "moved", "root"))

	assert.Nil(t, tr.byPathGet("dir"))
	assert.Nil(t, tr.byPathGet("dir/a.txt"))
	assert.Nil(t, tr.byPathGet("dir/nested"))
	assert.Nil(t, tr.byPathGet("dir/nested/b.txt"))

	assert.NotNil(t, tr.byPathGet("moved"))
	assert.NotNil(t, tr.byPathGet("moved/a.txt"))
	assert.NotNil(t, tr.byPathGet("moved/nested"))
	assert.NotNil(t, tr.byPathGet("moved/nested/b.txt"))

	moved := tr.byPathGet("moved")
	assert.Equal(t, "moved", moved.name)
	assert.Equal(t, "root", moved.parentFileID)
}

func TestTreeRenameSubtreeUntrackedSourceErrors(t *testing.T) {
	tr := newTree("root")
	err := tr.renameSubtree("missing", "dest", "dest", "root")
	assert.Error(t, err)
}

func TestTreeDeleteRemovesBothIndexes(t *testing.T) {
	tr := newTree("root")
	tr.upsertChild("", "root", "f1", "a.txt", false)

	n := tr.byPathGet("a.txt")
	require.NotNil(t, n)

	tr.delete("a.txt")

	assert.Nil(t, tr.byPathGet("a.txt"))
	assert.Nil(t, tr.byID(n.nodeID))
}

func TestTreeMarkRefreshedUpdatesFreshness(t *testing.T) {
	tr := newTree("root")
	tr.upsertChild("", "root", "d1", "dir", true)

	dir := tr.byPathGet("dir")
	now := time.Unix(1700000000, 0)

	assert.False(t, dir.isFresh(now))

	tr.markRefreshed("dir", now)
	assert.True(t, dir.isFresh(now.Add(time.Minute)))
	assert.False(t, dir.isFresh(now.Add(11*time.Minute)))
}
