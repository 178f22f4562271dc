package pathtree

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbretrieval/pkg/types"
)

func paths(nodes []*Node, kind NodeKind) []string {
	var out []string
	for _, n := range nodes {
		if n.Kind == kind {
			out = append(out, n.Path)
		}
	}
	return out
}

func TestAssemble_DirsAndLeaves(t *testing.T) {
	rows := []Row{
		{ID: "1", Path: "/a/b.txt", Kind: types.KindItem},
		{ID: "2", Path: "/a/c/d.txt", Kind: types.KindItem},
	}

	nodes := Assemble(rows, Options{Prefix: "/a", Depth: 2, IncludeFiles: true})

	assert.Equal(t, []string{"/a/c"}, paths(nodes, NodeDir))
	assert.Equal(t, []string{"/a/b.txt", "/a/c/d.txt"}, paths(nodes, NodeItem))
}

func TestAssemble_DepthLimitsLeavesNotDirs(t *testing.T) {
	rows := []Row{
		{ID: "1", Path: "/a/x/y/z.md", Kind: types.KindItem},
		{ID: "2", Path: "/a/top.md", Kind: types.KindItem},
	}

	nodes := Assemble(rows, Options{Prefix: "/a", Depth: 1, IncludeFiles: true})
	assert.Equal(t, []string{"/a/x"}, paths(nodes, NodeDir))
	assert.Equal(t, []string{"/a/top.md"}, paths(nodes, NodeItem))

	nodes = Assemble(rows, Options{Prefix: "/a", Depth: 2, IncludeFiles: false})
	assert.Equal(t, []string{"/a/x", "/a/x/y"}, paths(nodes, NodeDir))
	assert.Empty(t, paths(nodes, NodeItem))
}

func TestAssemble_SkipsOutsideAndMalformed(t *testing.T) {
	rows := []Row{
		{ID: "1", Path: "/ab/c.txt", Kind: types.KindItem},
		{ID: "2", Path: "/a", Kind: types.KindFolder},
		{ID: "3", Path: "", Kind: types.KindItem},
		{ID: "4", Path: "/a//broken", Kind: types.KindItem},
		{ID: "5", Path: "relative/x", Kind: types.KindItem},
		{ID: "6", Path: "/a/ok.txt", Kind: types.KindItem},
	}

	nodes := Assemble(rows, Options{Prefix: "/a/", Depth: 3, IncludeFiles: true})
	require.Len(t, nodes, 1)
	assert.Equal(t, "/a/ok.txt", nodes[0].Path)
}

func TestAssemble_FolderRowsBecomeDirsWithMeta(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := []Row{
		{ID: "f1", Path: "/a/c", Kind: types.KindFolder, UpdatedAt: updated},
		{ID: "2", Path: "/a/c/d.txt", Kind: types.KindItem},
	}

	nodes := Assemble(rows, Options{Prefix: "/a", Depth: 2, IncludeFiles: true})
	require.Len(t, nodes, 2)
	assert.Equal(t, NodeDir, nodes[0].Kind)
	require.NotNil(t, nodes[0].Meta)
	assert.Equal(t, "f1", nodes[0].Meta.ID)
}

func TestBuildTree_LinksAndFallsBackToRoot(t *testing.T) {
	nodes := []*Node{
		{Path: "/a/c", Name: "c", Kind: NodeDir},
		{Path: "/a/c/d.txt", Name: "d.txt", Kind: NodeItem},
		{Path: "/a/b.txt", Name: "b.txt", Kind: NodeItem},
		// Parent /a/missing was never registered
		{Path: "/a/missing/e.txt", Name: "e.txt", Kind: NodeItem},
	}

	root := BuildTree(nodes, "/a")
	assert.Equal(t, "/a", root.Path)
	require.Len(t, root.Children, 3)
	assert.Equal(t, "/a/c", root.Children[0].Path)
	assert.Equal(t, "/a/b.txt", root.Children[1].Path)
	assert.Equal(t, "/a/missing/e.txt", root.Children[2].Path)
	require.Len(t, root.Children[0].Children, 1)
	assert.Equal(t, "/a/c/d.txt", root.Children[0].Children[0].Path)

	dirs, items := Count(root)
	assert.Equal(t, 1, dirs)
	assert.Equal(t, 3, items)
}

func TestBuild_NodesStayInsidePrefixAndDepth(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	segs := []string{"a", "b", "c", "notes", "x.md"}

	for round := 0; round < 100; round++ {
		var rows []Row
		for i := 0; i < 30; i++ {
			n := 1 + rng.Intn(6)
			parts := make([]string, n)
			for j := range parts {
				parts[j] = segs[rng.Intn(len(segs))]
			}
			kind := types.KindItem
			if rng.Intn(4) == 0 {
				kind = types.KindFolder
			}
			rows = append(rows, Row{ID: fmt.Sprint(i), Path: "/" + strings.Join(parts, "/"), Kind: kind})
		}
		prefix := "/" + segs[rng.Intn(3)]
		depth := 1 + rng.Intn(5)

		root := Build(rows, Options{Prefix: prefix, Depth: depth, IncludeFiles: true})
		for _, e := range Flatten(root) {
			assert.True(t, strings.HasPrefix(e.Path, prefix+"/"), "path %s outside %s", e.Path, prefix)
			rel := strings.Count(strings.TrimPrefix(e.Path, prefix+"/"), "/") + 1
			assert.LessOrEqual(t, rel, depth, "path %s deeper than %d", e.Path, depth)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"a", "/a"},
		{"/a/", "/a"},
		{"/a/b.txt", "/a/b.txt"},
		{"root.demo", "/root/demo"},
		{" /docs ", "/docs"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePrefix(tt.in), "input %q", tt.in)
	}
}

func TestLtreeConversion(t *testing.T) {
	assert.Equal(t, "/root/demo", FromLtree("root.demo"))
	assert.Equal(t, "/", FromLtree(""))
	assert.Equal(t, "root.demo", ToLtree("/root/demo/"))
	assert.Equal(t, "", ToLtree("/"))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1, ClampDepth(0))
	assert.Equal(t, 1, ClampDepth(-3))
	assert.Equal(t, 5, ClampDepth(99))
	assert.Equal(t, 3, ClampDepth(3))
	assert.Equal(t, 1000, ClampLimit(0))
	assert.Equal(t, 5000, ClampLimit(1_000_000))
	assert.Equal(t, 1, ClampLimit(-1))
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/a", "/a"))
	assert.True(t, Within("/a", "/a/b"))
	assert.False(t, Within("/a", "/ab"))
	assert.True(t, Within("/", "/anything"))
	assert.False(t, Within("/", "relative"))
}

func TestRender(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := []Row{
		{ID: "i2", Path: "/a/zeta.md", Kind: types.KindItem, Size: 10, UpdatedAt: updated},
		{ID: "i1", Path: "/a/alpha.md", Kind: types.KindItem, Size: 5, MimeType: "text/markdown"},
		{ID: "i3", Path: "/a/c/d.txt", Kind: types.KindItem, Size: 1},
	}
	root := Build(rows, Options{Prefix: "/a", Depth: 2, IncludeFiles: true})

	got := Render(root, Heading("Files", "/a", 2))
	want := strings.Join([]string{
		"## Files children (pathPrefix: /a, depth: 2)",
		"",
		"- [dir] c (path: /a/c)",
		"  - [item] d.txt (path: /a/c/d.txt, id: i3, fileSize: 1)",
		"- [item] alpha.md (path: /a/alpha.md, id: i1, mimeType: text/markdown, fileSize: 5)",
		"- [item] zeta.md (path: /a/zeta.md, id: i2, updatedAt: 2024-05-01T12:00:00Z, fileSize: 10)",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestFlatten(t *testing.T) {
	rows := []Row{
		{ID: "1", Path: "/a/b.txt", Kind: types.KindItem},
		{ID: "2", Path: "/a/c/d.txt", Kind: types.KindItem},
	}
	root := Build(rows, Options{Prefix: "/a", Depth: 2, IncludeFiles: true})

	got := Flatten(root)
	require.Len(t, got, 3)
	assert.Equal(t, FlatEntry{Name: "c", Path: "/a/c", Kind: NodeDir, Level: 1, RelativePath: "c"}, got[0])
	assert.Equal(t, FlatEntry{ID: "2", Name: "d.txt", Path: "/a/c/d.txt", Kind: NodeItem, Level: 2, RelativePath: "c/d.txt"}, got[1])
	assert.Equal(t, FlatEntry{ID: "1", Name: "b.txt", Path: "/a/b.txt", Kind: NodeItem, Level: 1, RelativePath: "b.txt"}, got[2])
}

func TestBuild_RootPrefix(t *testing.T) {
	rows := []Row{{ID: "1", Path: "/top.md", Kind: types.KindItem}}
	root := Build(rows, Options{Prefix: "", Depth: 1, IncludeFiles: true})
	assert.Equal(t, "/", root.Path)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "top.md", root.Children[0].Name)
}
