package pathtree

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlatEntry is one row of a flattened tree listing
type FlatEntry struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Path         string   `json:"path"`
	Kind         NodeKind `json:"kind"`
	Level        int      `json:"level"`
	RelativePath string   `json:"relative_path"`
}

// Heading returns the standard title line for a rendered listing
func Heading(title, prefix string, depth int) string {
	return fmt.Sprintf("## %s children (pathPrefix: %s, depth: %d)", title, NormalizePrefix(prefix), ClampDepth(depth))
}

type frame struct {
	node  *Node
	level int
}

// Render writes an indented markdown listing of root's descendants,
// directories before items and alphabetical within each kind.
func Render(root *Node, heading string) string {
	lines := []string{heading, ""}

	stack := pushChildren(nil, root, 0)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		indent := strings.Repeat("  ", f.level)
		n := f.node
		if n.Kind == NodeDir {
			lines = append(lines, fmt.Sprintf("%s- [dir] %s (path: %s)", indent, n.Name, n.Path))
			stack = pushChildren(stack, n, f.level+1)
			continue
		}

		extra := []string{"path: " + n.Path}
		if n.Meta != nil {
			extra = append(extra, "id: "+n.Meta.ID)
			if n.Meta.MimeType != "" {
				extra = append(extra, "mimeType: "+n.Meta.MimeType)
			}
			if !n.Meta.UpdatedAt.IsZero() {
				extra = append(extra, "updatedAt: "+n.Meta.UpdatedAt.UTC().Format(time.RFC3339))
			}
			extra = append(extra, "fileSize: "+strconv.FormatInt(n.Meta.Size, 10))
		}
		lines = append(lines, fmt.Sprintf("%s- [item] %s (%s)", indent, n.Name, strings.Join(extra, ", ")))
	}
	return strings.Join(lines, "\n")
}

// pushChildren pushes n's sorted children so the first pops first
func pushChildren(stack []frame, n *Node, level int) []frame {
	children := append([]*Node(nil), n.Children...)
	sortChildren(children)
	for i := len(children) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: children[i], level: level})
	}
	return stack
}

// Flatten lists root's descendants depth first in render order. Level is
// the depth below root starting at 1.
func Flatten(root *Node) []FlatEntry {
	out := []FlatEntry{}
	stack := pushChildren(nil, root, 1)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := f.node
		entry := FlatEntry{
			Name:         n.Name,
			Path:         n.Path,
			Kind:         n.Kind,
			Level:        f.level,
			RelativePath: strings.TrimPrefix(strings.TrimPrefix(n.Path, root.Path), Separator),
		}
		if n.Meta != nil {
			entry.ID = n.Meta.ID
		}
		out = append(out, entry)
		stack = pushChildren(stack, n, f.level+1)
	}
	return out
}
