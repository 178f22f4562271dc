// Package pathtree builds depth-limited directory trees from flat rows of
// hierarchical document paths.
//
// Rows come from the relational store already scoped to a prefix. Assemble
// turns them into directory and item nodes relative to that prefix,
// BuildTree links the nodes by parent path, and Render or Flatten present
// the result. No node outside the prefix or deeper than the requested depth
// is ever emitted.
package pathtree

import (
	"sort"
	"strings"
	"time"

	"github.com/dshills/kbretrieval/pkg/types"
)

// Separator delimits path segments
const Separator = "/"

// Depth and row-limit bounds
const (
	DefaultDepth = 1
	MinDepth     = 1
	MaxDepth     = 5

	DefaultLimit = 1000
	MinLimit     = 1
	MaxLimit     = 5000
)

// NodeKind is either a directory or an item leaf
type NodeKind string

const (
	NodeDir  NodeKind = "dir"
	NodeItem NodeKind = "item"
)

// Row is one document as fetched from the store
type Row struct {
	ID        string
	Path      string
	Name      string
	Kind      types.Kind
	MimeType  string
	Size      int64
	UpdatedAt time.Time
}

// Meta is the minimal document metadata carried by a node
type Meta struct {
	ID        string    `json:"id"`
	MimeType  string    `json:"mime_type,omitempty"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Node is a directory or item in an assembled tree
type Node struct {
	Path     string   `json:"path"`
	Name     string   `json:"name"`
	Kind     NodeKind `json:"kind"`
	Meta     *Meta    `json:"meta,omitempty"` // Nullable - synthesized dirs have none
	Children []*Node  `json:"children,omitempty"`
}

// Options controls assembly
type Options struct {
	Prefix       string
	Depth        int
	IncludeFiles bool
}

// NormalizePrefix returns prefix with a leading separator and no trailing
// one; the empty prefix is the root. An ltree style prefix ("root.demo")
// without any slash is converted to slash form.
func NormalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p != "" && !strings.Contains(p, Separator) && strings.Contains(p, ".") {
		p = FromLtree(p)
	}
	if !strings.HasPrefix(p, Separator) {
		p = Separator + p
	}
	p = strings.TrimRight(p, Separator)
	if p == "" {
		return Separator
	}
	return p
}

// FromLtree converts a dotted ltree path to slash form
func FromLtree(path string) string {
	path = strings.Trim(path, ".")
	if path == "" {
		return Separator
	}
	return Separator + strings.ReplaceAll(path, ".", Separator)
}

// ToLtree converts a slash path to dotted ltree form; the root is ""
func ToLtree(path string) string {
	path = strings.Trim(path, Separator)
	return strings.ReplaceAll(path, Separator, ".")
}

// ClampDepth applies the default and bounds to a requested depth
func ClampDepth(n int) int {
	return clamp(n, DefaultDepth, MinDepth, MaxDepth)
}

// ClampLimit applies the default and bounds to a requested row limit
func ClampLimit(n int) int {
	return clamp(n, DefaultLimit, MinLimit, MaxLimit)
}

func clamp(n, def, lo, hi int) int {
	if n == 0 {
		n = def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Within reports whether path equals prefix or lies beneath it
func Within(prefix, path string) bool {
	prefix = NormalizePrefix(prefix)
	if prefix == Separator {
		return strings.HasPrefix(path, Separator)
	}
	return path == prefix || strings.HasPrefix(path, prefix+Separator)
}

// relativeParts splits path below prefix; ok is false for rows outside it
func relativeParts(prefix, path string) ([]string, bool) {
	if !Within(prefix, path) {
		return nil, false
	}
	rel := strings.TrimPrefix(path, prefix)
	if prefix != Separator {
		rel = strings.TrimPrefix(rel, Separator)
	}
	if rel == "" {
		return nil, false
	}
	parts := strings.Split(rel, Separator)
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return parts, true
}

func joinPath(prefix string, parts []string) string {
	if prefix == Separator {
		return Separator + strings.Join(parts, Separator)
	}
	return prefix + Separator + strings.Join(parts, Separator)
}

// Assemble converts rows into directory and item nodes relative to the
// prefix. Intermediate directories are synthesized up to the depth; items
// are emitted when IncludeFiles is set and they sit within the depth.
// Malformed rows and rows outside the prefix are skipped.
func Assemble(rows []Row, opts Options) []*Node {
	prefix := NormalizePrefix(opts.Prefix)
	depth := ClampDepth(opts.Depth)

	dirs := make(map[string]*Node)
	var items []*Node

	addDir := func(path string) *Node {
		if d, ok := dirs[path]; ok {
			return d
		}
		d := &Node{Path: path, Name: types.BaseName(path), Kind: NodeDir}
		dirs[path] = d
		return d
	}

	for _, row := range rows {
		parts, ok := relativeParts(prefix, row.Path)
		if !ok {
			continue
		}

		limit := len(parts) - 1
		if depth < limit {
			limit = depth
		}
		for i := 0; i < limit; i++ {
			addDir(joinPath(prefix, parts[:i+1]))
		}
		if len(parts) > depth {
			continue
		}

		meta := &Meta{ID: row.ID, MimeType: row.MimeType, Size: row.Size, UpdatedAt: row.UpdatedAt}
		switch row.Kind {
		case types.KindFolder:
			addDir(row.Path).Meta = meta
		default:
			if !opts.IncludeFiles {
				continue
			}
			name := row.Name
			if name == "" {
				name = parts[len(parts)-1]
			}
			items = append(items, &Node{Path: row.Path, Name: name, Kind: NodeItem, Meta: meta})
		}
	}

	nodes := make([]*Node, 0, len(dirs)+len(items))
	for _, d := range dirs {
		nodes = append(nodes, d)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	sort.SliceStable(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return append(nodes, items...)
}

// BuildTree links nodes under a root for prefix. Each node attaches to the
// directory registered at its parent path, or to the root when no such
// directory exists.
func BuildTree(nodes []*Node, prefix string) *Node {
	prefix = NormalizePrefix(prefix)
	root := &Node{Path: prefix, Name: types.BaseName(prefix), Kind: NodeDir}
	if prefix == Separator {
		root.Name = Separator
	}

	index := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		n.Children = nil
		if n.Kind == NodeDir {
			index[n.Path] = n
		}
	}

	for _, n := range nodes {
		parent := root
		if i := strings.LastIndex(n.Path, Separator); i > 0 {
			parentPath := n.Path[:i]
			if p, ok := index[parentPath]; ok && p != n && Within(prefix, parentPath) {
				parent = p
			}
		}
		parent.Children = append(parent.Children, n)
	}

	// Order children iteratively so deep trees never recurse
	stack := []*Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sortChildren(n.Children)
		stack = append(stack, n.Children...)
	}
	return root
}

// Build assembles rows and links them into a tree in one step
func Build(rows []Row, opts Options) *Node {
	return BuildTree(Assemble(rows, opts), opts.Prefix)
}

func sortChildren(children []*Node) {
	sort.SliceStable(children, func(i, j int) bool {
		a, b := children[i], children[j]
		if (a.Kind == NodeDir) != (b.Kind == NodeDir) {
			return a.Kind == NodeDir
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Path < b.Path
	})
}

// Count returns the number of nodes below root
func Count(root *Node) (dirs, items int) {
	stack := append([]*Node(nil), root.Children...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Kind == NodeDir {
			dirs++
		} else {
			items++
		}
		stack = append(stack, n.Children...)
	}
	return dirs, items
}
