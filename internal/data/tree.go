package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
)

// ErrTreeNotOrdered is returned for trees whose nodes are not sorted by name
// or contain a name twice.
var ErrTreeNotOrdered = errors.New("nodes are not ordered or duplicate")

// Tree is an ordered list of nodes.
type Tree struct {
	Nodes []*Node `json:"nodes"`
}

// NewTree creates a new tree object with the given initial capacity.
func NewTree(capacity int) *Tree {
	return &Tree{
		Nodes: make([]*Node, 0, capacity),
	}
}

func (t *Tree) String() string {
	return fmt.Sprintf("Tree<%d nodes>", len(t.Nodes))
}

// Insert adds a new node at the correct place in the tree.
func (t *Tree) Insert(node *Node) error {
	pos, found := t.find(node.Name)
	if found {
		return errors.Errorf("node %q already present", node.Name)
	}
	t.Nodes = slices.Insert(t.Nodes, pos, node)
	return nil
}

func (t *Tree) find(name string) (int, bool) {
	return slices.BinarySearchFunc(t.Nodes, name, func(n *Node, name string) int {
		return strings.Compare(n.Name, name)
	})
}

// Find returns the node with the given name or nil.
func (t *Tree) Find(name string) *Node {
	if pos, found := t.find(name); found {
		return t.Nodes[pos]
	}
	return nil
}

// Subtrees returns the ids of all directory trees referenced by t.
func (t *Tree) Subtrees() (trees packrat.IDs) {
	for _, node := range t.Nodes {
		if node.Type == NodeTypeDir && node.Subtree != nil {
			trees = append(trees, *node.Subtree)
		}
	}
	return trees
}

func corruptTree(id packrat.ID, format string, args ...interface{}) error {
	return errors.Wrapf(packrat.ErrCorruptData, "tree %v: "+format, append([]interface{}{id.Str()}, args...)...)
}

// LoadTree loads and decodes the tree blob id. A blob that does not hold a
// valid tree is reported as corrupt data.
func LoadTree(ctx context.Context, loader packrat.BlobLoader, id packrat.ID) (*Tree, error) {
	buf, err := loader.LoadBlob(ctx, packrat.TreeBlob, id, nil)
	if err != nil {
		return nil, err
	}

	t := &Tree{}
	if err := json.Unmarshal(buf, t); err != nil {
		return nil, corruptTree(id, "decoding: %v", err)
	}
	var prev string
	for i, node := range t.Nodes {
		switch {
		case node == nil:
			return nil, corruptTree(id, "empty node")
		case i > 0 && node.Name <= prev:
			return nil, corruptTree(id, "%v", ErrTreeNotOrdered)
		}
		if err := node.Validate(); err != nil {
			return nil, corruptTree(id, "%v", err)
		}
		prev = node.Name
	}
	return t, nil
}

// SaveTree stores a tree as a tree blob and returns its id.
func SaveTree(ctx context.Context, saver packrat.BlobSaver, t *Tree) (packrat.ID, error) {
	builder := NewTreeJSONBuilder()
	for _, node := range t.Nodes {
		if err := builder.AddNode(node); err != nil {
			return packrat.ID{}, err
		}
	}
	buf, err := builder.Finalize()
	if err != nil {
		return packrat.ID{}, err
	}

	id, known, _, err := saver.SaveBlob(ctx, packrat.TreeBlob, buf, packrat.ID{}, false)
	if err != nil {
		return packrat.ID{}, err
	}
	debug.Log("saved tree %v with %d nodes, known %v", id.Str(), builder.Count(), known)
	return id, nil
}

// TreeJSONBuilder serializes nodes in name order without holding a Tree.
type TreeJSONBuilder struct {
	buf        bytes.Buffer
	lastName   string
	countNodes int
}

func NewTreeJSONBuilder() *TreeJSONBuilder {
	tb := &TreeJSONBuilder{}
	_, _ = tb.buf.WriteString(`{"nodes":[`)
	return tb
}

// AddNode appends node. Names must be strictly increasing.
func (builder *TreeJSONBuilder) AddNode(node *Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	if builder.countNodes > 0 && node.Name <= builder.lastName {
		return fmt.Errorf("node %q, last %q: %w", node.Name, builder.lastName, ErrTreeNotOrdered)
	}
	if builder.countNodes > 0 {
		_ = builder.buf.WriteByte(',')
	}
	builder.lastName = node.Name

	val, err := json.Marshal(node)
	if err != nil {
		return err
	}
	_, _ = builder.buf.Write(val)
	builder.countNodes++
	return nil
}

// Finalize returns the serialized tree. The builder must not be used
// afterwards.
func (builder *TreeJSONBuilder) Finalize() ([]byte, error) {
	// same trailing newline as json.Encoder, so equal trees hash equal
	_, _ = builder.buf.WriteString("]}\n")
	buf := builder.buf.Bytes()
	builder.buf = bytes.Buffer{}
	return buf, nil
}

// Count returns the number of nodes in the tree
func (builder *TreeJSONBuilder) Count() int {
	return builder.countNodes
}
