package data

import (
	"fmt"
	"time"

	"github.com/packrat/packrat/internal/packrat"
)

// NodeType is the kind of item a node describes.
type NodeType string

var (
	NodeTypeFile    = NodeType("file")
	NodeTypeDir     = NodeType("dir")
	NodeTypeInvalid = NodeType("")
)

// Node is a file or directory in a snapshot. Files reference their data
// blobs in order, directories reference the tree blob of their content.
type Node struct {
	Name    string      `json:"name"`
	Type    NodeType    `json:"type"`
	ModTime time.Time   `json:"mtime,omitempty"`
	Size    uint64      `json:"size,omitempty"`
	Content packrat.IDs `json:"content"`
	Subtree *packrat.ID `json:"subtree,omitempty"`
}

// Nodes is a slice of nodes that can be sorted.
type Nodes []*Node

func (n Nodes) Len() int           { return len(n) }
func (n Nodes) Less(i, j int) bool { return n[i].Name < n[j].Name }
func (n Nodes) Swap(i, j int)      { n[i], n[j] = n[j], n[i] }

func (node Node) String() string {
	return fmt.Sprintf("%-4s %10d %s %s", node.Type, node.Size, node.ModTime.Format(time.RFC3339), node.Name)
}

// Validate checks that the node references what its type requires.
func (node Node) Validate() error {
	switch node.Type {
	case NodeTypeFile:
		if node.Subtree != nil {
			return fmt.Errorf("file %q has a subtree", node.Name)
		}
	case NodeTypeDir:
		if node.Subtree == nil {
			return fmt.Errorf("dir %q has no subtree", node.Name)
		}
		if len(node.Content) > 0 {
			return fmt.Errorf("dir %q has content", node.Name)
		}
	default:
		return fmt.Errorf("node %q has invalid type %q", node.Name, node.Type)
	}
	if node.Name == "" {
		return fmt.Errorf("node has an empty name")
	}
	return nil
}

// Equals compares two nodes.
func (node Node) Equals(other Node) bool {
	if node.Name != other.Name || node.Type != other.Type || node.Size != other.Size {
		return false
	}
	if !node.ModTime.Equal(other.ModTime) {
		return false
	}
	if (node.Subtree == nil) != (other.Subtree == nil) {
		return false
	}
	if node.Subtree != nil && *node.Subtree != *other.Subtree {
		return false
	}
	if len(node.Content) != len(other.Content) {
		return false
	}
	for i := range node.Content {
		if node.Content[i] != other.Content[i] {
			return false
		}
	}
	return true
}
