// Package trie implements parsing of Merkle Patricia Trie nodes as they
// arrive off the wire during state sync: raw RLP blobs are resolved into
// branch, extension and leaf shapes with their child references, and account
// leaf payloads are decoded into their consensus fields.
package trie

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/statefeed/statefeed/core/types"
)

// Node parsing errors.
var (
	ErrEmptyNode   = errors.New("trie: empty node data")
	ErrInvalidNode = errors.New("trie: invalid encoded node")
)

// NodeKind identifies the shape of a parsed trie node.
type NodeKind int

const (
	NodeUnknown NodeKind = iota
	NodeBranch
	NodeExtension
	NodeLeaf
)

// String returns a human-readable kind name.
func (k NodeKind) String() string {
	switch k {
	case NodeBranch:
		return "branch"
	case NodeExtension:
		return "extension"
	case NodeLeaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// ChildRef is a reference to a child node inside a branch or extension:
// either a 32-byte hash or a small node embedded directly in the parent's
// encoding.
type ChildRef struct {
	Hash     types.Hash // zero when the child is embedded
	Embedded []byte     // raw RLP of an embedded child, nil otherwise
}

// IsEmbedded returns whether the child is inlined in the parent encoding.
func (c *ChildRef) IsEmbedded() bool { return c != nil && len(c.Embedded) > 0 }

// ParsedNode is the result of resolving a raw trie node encoding.
type ParsedNode struct {
	Kind NodeKind

	// Children holds the 16 child slots of a branch node. A nil entry means
	// the slot is empty.
	Children [16]*ChildRef

	// Path holds the hex-nibble path fragment of an extension or leaf node,
	// without the terminator.
	Path []byte

	// Child is the single child of an extension node.
	Child *ChildRef

	// Value holds the value of a leaf node, or the optional value slot of a
	// branch. The branch value slot is not a child reference.
	Value []byte
}

// ParseNode resolves an RLP-encoded trie node into its shape and child
// references.
func ParseNode(data []byte) (*ParsedNode, error) {
	if len(data) == 0 {
		return nil, ErrEmptyNode
	}
	elems, _, err := rlp.SplitList(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}
	switch c, _ := rlp.CountValues(elems); c {
	case 2:
		return parseShort(elems)
	case 17:
		return parseFull(elems)
	default:
		return nil, fmt.Errorf("%w: %d list elements", ErrInvalidNode, c)
	}
}

// parseShort resolves a 2-element node into a leaf or extension.
func parseShort(elems []byte) (*ParsedNode, error) {
	kbuf, rest, err := rlp.SplitString(elems)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}
	key := compactToHex(kbuf)
	if hasTerm(key) {
		val, _, err := rlp.SplitString(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: leaf value: %v", ErrInvalidNode, err)
		}
		return &ParsedNode{
			Kind:  NodeLeaf,
			Path:  key[:len(key)-1],
			Value: val,
		}, nil
	}
	child, _, err := parseRef(rest)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, fmt.Errorf("%w: extension without child", ErrInvalidNode)
	}
	return &ParsedNode{
		Kind:  NodeExtension,
		Path:  key,
		Child: child,
	}, nil
}

// parseFull resolves a 17-element node into a branch.
func parseFull(elems []byte) (*ParsedNode, error) {
	n := &ParsedNode{Kind: NodeBranch}
	for i := 0; i < 16; i++ {
		child, rest, err := parseRef(elems)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		n.Children[i], elems = child, rest
	}
	val, _, err := rlp.SplitString(elems)
	if err != nil {
		return nil, fmt.Errorf("%w: branch value: %v", ErrInvalidNode, err)
	}
	if len(val) > 0 {
		n.Value = val
	}
	return n, nil
}

// parseRef resolves a single child reference. A 32-byte string is a hash
// reference, a nested list no larger than a hash is an embedded node, and an
// empty string is a vacant slot.
func parseRef(buf []byte) (*ChildRef, []byte, error) {
	kind, val, rest, err := rlp.Split(buf)
	if err != nil {
		return nil, buf, fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}
	switch {
	case kind == rlp.List:
		// Embedded node: the encoding must not exceed the size of a hash.
		if size := len(buf) - len(rest); size > types.HashLength {
			return nil, buf, fmt.Errorf("%w: oversized embedded node (%d bytes)", ErrInvalidNode, size)
		}
		return &ChildRef{Embedded: buf[:len(buf)-len(rest)]}, rest, nil
	case kind == rlp.String && len(val) == 0:
		return nil, rest, nil
	case kind == rlp.String && len(val) == types.HashLength:
		return &ChildRef{Hash: types.BytesToHash(val)}, rest, nil
	default:
		return nil, nil, fmt.Errorf("%w: child string of %d bytes", ErrInvalidNode, len(val))
	}
}
