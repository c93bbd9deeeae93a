package view

import (
	"fmt"
	"path"

	"github.com/fustor/fustor/internal/event"
)

// State holds the tree and every auxiliary set for one view. It is owned by
// the view's single writer; readers go through View's snapshot accessors.
type State struct {
	files map[string]*Node
	dirs  map[string]*Node

	tombstones map[string]Tombstone
	suspects   map[string]suspectEntry
	suspectHeap suspectHeap

	blindSpotAdditions map[string]struct{}
	blindSpotDeletions map[string]struct{}

	auditSeen      map[string]struct{}
	lastAuditStart *float64
}

// NewState returns a state holding only the root directory.
func NewState() *State {
	s := &State{
		files:              make(map[string]*Node),
		dirs:               make(map[string]*Node),
		tombstones:         make(map[string]Tombstone),
		suspects:           make(map[string]suspectEntry),
		blindSpotAdditions: make(map[string]struct{}),
		blindSpotDeletions: make(map[string]struct{}),
		auditSeen:          make(map[string]struct{}),
	}
	s.dirs["/"] = &Node{Path: "/", IsDir: true, Children: make(map[string]*Node)}
	return s
}

// GetNode returns the node at p, from whichever map holds it.
func (s *State) GetNode(p string) *Node {
	if n, ok := s.files[p]; ok {
		return n
	}
	if n, ok := s.dirs[p]; ok {
		return n
	}
	return nil
}

// UpdateNode merges row fields into the node at p, creating it and any
// missing ancestors as needed. A kind switch (dir became file or the
// reverse) drops the old node, recursively for directories, before the new
// one is created.
func (s *State) UpdateNode(row event.Row, p string, lastUpdatedAt float64) *Node {
	parent := s.ensureParents(p, lastUpdatedAt)

	isDir := row.IsDirectory()
	if existing := s.GetNode(p); existing != nil && existing.IsDir != isDir {
		_ = s.DeleteNode(p)
	}

	n := s.GetNode(p)
	if n == nil {
		n = &Node{Path: p, IsDir: isDir}
		if isDir {
			n.Children = make(map[string]*Node)
			s.dirs[p] = n
		} else {
			s.files[p] = n
		}
	}

	if mt := row.ModifiedTime(); mt != 0 {
		n.ModifiedTime = mt
	}
	if _, ok := row[event.FieldSize]; ok {
		n.Size = row.Size()
	}
	n.LastUpdatedAt = lastUpdatedAt

	if parent != nil {
		parent.Children[path.Base(p)] = n
	}
	return n
}

// DeleteNode removes the node at p and, for directories, every descendant.
// Descendants are also purged from the suspect and blind-spot sets so no
// stale entry survives subtree removal. Tombstones are untouched; the
// arbitrator writes those explicitly.
func (s *State) DeleteNode(p string) error {
	if p == "/" {
		return fmt.Errorf("root directory cannot be deleted")
	}
	n := s.GetNode(p)
	if n == nil {
		return nil
	}
	s.removeRecursive(n)

	if parent, ok := s.dirs[path.Dir(p)]; ok {
		delete(parent.Children, path.Base(p))
	}
	return nil
}

func (s *State) removeRecursive(n *Node) {
	if n.IsDir {
		for _, child := range n.Children {
			s.removeRecursive(child)
		}
		delete(s.dirs, n.Path)
	} else {
		delete(s.files, n.Path)
	}
	delete(s.suspects, n.Path)
	delete(s.blindSpotAdditions, n.Path)
	delete(s.blindSpotDeletions, n.Path)
}

// ensureParents creates the missing ancestor chain for p and returns p's
// immediate parent directory.
func (s *State) ensureParents(p string, lastUpdatedAt float64) *Node {
	if p == "/" {
		return nil
	}
	parentPath := path.Dir(p)
	parent, ok := s.dirs[parentPath]
	if !ok {
		// A file squatting on the parent path loses to the directory.
		if _, isFile := s.files[parentPath]; isFile {
			_ = s.DeleteNode(parentPath)
		}
		grand := s.ensureParents(parentPath, lastUpdatedAt)
		parent = &Node{
			Path:          parentPath,
			IsDir:         true,
			LastUpdatedAt: lastUpdatedAt,
			Children:      make(map[string]*Node),
		}
		s.dirs[parentPath] = parent
		// A child insert resurrects a deleted ancestor; a live directory
		// must never coexist with its own tombstone.
		delete(s.tombstones, parentPath)
		if grand != nil {
			grand.Children[path.Base(parentPath)] = parent
		}
	}
	return parent
}

// FileCount and DirCount report map sizes for stats endpoints.
func (s *State) FileCount() int { return len(s.files) }
func (s *State) DirCount() int  { return len(s.dirs) }
