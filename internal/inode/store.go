// Package inode implements the Node Store: a stable integer id to Node
// record map, assigning inode numbers and answering the lookups the
// FUSE layer needs.
package inode

import (
	"fmt"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/mount-zip/mount-zip/internal/archive"
)

// RootID is always the id of the mount root.
const RootID uint64 = 1

// Node is one visible filesystem object, per spec §3.
type Node struct {
	ID       uint64
	ParentID uint64
	Name     string
	Kind     archive.Kind
	Mode     uint32 // permission bits only; type bits are added by callers that need a full os.FileMode
	Uid, Gid uint32
	Mtime    time.Time
	Atime    time.Time
	Ctime    time.Time
	Size     uint64
	Nlink    uint32
	Rdev     uint64
	Target   string // symlink target path, as stored in the archive entry's content

	// ArchiveIndex is the index of the underlying archive entry, or -1
	// for a synthetic directory.
	ArchiveIndex int

	// HardlinkGroup is the canonical Node id for regular files; a File
	// whose HardlinkGroup != its own ID is not itself the canonical
	// member but still addressable by ID for directory traversal.
	HardlinkGroup uint64

	// children and childOrder are valid for Kind == archive.KindDirectory.
	children   map[string]uint64
	childOrder []string
}

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Name string
	ID   uint64
	Kind archive.Kind
}

// Store owns the Node table. All Nodes are built during mount by a
// single goroutine tree; after that, Store is read-only and safe for
// concurrent lookups without locking, matching §5's "metadata is
// built once and thereafter read-only" requirement. The invariant
// mutex is only exercised during construction and by tests.
type Store struct {
	mu    syncutil.InvariantMutex
	nodes map[uint64]*Node

	// GUARDED_BY(mu)
	nextID uint64

	clock timeutil.Clock

	// sealed is flipped once construction finishes; CheckInvariants
	// after that point additionally verifies every parent pointer.
	sealed bool
}

// NewStore creates an empty Store with the root directory already
// present as Node id 1, per spec §3 ("root's parent is itself").
func NewStore(clock timeutil.Clock) *Store {
	s := &Store{
		nodes:  make(map[uint64]*Node),
		nextID: RootID,
		clock:  clock,
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)

	now := clock.Now()
	root := &Node{
		ID:            RootID,
		ParentID:      RootID,
		Name:          "",
		Kind:          archive.KindDirectory,
		Mode:          0755,
		Mtime:         now,
		Atime:         now,
		Ctime:         now,
		ArchiveIndex:  -1,
		HardlinkGroup: RootID,
		children:      make(map[string]uint64),
	}
	s.nextID++
	s.nodes[RootID] = root
	return s
}

func (s *Store) checkInvariants() {
	if s.sealed {
		for id, n := range s.nodes {
			if id != RootID {
				parent, ok := s.nodes[n.ParentID]
				if !ok {
					panic(fmt.Sprintf("inode: node %d has missing parent %d", id, n.ParentID))
				}
				if parent.children[n.Name] != id {
					panic(fmt.Sprintf("inode: node %d not reachable from parent %d under name %q", id, n.ParentID, n.Name))
				}
			}
		}
	}
}

// Seal marks construction complete; after Seal, CheckInvariants
// additionally verifies full tree reachability. Call once the Name
// Resolver / Tree Builder has finished inserting every entry.
func (s *Store) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

// Root returns the root Node.
func (s *Store) Root() *Node {
	return s.nodes[RootID]
}

// NewNode allocates a fresh id and registers a Node as a child of
// parentID under name. Callers must not insert a name that already
// exists under parentID; the Name Resolver is responsible for
// collision resolution before calling this.
func (s *Store) NewNode(parentID uint64, name string, kind archive.Kind) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	now := s.clock.Now()
	n := &Node{
		ID:            id,
		ParentID:      parentID,
		Name:          name,
		Kind:          kind,
		Mtime:         now,
		Atime:         now,
		Ctime:         now,
		ArchiveIndex:  -1,
		HardlinkGroup: id,
	}
	if kind == archive.KindDirectory {
		n.children = make(map[string]uint64)
	}
	s.nodes[id] = n

	if parent, ok := s.nodes[parentID]; ok {
		parent.children[name] = id
		parent.childOrder = append(parent.childOrder, name)
		parent.Nlink = uint32(2 + parent.countChildDirs(s))
	}

	return n
}

func (n *Node) countChildDirs(s *Store) int {
	count := 0
	for _, id := range n.children {
		if c := s.nodes[id]; c != nil && c.Kind == archive.KindDirectory {
			count++
		}
	}
	return count
}

// HasChild reports whether parentID already has a child named name.
func (s *Store) HasChild(parentID uint64, name string) bool {
	parent, ok := s.nodes[parentID]
	if !ok {
		return false
	}
	_, taken := parent.children[name]
	return taken
}

// Reparent moves every child of fromID to become a child of toID,
// preserving insertion order, then clears fromID's own children. Used
// by root-singleton lifting (§4.2); fromID is left as an empty,
// unreachable directory afterward.
func (s *Store) Reparent(fromID, toID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.nodes[fromID]
	if !ok {
		return
	}
	to, ok := s.nodes[toID]
	if !ok {
		return
	}
	if parent, ok := s.nodes[from.ParentID]; ok && fromID != RootID && parent.children[from.Name] == fromID {
		delete(parent.children, from.Name)
		for i, name := range parent.childOrder {
			if name == from.Name {
				parent.childOrder = append(parent.childOrder[:i:i], parent.childOrder[i+1:]...)
				break
			}
		}
		parent.Nlink = uint32(2 + parent.countChildDirs(s))
	}
	for _, name := range from.childOrder {
		id := from.children[name]
		child := s.nodes[id]
		child.ParentID = toID
		to.children[name] = id
		to.childOrder = append(to.childOrder, name)
	}
	from.children = make(map[string]uint64)
	from.childOrder = nil
	to.Nlink = uint32(2 + to.countChildDirs(s))
}

// Delete removes a Node outright. Used only to drop an emptied
// synthetic directory after root-singleton lifting.
func (s *Store) Delete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

// SetNlink sets a Node's reported link count directly, used by
// hardlink-group resolution once every member is known.
func (s *Store) SetNlink(id uint64, nlink uint32) {
	if n, ok := s.nodes[id]; ok {
		n.Nlink = nlink
	}
}

// Get returns the Node for id.
func (s *Store) Get(id uint64) (*Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Lookup resolves a (parent, name) pair. name must not be "." or "..";
// those are synthesized directly by readdir/fuse-layer callers instead
// of being stored as children.
func (s *Store) Lookup(parentID uint64, name string) (*Node, bool) {
	parent, ok := s.nodes[parentID]
	if !ok || parent.Kind != archive.KindDirectory {
		return nil, false
	}
	id, ok := parent.children[name]
	if !ok {
		return nil, false
	}
	return s.nodes[id], true
}

// ReadDir lists a directory's children in insertion order, the
// "stable directory ordering equals insertion order" rule from §4.6.
// Callers add synthetic "." and ".." entries themselves.
func (s *Store) ReadDir(id uint64) ([]DirEntry, error) {
	n, ok := s.nodes[id]
	if !ok || n.Kind != archive.KindDirectory {
		return nil, fmt.Errorf("inode: %d is not a directory", id)
	}
	out := make([]DirEntry, 0, len(n.childOrder))
	for _, name := range n.childOrder {
		childID := n.children[name]
		child := s.nodes[childID]
		out = append(out, DirEntry{Name: name, ID: childID, Kind: child.Kind})
	}
	return out, nil
}

// Readlink returns a symlink's stored target.
func (s *Store) Readlink(id uint64) (string, error) {
	n, ok := s.nodes[id]
	if !ok || n.Kind != archive.KindSymlink {
		return "", fmt.Errorf("inode: %d is not a symlink", id)
	}
	return n.Target, nil
}

// InoOf returns the value reported to the kernel as st_ino: the
// hardlink group's canonical id for regular-file members, the node's
// own id otherwise (§4.3).
func (n *Node) InoOf() uint64 {
	if n.Kind == archive.KindFile || n.Kind == archive.KindHardlink {
		return n.HardlinkGroup
	}
	return n.ID
}

// Count returns the number of live Nodes, used by statvfs's f_files.
func (s *Store) Count() int {
	return len(s.nodes)
}

// Walk invokes fn for every Node, order unspecified. Used by
// Statvfs/Accounting to total block usage.
func (s *Store) Walk(fn func(*Node)) {
	for _, n := range s.nodes {
		fn(n)
	}
}
