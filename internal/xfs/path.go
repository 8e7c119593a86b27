// File: internal/xfs/path.go
package xfs

import (
	"strings"
	"syscall"

	"github.com/deploymenttheory/go-xfs/internal/dir"
	"github.com/deploymenttheory/go-xfs/internal/inode"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Path resolution walks from the root inode, one component at a time. Paths
// are '/'-separated byte strings with no working-directory interpretation.

// splitPath yields the non-empty components of a path.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolve walks the path and returns a referenced inode.
func (m *Mount) resolve(path string) (*inode.Inode, error) {
	ip, err := m.inodes.Get(m.geo.RootIno)
	if err != nil {
		return nil, err
	}
	for _, name := range splitPath(path) {
		if !ip.IsDir() {
			m.inodes.Release(ip)
			return nil, types.NewXFSError(syscall.ENOTDIR, "resolve", name)
		}
		if len(name) > types.MaxNameLen {
			m.inodes.Release(ip)
			return nil, types.NewXFSError(syscall.ENAMETOOLONG, "resolve", name)
		}
		d := dir.New(ip, m.geo, m.bufs, m.alloc)
		next, err := d.Lookup([]byte(name))
		m.inodes.Release(ip)
		if err != nil {
			return nil, err
		}
		if ip, err = m.inodes.Get(next); err != nil {
			return nil, err
		}
	}
	return ip, nil
}

// pathSplit separates a path into its parent path and leaf name.
func pathSplit(path string) (string, string) {
	trimmed := strings.TrimRight(path, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 {
		return "/", trimmed
	}
	parent := trimmed[:idx]
	if parent == "" {
		parent = "/"
	}
	return parent, trimmed[idx+1:]
}

// lookupParent resolves the parent directory of a path and returns it
// referenced along with the leaf name.
func (m *Mount) lookupParent(path string) (*inode.Inode, string, error) {
	parentPath, name := pathSplit(path)
	if name == "" {
		return nil, "", types.NewXFSError(syscall.EINVAL, "lookupParent", "empty name")
	}
	if len(name) > types.MaxNameLen {
		return nil, "", types.NewXFSError(syscall.ENAMETOOLONG, "lookupParent", name)
	}
	parent, err := m.resolve(parentPath)
	if err != nil {
		return nil, "", err
	}
	if !parent.IsDir() {
		m.inodes.Release(parent)
		return nil, "", types.NewXFSError(syscall.ENOTDIR, "lookupParent", parentPath)
	}
	return parent, name, nil
}

// isDescendantOf walks the parent chain from ino toward the root, reporting
// whether ancestor appears on the way. Rename uses it to refuse moving a
// directory into its own subtree.
func (m *Mount) isDescendantOf(ino, ancestor types.Ino) (bool, error) {
	if ino == ancestor {
		return true, nil
	}
	cur := ino
	for cur != m.geo.RootIno {
		ip, err := m.inodes.Get(cur)
		if err != nil {
			return false, err
		}
		d := dir.New(ip, m.geo, m.bufs, m.alloc)
		parent, err := d.ParentIno()
		m.inodes.Release(ip)
		if err != nil {
			return false, err
		}
		if parent == ancestor {
			return true, nil
		}
		if parent == cur {
			break
		}
		cur = parent
	}
	return false, nil
}
