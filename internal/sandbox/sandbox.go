// Package sandbox defines the runtime environment previews execute in and a
// Docker-backed implementation. The supervisor owns exactly one Runtime per
// session and never shares it across restarts.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotBooted indicates an operation was attempted before Boot succeeded.
var ErrNotBooted = errors.New("sandbox: runtime not booted")

// Process is a spawned command inside the runtime. Output delivers combined
// stdout and stderr line by line and is closed once the process exits.
type Process interface {
	Output() <-chan string
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
	// Kill terminates the process. Safe to call after exit.
	Kill(ctx context.Context) error
}

// Runtime is the execution environment for a preview session.
type Runtime interface {
	// Boot provisions the environment. Calling Boot on a booted runtime is
	// a no-op.
	Boot(ctx context.Context) error
	// Mount materializes the flat path->content mapping as a nested
	// directory tree in the runtime's workspace.
	Mount(ctx context.Context, files map[string]string) error
	// Spawn starts a command in the workspace.
	Spawn(ctx context.Context, name string, args ...string) (Process, error)
	// WriteFile writes a single file into the live workspace.
	WriteFile(ctx context.Context, path, content string) error
	// Ready yields the preview address at most once, after the served
	// application starts accepting connections.
	Ready() <-chan string
	// Teardown destroys the environment and everything running in it.
	Teardown(ctx context.Context) error
}

// TreeNode is one directory level of a mounted file tree.
type TreeNode struct {
	Dirs  map[string]*TreeNode
	Files map[string]string
}

// NewTreeNode returns an empty directory node.
func NewTreeNode() *TreeNode {
	return &TreeNode{Dirs: map[string]*TreeNode{}, Files: map[string]string{}}
}

// BuildTree converts flat slash-separated paths into a nested directory
// tree. Dot segments and empty segments are rejected so a mounted path can
// never escape the workspace root; a path that collides with an existing
// directory or file is an error.
func BuildTree(files map[string]string) (*TreeNode, error) {
	root := NewTreeNode()
	for path, content := range files {
		segments := strings.Split(path, "/")
		for _, seg := range segments {
			if seg == "" || seg == "." || seg == ".." {
				return nil, fmt.Errorf("path %q: invalid segment %q", path, seg)
			}
		}
		node := root
		for _, dir := range segments[:len(segments)-1] {
			if _, exists := node.Files[dir]; exists {
				return nil, fmt.Errorf("path %q: %q is a file, not a directory", path, dir)
			}
			child, ok := node.Dirs[dir]
			if !ok {
				child = NewTreeNode()
				node.Dirs[dir] = child
			}
			node = child
		}
		name := segments[len(segments)-1]
		if _, exists := node.Dirs[name]; exists {
			return nil, fmt.Errorf("path %q: %q is a directory, not a file", path, name)
		}
		node.Files[name] = content
	}
	return root, nil
}

// Walk visits every directory and file of the tree in lexical order. Dir
// callbacks fire before the entries they contain.
func (n *TreeNode) Walk(prefix string, onDir func(path string) error, onFile func(path, content string) error) error {
	dirs := make([]string, 0, len(n.Dirs))
	for name := range n.Dirs {
		dirs = append(dirs, name)
	}
	sort.Strings(dirs)
	files := make([]string, 0, len(n.Files))
	for name := range n.Files {
		files = append(files, name)
	}
	sort.Strings(files)

	for _, name := range dirs {
		path := name
		if prefix != "" {
			path = prefix + "/" + name
		}
		if onDir != nil {
			if err := onDir(path); err != nil {
				return err
			}
		}
		if err := n.Dirs[name].Walk(path, onDir, onFile); err != nil {
			return err
		}
	}
	for _, name := range files {
		path := name
		if prefix != "" {
			path = prefix + "/" + name
		}
		if err := onFile(path, n.Files[name]); err != nil {
			return err
		}
	}
	return nil
}
