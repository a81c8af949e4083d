// Package git locates the project a modeguard invocation belongs to.
package git

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client defines the git operations modeguard needs.
type Client interface {
	RepoRoot(path string) (string, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

// ProjectRoot returns the repository root containing dir, so that hooks
// fired from a subdirectory find the same .modeguard directory. Outside a
// repository, or without git, dir itself is the project root.
func ProjectRoot(c Client, dir string) string {
	if dir == "" {
		return ""
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if c == nil {
		return dir
	}
	root, err := c.RepoRoot(dir)
	if err != nil || root == "" {
		return dir
	}
	return filepath.Clean(root)
}
