// Package gitinfo reads the commit a project directory is checked out at, so
// a destroyed project can be traced back to the code that created it.
package gitinfo

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/gurisko/reaper/internal/lifecycle"
)

// ErrNotRepository indicates the directory is not inside a git work tree
var ErrNotRepository = errors.New("not a git repository")

// Info is the checked-out state of a repository
type Info struct {
	Head   string // full commit hash
	Branch string // empty when HEAD is detached
}

// Lookup finds the repository containing dir, searching parent directories.
func Lookup(dir string) (Info, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotRepository, dir)
		}
		return Info{}, fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			// repository without commits
			return Info{}, nil
		}
		return Info{}, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	info := Info{Head: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}
	return info, nil
}

// Metadata renders info as project metadata entries.
func (i Info) Metadata() map[string]string {
	m := make(map[string]string, 2)
	if i.Head != "" {
		m[lifecycle.MetaGitHead] = i.Head
	}
	if i.Branch != "" {
		m[lifecycle.MetaGitBranch] = i.Branch
	}
	return m
}
