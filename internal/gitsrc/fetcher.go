// Package gitsrc clones build sources into the cache.
package gitsrc

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

// ScmGit is the only supported source control kind.
const ScmGit = "git"

// ErrUnsupportedScm is returned for any scm kind other than git.
var ErrUnsupportedScm = fmt.Errorf("unsupported scm")

// Fetcher clones repositories for builds.
type Fetcher struct {
	sshKeyPath string
}

// NewFetcher returns a Fetcher. SSH clones authenticate with the invoking
// user's id_rsa key.
func NewFetcher() *Fetcher {
	home, _ := os.UserHomeDir()
	return &Fetcher{sshKeyPath: filepath.Join(home, ".ssh", "id_rsa")}
}

// Fetch clones url into dest, optionally constrained to branch and followed
// by a checkout of revision. Any existing tree at dest is removed first.
func (f *Fetcher) Fetch(scm, url, branch, revision, dest string) error {
	if scm != ScmGit {
		return ErrUnsupportedScm
	}

	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("remove stale source %s: %w", dest, err)
	}

	slog.Info("cloning source", logfields.URL(url), logfields.Path(dest), slog.String("branch", branch))

	opts := &git.CloneOptions{URL: url}
	if branch != "" {
		opts.ReferenceName = plumbing.ReferenceName("refs/heads/" + branch)
		opts.SingleBranch = true
	}
	if auth, err := f.auth(url); err != nil {
		return err
	} else if auth != nil {
		opts.Auth = auth
	}

	repo, err := git.PlainClone(dest, false, opts)
	if err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}

	if revision != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("open worktree: %w", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(revision)}); err != nil {
			return fmt.Errorf("checkout %s: %w", revision, err)
		}
	}

	if ref, err := repo.Head(); err == nil {
		slog.Info("source ready", logfields.Path(dest), slog.String("commit", ref.Hash().String()[:8]))
	}
	return nil
}

// auth picks an AuthMethod for url. Only SSH remotes (ssh:// or the scp-like
// git@host: form) need the local key; http(s) and filesystem remotes clone
// anonymously.
func (f *Fetcher) auth(url string) (transport.AuthMethod, error) {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return nil, nil
	}
	if !strings.HasPrefix(url, "ssh://") && !strings.Contains(url, "@") {
		return nil, nil
	}
	keys, err := gitssh.NewPublicKeysFromFile("git", f.sshKeyPath, "")
	if err != nil {
		return nil, fmt.Errorf("load ssh key %s: %w", f.sshKeyPath, err)
	}
	return keys, nil
}

// HeadHash returns the full commit hash the source tree at path is checked
// out at. It feeds the git_version manifest entry.
func HeadHash(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", path, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}
