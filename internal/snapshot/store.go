package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	// ErrInvalidName means a backup label failed validation
	ErrInvalidName = errors.New("invalid backup name")

	// ErrUnknownBackup means the referenced backup does not exist
	ErrUnknownBackup = errors.New("unknown backup")
)

// nameRE is the allow-list for user-supplied backup labels
var nameRE = regexp.MustCompile(`^[a-zA-Z0-9 .-]+$`)

// mainline is the branch holding the live world tree
const mainline = "master"

// rollbackLabel tags the automatic pre-restore safety backup
const rollbackLabel = "rollback"

// Backup is a named, timestamped snapshot of the world tree, stored as
// a branch whose name embeds the creation time
type Backup struct {
	Name string
}

// Store keeps point-in-time backups of a directory tree in an embedded
// git repository. The mainline branch is the live tree; every backup is
// a branch created once at save time. Unchanged files are shared between
// backups through git's content addressing.
type Store struct {
	dir  string
	repo *git.Repository

	now func() time.Time
}

// ValidName reports whether a backup label passes the allow-list pattern
func ValidName(label string) bool {
	return nameRE.MatchString(label)
}

// Open opens the store at dir, initializing and seeding it with an
// initial commit when no repository exists yet. A pre-existing world
// directory is adopted as-is.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = seed(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}

	return &Store{dir: dir, repo: repo, now: time.Now}, nil
}

// seed initializes a repository and records whatever is already present
func seed(dir string) (*git.Repository, error) {
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return nil, err
	}
	_, err = wt.Commit("init", &git.CommitOptions{
		Author:            signature(time.Now()),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func signature(when time.Time) *object.Signature {
	return &object.Signature{
		Name:  "Backup system",
		Email: "backup@mc.com",
		When:  when,
	}
}

// storageName computes the branch name for a backup: a colon-free
// fixed-width UTC timestamp followed by the label, so a plain string
// sort orders backups by creation time. When a same-second backup
// already holds the name, the timestamp advances until one is free.
func (s *Store) storageName(label string) string {
	when := s.now().UTC()
	for {
		name := when.Format("2006-01-02-15-04-05") + "." + label
		if _, err := s.repo.Reference(plumbing.NewBranchReferenceName(name), false); err != nil {
			return name
		}
		when = when.Add(time.Second)
	}
}

// Create records a new backup of the current tree under the given label.
// It returns (nil, nil) when the tree has no changes since the last
// snapshot: an empty save would only clutter the history. On failure the
// mainline pointer is left where it was.
func (s *Store) Create(label string) (*Backup, error) {
	if !ValidName(label) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, label)
	}
	return s.commitBranch(label, false)
}

// CreateRollback records the pre-restore safety backup. Unlike Create it
// never short-circuits: a clean tree still gets a branch at the current
// tip, so every restore leaves exactly one rollback point.
func (s *Store) CreateRollback() (*Backup, error) {
	return s.commitBranch(rollbackLabel, true)
}

func (s *Store) commitBranch(label string, allowClean bool) (*Backup, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading tree status: %w", err)
	}

	head, err := s.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving head: %w", err)
	}

	name := s.storageName(label)
	branch := plumbing.NewBranchReferenceName(name)

	if status.IsClean() {
		if !allowClean {
			return nil, nil
		}
		// Nothing changed; a branch at the current tip captures the
		// tree exactly.
		if err := s.repo.Storer.SetReference(plumbing.NewHashReference(branch, head.Hash())); err != nil {
			return nil, fmt.Errorf("creating rollback branch: %w", err)
		}
		return &Backup{Name: name}, nil
	}

	// Branch off the current tip and move HEAD onto the new branch, so
	// the commit lands there and the previous branch keeps its tip.
	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(branch, head.Hash())); err != nil {
		return nil, fmt.Errorf("creating branch: %w", err)
	}
	if err := s.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branch)); err != nil {
		s.repo.Storer.RemoveReference(branch)
		return nil, fmt.Errorf("switching to branch: %w", err)
	}

	if err := s.stageAndCommit(wt, name); err != nil {
		// Put HEAD back and drop the half-made branch so the store
		// looks exactly as before.
		s.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, head.Name()))
		s.repo.Storer.RemoveReference(branch)
		return nil, err
	}

	return &Backup{Name: name}, nil
}

func (s *Store) stageAndCommit(wt *git.Worktree, message string) error {
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	if _, err := wt.Commit(message, &git.CommitOptions{Author: signature(s.now())}); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

// List returns all backups, newest first
func (s *Store) List() ([]Backup, error) {
	iter, err := s.repo.Branches()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if name := ref.Name().Short(); name != mainline {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The fixed-width timestamp prefix makes lexicographic order
	// chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	backups := make([]Backup, len(names))
	for i, name := range names {
		backups[i] = Backup{Name: name}
	}
	return backups, nil
}

// Names returns the storage names of all backups, newest first
func (s *Store) Names() ([]string, error) {
	backups, err := s.List()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(backups))
	for i, b := range backups {
		names[i] = b.Name
	}
	return names, nil
}

// RestoreAll force-checks-out the full tree of the named backup,
// replacing the working tree
func (s *Store) RestoreAll(name string) error {
	branch := plumbing.NewBranchReferenceName(name)
	if _, err := s.repo.Reference(branch, true); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownBackup, name)
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branch, Force: true}); err != nil {
		return fmt.Errorf("checking out %q: %w", name, err)
	}
	return nil
}

// RestorePaths overwrites only the given repository-relative paths with
// their content from the named backup, leaving everything else as-is.
// A path missing from the backup tree is removed from the working tree.
func (s *Store) RestorePaths(name string, paths []string) error {
	branch := plumbing.NewBranchReferenceName(name)
	ref, err := s.repo.Reference(branch, true)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownBackup, name)
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return fmt.Errorf("reading backup commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("reading backup tree: %w", err)
	}

	for _, path := range paths {
		if err := s.restoreOnePath(tree, path); err != nil {
			return fmt.Errorf("restoring %q: %w", path, err)
		}
	}
	return nil
}

func (s *Store) restoreOnePath(tree *object.Tree, path string) error {
	target := filepath.Join(s.dir, filepath.FromSlash(path))

	file, err := tree.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		// Not in the backup: after the restore the path is simply absent.
		if rmErr := os.Remove(target); rmErr != nil && !os.IsNotExist(rmErr) {
			return rmErr
		}
		return nil
	}
	if err != nil {
		return err
	}

	r, err := file.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
