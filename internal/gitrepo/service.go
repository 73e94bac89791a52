// Package gitrepo keeps one git repository per notebook. Main holds the
// accepted notebook; every suggestion fork gets its own branch.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"suggestions/engine/internal/notebook"
)

const (
	mainBranch   = "main"
	notebookFile = "notebook.ipynb"
)

var ErrRepoNotFound = errors.New("notebook repository not found")

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// DocumentID maps a notebook path onto a repository directory name.
func DocumentID(path string) string {
	path = strings.Trim(filepath.ToSlash(filepath.Clean(path)), "/")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, path)
}

func ForkBranch(forkID string) string {
	return "fork-" + DocumentID(forkID)
}

func (s *Service) Exists(documentID string) bool {
	_, err := os.Stat(filepath.Join(s.repoPath(documentID), ".git"))
	return err == nil
}

func (s *Service) EnsureDocumentRepo(documentID string, initial notebook.Snapshot, author string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writeNotebook(path, initial); err != nil {
		return err
	}
	if _, err := worktree.Add(notebookFile); err != nil {
		return fmt.Errorf("git add initial notebook: %w", err)
	}
	hash, err := worktree.Commit("Import notebook baseline", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial notebook: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

func (s *Service) EnsureBranch(documentID, branchName, fromBranch string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return err
	}

	branchRefName := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}

	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

// DeleteBranch removes a branch; HEAD is moved back to main first when it
// points at the branch. Deleting a missing branch is not an error.
func (s *Service) DeleteBranch(documentID, branchName string) error {
	if branchName == mainBranch {
		return errors.New("refusing to delete main")
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return err
	}
	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	head, err := repo.Head()
	if err == nil && head.Name() == branchRef {
		if err := checkoutBranch(repo, mainBranch); err != nil {
			return err
		}
	}
	if err := repo.Storer.RemoveReference(branchRef); err != nil {
		return fmt.Errorf("delete branch %s: %w", branchName, err)
	}
	return nil
}

func (s *Service) CommitContent(documentID, branchName string, content notebook.Snapshot, author, message string) (CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return CommitInfo{}, err
	}

	hash, err := s.commit(repo, branchName, content, author, message, false)
	if err != nil {
		return CommitInfo{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}

	return toCommitInfo(commitObj), nil
}

func (s *Service) GetHeadContent(documentID, branchName string) (notebook.Snapshot, CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return notebook.Snapshot{}, CommitInfo{}, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return notebook.Snapshot{}, CommitInfo{}, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return notebook.Snapshot{}, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}

	content, err := readNotebookFromCommit(commitObj)
	if err != nil {
		return notebook.Snapshot{}, CommitInfo{}, err
	}

	return content, toCommitInfo(commitObj), nil
}

func (s *Service) History(documentID, branchName string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// MergeIntoMain records merged as a copy-commit on main. The source branch
// must still exist; it names the fork the content came from.
func (s *Service) MergeIntoMain(documentID, sourceBranch string, merged notebook.Snapshot, author, message string) (CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return CommitInfo{}, err
	}
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(sourceBranch), true); err != nil {
		return CommitInfo{}, fmt.Errorf("resolve source branch %s: %w", sourceBranch, err)
	}

	mergeMessage := fmt.Sprintf(
		"%s\n\nmerge: source=%s target=main actor=%s mode=copy-commit",
		message,
		sourceBranch,
		author,
	)
	hash, err := s.commit(repo, mainBranch, merged, author, mergeMessage, true)
	if err != nil {
		return CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read merge commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s: %w", documentID, ErrRepoNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, branchName string, content notebook.Snapshot, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeNotebook(worktree.Filesystem.Root(), content); err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := worktree.Add(notebookFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add notebook: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit notebook: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func writeNotebook(root string, content notebook.Snapshot) error {
	payload, err := notebook.Encode(content)
	if err != nil {
		return fmt.Errorf("encode notebook: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, notebookFile), payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", notebookFile, err)
	}
	return nil
}

func readNotebookFromCommit(commitObj *object.Commit) (notebook.Snapshot, error) {
	file, err := commitObj.File(notebookFile)
	if err != nil {
		return notebook.Snapshot{}, fmt.Errorf("load %s from commit: %w", notebookFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return notebook.Snapshot{}, fmt.Errorf("open notebook reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return notebook.Snapshot{}, fmt.Errorf("read notebook bytes: %w", err)
	}
	return notebook.Decode(data)
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	if author == "" {
		author = "suggestions"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.suggestions.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
