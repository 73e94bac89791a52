package gitrepo

import (
	"context"
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"

	"suggestions/engine/internal/notebook"
)

// NotebookStore persists notebooks as commits on main.
type NotebookStore struct {
	svc    *Service
	author string
}

var _ notebook.Store = (*NotebookStore)(nil)

func (s *Service) Notebooks(author string) *NotebookStore {
	return &NotebookStore{svc: s, author: author}
}

func (n *NotebookStore) Load(ctx context.Context, path string) (notebook.Snapshot, error) {
	documentID := DocumentID(path)
	if !n.svc.Exists(documentID) {
		return notebook.Snapshot{}, fmt.Errorf("%s: %w", path, notebook.ErrNotFound)
	}
	snap, _, err := n.svc.GetHeadContent(documentID, mainBranch)
	return snap, err
}

func (n *NotebookStore) Persist(ctx context.Context, path string, snap notebook.Snapshot) error {
	documentID := DocumentID(path)
	if err := n.svc.EnsureDocumentRepo(documentID, snap, n.author); err != nil {
		return err
	}
	head, _, err := n.svc.GetHeadContent(documentID, mainBranch)
	if err != nil {
		return err
	}
	if !HasChanges(head, snap) {
		return nil
	}
	_, err = n.svc.CommitContent(documentID, mainBranch, snap, n.author, "Save "+path)
	return err
}

// StartFork branches fork-<id> off main, creating the repository from base
// when the notebook has never been saved.
func (s *Service) StartFork(path, forkID string, base notebook.Snapshot) error {
	documentID := DocumentID(path)
	if err := s.EnsureDocumentRepo(documentID, base, "suggestions"); err != nil {
		return err
	}
	return s.EnsureBranch(documentID, ForkBranch(forkID), mainBranch)
}

// MergeFork commits the fork content to its branch, records the merged root
// on main and removes the branch.
func (s *Service) MergeFork(path, forkID string, fork, merged notebook.Snapshot, author string) error {
	documentID := DocumentID(path)
	branch := ForkBranch(forkID)
	if err := s.EnsureBranch(documentID, branch, mainBranch); err != nil {
		return err
	}
	if _, err := s.CommitContent(documentID, branch, fork, author, "Suggestion "+forkID); err != nil && !errors.Is(err, git.ErrEmptyCommit) {
		return err
	}
	if _, err := s.MergeIntoMain(documentID, branch, merged, author, "Accept suggestion "+forkID); err != nil {
		return err
	}
	return s.DeleteBranch(documentID, branch)
}

func (s *Service) DropFork(path, forkID string) error {
	documentID := DocumentID(path)
	if !s.Exists(documentID) {
		return nil
	}
	return s.DeleteBranch(documentID, ForkBranch(forkID))
}
