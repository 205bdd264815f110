// Package history mirrors every sitemap into its own git repository so
// editors can see how navigation changed over time.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"folio/api/internal/events"
	"folio/api/internal/logging"
	"folio/api/internal/sitemap"
	"folio/api/internal/store"
)

const snapshotFile = "sitemap.json"

// ErrRevisionNotFound is returned by SnapshotAt for a sitemap without
// history or a hash that names no commit.
var ErrRevisionNotFound = errors.New("revision not found")

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// Record commits snapshot as sitemap.json on main. The repository is
// created on first use. It reports false when the snapshot matches the
// current head and nothing was committed.
func (s *Service) Record(sitemapID uuid.UUID, snapshot sitemap.Snapshot, author, message string) (Commit, bool, error) {
	lock := s.sitemapLock(sitemapID)
	lock.Lock()
	defer lock.Unlock()

	repo, fresh, err := s.openOrInit(sitemapID)
	if err != nil {
		return Commit{}, false, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, false, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return Commit{}, false, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, false, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Commit{}, false, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.folio.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return Commit{}, false, nil
	}
	if err != nil {
		return Commit{}, false, fmt.Errorf("commit snapshot: %w", err)
	}

	if fresh {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return Commit{}, false, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return Commit{}, false, fmt.Errorf("set HEAD to main: %w", err)
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), true, nil
}

// History lists up to limit commits, newest first. A sitemap that was never
// recorded has no history.
func (s *Service) History(sitemapID uuid.UUID, limit int) ([]Commit, error) {
	lock := s.sitemapLock(sitemapID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(sitemapID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
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

// SnapshotAt reads the sitemap as it was at commit hash (short or full).
func (s *Service) SnapshotAt(sitemapID uuid.UUID, hash string) (sitemap.Snapshot, error) {
	lock := s.sitemapLock(sitemapID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(sitemapID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return sitemap.Snapshot{}, ErrRevisionNotFound
	}
	if err != nil {
		return sitemap.Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return sitemap.Snapshot{}, fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return sitemap.Snapshot{}, fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
	}
	if err != nil {
		return sitemap.Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return sitemap.Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return sitemap.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snapshot sitemap.Snapshot
	if err := json.Unmarshal([]byte(contents), &snapshot); err != nil {
		return sitemap.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// TreeSource loads the current state of a sitemap.
type TreeSource interface {
	GetSitemap(ctx context.Context, sitemapID uuid.UUID) (store.Sitemap, error)
	GetTree(ctx context.Context, sitemapID uuid.UUID) ([]sitemap.TreeNode, error)
}

// Subscribe records a new commit whenever a sitemap is updated or deleted.
// Failures are logged; the mirror is best effort.
func (s *Service) Subscribe(bus *events.Bus, source TreeSource, logger *zap.Logger) {
	logger = logging.OrNop(logger).Named("history")
	handler := func(ctx context.Context, event events.Event) {
		sitemapID := event.SitemapID()
		current, err := source.GetSitemap(ctx, sitemapID)
		if err != nil {
			logger.Warn("load sitemap for history", zap.String("sitemap_id", sitemapID.String()), zap.Error(err))
			return
		}
		snapshot := sitemap.Snapshot{Title: current.Title, Version: current.Version, Nodes: []sitemap.TreeNode{}}
		message := "Update sitemap"
		if event.Kind == events.KindSitemapDeleted {
			message = "Delete sitemap"
		} else {
			if snapshot.Nodes, err = source.GetTree(ctx, sitemapID); err != nil {
				logger.Warn("load sitemap tree for history", zap.String("sitemap_id", sitemapID.String()), zap.Error(err))
				return
			}
		}
		author := event.Actor
		if author == "" {
			author = "folio"
		}
		if _, _, err := s.Record(sitemapID, snapshot, author, message); err != nil {
			logger.Warn("record sitemap history", zap.String("sitemap_id", sitemapID.String()), zap.Error(err))
		}
	}
	bus.Subscribe(events.KindSitemapUpdated, handler)
	bus.Subscribe(events.KindSitemapDeleted, handler)
}

func (s *Service) openOrInit(sitemapID uuid.UUID) (*git.Repository, bool, error) {
	path := s.repoPath(sitemapID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, false, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, false, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func (s *Service) repoPath(sitemapID uuid.UUID) string {
	return filepath.Join(s.baseDir, sitemapID.String())
}

func (s *Service) sitemapLock(sitemapID uuid.UUID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sitemapID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[sitemapID] = lock
	return lock
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
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
