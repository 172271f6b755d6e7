package release

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vk/meshci/internal/pipeline"
	"github.com/vk/meshci/internal/scheduler"
)

func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return dir, repo
}

var commitSeq int

func commit(t *testing.T, dir string, repo *git.Repository, message string) {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)

	commitSeq++
	name := fmt.Sprintf("file-%d.txt", commitSeq)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(message), 0o644))
	_, err = wt.Add(name)
	require.NoError(t, err)
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func advancer(dir string) *Advancer {
	return NewAdvancer(Options{RepoPath: dir, Branch: "master"})
}

func readVersion(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "version.yaml"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	return doc["version"].(string)
}

func TestAdvanceFirstRelease(t *testing.T) {
	dir, repo := initRepo(t)
	commit(t, dir, repo, "feat: initial join protocol")

	res, err := advancer(dir).Advance(t.Context())
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, "0.0.0", res.Previous)
	require.Equal(t, "0.1.0", res.Next)
	require.Equal(t, BumpMinor, res.Bump)
	require.Equal(t, "v0.1.0", res.Tag)

	require.Equal(t, "0.1.0", readVersion(t, dir))

	head, err := repo.Head()
	require.NoError(t, err)
	headCommit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	require.Equal(t, "chore(release): v0.1.0", headCommit.Message)

	_, err = repo.Tag("v0.1.0")
	require.NoError(t, err)
}

func TestAdvanceBumpLadder(t *testing.T) {
	dir, repo := initRepo(t)
	a := advancer(dir)

	commit(t, dir, repo, "feat: base")
	res, err := a.Advance(t.Context())
	require.NoError(t, err)
	require.Equal(t, "0.1.0", res.Next)

	commit(t, dir, repo, "fix: off-by-one in join counter")
	res, err = a.Advance(t.Context())
	require.NoError(t, err)
	require.Equal(t, BumpPatch, res.Bump)
	require.Equal(t, "0.1.1", res.Next)

	commit(t, dir, repo, "feat!: drop the v0 wire format")
	res, err = a.Advance(t.Context())
	require.NoError(t, err)
	require.Equal(t, BumpMajor, res.Bump)
	require.Equal(t, "1.0.0", res.Next)
	require.Equal(t, "1.0.0", readVersion(t, dir))
}

func TestAdvanceWidestBumpWins(t *testing.T) {
	dir, repo := initRepo(t)
	commit(t, dir, repo, "fix: small")
	commit(t, dir, repo, "feat: medium")
	commit(t, dir, repo, "docs: nothing")

	res, err := advancer(dir).Advance(t.Context())
	require.NoError(t, err)
	require.Equal(t, BumpMinor, res.Bump)
	require.Equal(t, "0.1.0", res.Next)
}

func TestAdvanceNoReleasableChange(t *testing.T) {
	dir, repo := initRepo(t)
	commit(t, dir, repo, "docs: clarify bootstrap flags")
	commit(t, dir, repo, "not a conventional message at all")

	res, err := advancer(dir).Advance(t.Context())
	require.NoError(t, err)
	require.False(t, res.Advanced)
	require.Equal(t, "0.0.0", res.Next)
	require.NoFileExists(t, filepath.Join(dir, "version.yaml"))
}

func TestAdvanceIsIdempotent(t *testing.T) {
	dir, repo := initRepo(t)
	a := advancer(dir)
	commit(t, dir, repo, "feat: base")

	first, err := a.Advance(t.Context())
	require.NoError(t, err)
	require.True(t, first.Advanced)

	// Nothing new landed; the release commit itself must not trigger another
	// release.
	second, err := a.Advance(t.Context())
	require.NoError(t, err)
	require.False(t, second.Advanced)
	require.Equal(t, first.Next, second.Previous)

	head, err := repo.Head()
	require.NoError(t, err)
	require.Equal(t, first.Commit, head.Hash().String())
}

func TestAdvanceSerializesConcurrentCalls(t *testing.T) {
	dir, repo := initRepo(t)
	commit(t, dir, repo, "feat: base")

	// Each call builds its own Advancer, exactly as concurrent release steps
	// would. Exactly one of them may cut the release.
	results := make([]*Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = advancer(dir).Advance(context.Background())
		}(i)
	}
	wg.Wait()

	advanced := 0
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		if results[i].Advanced {
			advanced++
		}
	}
	require.Equal(t, 1, advanced, "exactly one concurrent call may advance")

	tags, err := repo.Tags()
	require.NoError(t, err)
	tagCount := 0
	require.NoError(t, tags.ForEach(func(*plumbing.Reference) error {
		tagCount++
		return nil
	}))
	require.Equal(t, 1, tagCount)

	head, err := repo.Head()
	require.NoError(t, err)
	headCommit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	require.Equal(t, "chore(release): v0.1.0", headCommit.Message)
}

func TestAdvanceRequiresConfiguredBranch(t *testing.T) {
	dir, repo := initRepo(t)
	commit(t, dir, repo, "feat: base")

	_, err := NewAdvancer(Options{RepoPath: dir, Branch: "main"}).Advance(t.Context())
	require.ErrorContains(t, err, `requires branch "main"`)
}

func TestClassify(t *testing.T) {
	a := advancer(t.TempDir())
	cases := map[string]Bump{
		"feat: add churn lever":            BumpMinor,
		"fix: reap zombie bootstrap":       BumpPatch,
		"feat!: new join handshake":        BumpMajor,
		"chore: tidy workflow files":       BumpNone,
		"totally freeform":                 BumpNone,
		"chore(release): v1.2.3":           BumpNone,
		"feat(scheduler): gated fan-out":   BumpMinor,
		"fix(testnet): log dir permission": BumpPatch,
	}
	for msg, want := range cases {
		require.Equal(t, want, a.classify(msg), msg)
	}
}

func TestWriteManifestPreservesOtherFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 0.1.0\nchannel: stable\n"), 0o644))

	require.NoError(t, writeManifest(path, "0.2.0"))

	var doc map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &doc))
	require.Equal(t, "0.2.0", doc["version"])
	require.Equal(t, "stable", doc["channel"])
}

func TestReleaseStepRejectsPullRequests(t *testing.T) {
	jc := &scheduler.JobContext{
		RunID:   "r1",
		WorkDir: t.TempDir(),
		Event:   &pipeline.Event{Kind: pipeline.EventPullRequest, Ref: "main", PRNumber: 12},
	}
	err := runRelease(t.Context(), jc, &Input{})
	require.ErrorContains(t, err, "requires a push event")
}

func TestReleaseStepRejectsSideBranches(t *testing.T) {
	jc := &scheduler.JobContext{
		RunID:   "r1",
		WorkDir: t.TempDir(),
		Event:   &pipeline.Event{Kind: pipeline.EventPush, Ref: "feature/x"},
	}
	err := runRelease(t.Context(), jc, &Input{Branch: "main"})
	require.ErrorContains(t, err, `requires a push to "main"`)
}
