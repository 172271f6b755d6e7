// Package release advances the project version on trunk: it reads the
// conventional-commit history since the last version tag, bumps the semver
// accordingly, rewrites the version manifests, and lays down the release
// commit and tag.
package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/leodido/go-conventionalcommits"
	ccparser "github.com/leodido/go-conventionalcommits/parser"
	"gopkg.in/yaml.v3"

	"github.com/vk/meshci/internal/ctxlog"
)

// DefaultMarker prefixes every release commit subject. Runs triggered by such
// a commit are recognized upstream and skipped wholesale, which is what keeps
// the advancer from triggering itself.
const DefaultMarker = "chore(release):"

// Bump is the semver component a commit range calls for.
type Bump int

const (
	BumpNone Bump = iota
	BumpPatch
	BumpMinor
	BumpMajor
)

func (b Bump) String() string {
	switch b {
	case BumpPatch:
		return "patch"
	case BumpMinor:
		return "minor"
	case BumpMajor:
		return "major"
	default:
		return "none"
	}
}

// Options configures an Advancer.
type Options struct {
	RepoPath string
	// Remote to push the release commit and tag to. Empty disables pushing,
	// which is how tests and dry runs operate.
	Remote string
	Branch string
	Marker string
	// Manifests are repo-relative YAML files whose `version` field is
	// rewritten. Defaults to version.yaml at the repo root.
	Manifests []string
	TagPrefix string

	AuthorName  string
	AuthorEmail string
}

func (o *Options) withDefaults() {
	if o.Branch == "" {
		o.Branch = "main"
	}
	if o.Marker == "" {
		o.Marker = DefaultMarker
	}
	if len(o.Manifests) == 0 {
		o.Manifests = []string{"version.yaml"}
	}
	if o.TagPrefix == "" {
		o.TagPrefix = "v"
	}
	if o.AuthorName == "" {
		o.AuthorName = "meshci"
	}
	if o.AuthorEmail == "" {
		o.AuthorEmail = "ci@meshci.invalid"
	}
}

// Result describes one advancement decision.
type Result struct {
	// Advanced is false when the history since the last tag holds no
	// releasable change.
	Advanced bool
	Previous string
	Next     string
	Bump     Bump
	Tag      string
	Commit   string
}

// Advancer computes and applies one repository's version advancement.
type Advancer struct {
	opts    Options
	machine conventionalcommits.Machine
}

// advanceMu serializes advancement process-wide. Release steps build
// short-lived Advancer values, so the lock has to live at package level;
// the later of two concurrent calls reopens the repository after the first
// tagged and sees a clean no-op.
var advanceMu sync.Mutex

func NewAdvancer(opts Options) *Advancer {
	opts.withDefaults()
	return &Advancer{
		opts: opts,
		machine: ccparser.NewMachine(
			conventionalcommits.WithTypes(conventionalcommits.TypesConventional),
			conventionalcommits.WithBestEffort(),
		),
	}
}

// Advance inspects trunk history since the last version tag and, if any
// releasable commit landed, writes the bumped manifests, commits with the
// release marker, and tags. Re-running on an already-released head is a
// clean no-op.
func (a *Advancer) Advance(ctx context.Context) (*Result, error) {
	advanceMu.Lock()
	defer advanceMu.Unlock()
	logger := ctxlog.FromContext(ctx)

	repo, err := git.PlainOpen(a.opts.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("opening repository %q: %w", a.opts.RepoPath, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}
	if name := head.Name().Short(); name != a.opts.Branch {
		return nil, fmt.Errorf("release advancer requires branch %q, repository is on %q", a.opts.Branch, name)
	}

	last, lastHash, err := a.lastVersion(repo)
	if err != nil {
		return nil, err
	}

	bump, err := a.bumpSince(repo, head.Hash(), lastHash)
	if err != nil {
		return nil, err
	}
	if bump == BumpNone {
		logger.Info("No releasable change since last version.", "version", last.String())
		return &Result{Previous: last.String(), Next: last.String()}, nil
	}

	next := apply(last, bump)
	tag := a.opts.TagPrefix + next.String()

	for _, manifest := range a.opts.Manifests {
		if err := writeManifest(filepath.Join(a.opts.RepoPath, manifest), next.String()); err != nil {
			return nil, fmt.Errorf("updating manifest %s: %w", manifest, err)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	for _, manifest := range a.opts.Manifests {
		if _, err := wt.Add(manifest); err != nil {
			return nil, fmt.Errorf("staging manifest %s: %w", manifest, err)
		}
	}

	sig := &object.Signature{Name: a.opts.AuthorName, Email: a.opts.AuthorEmail, When: time.Now()}
	commitHash, err := wt.Commit(fmt.Sprintf("%s %s", a.opts.Marker, tag), &git.CommitOptions{Author: sig})
	if err != nil {
		return nil, fmt.Errorf("creating release commit: %w", err)
	}
	if _, err := repo.CreateTag(tag, commitHash, &git.CreateTagOptions{
		Tagger:  sig,
		Message: fmt.Sprintf("release %s", tag),
	}); err != nil {
		return nil, fmt.Errorf("creating tag %s: %w", tag, err)
	}

	if a.opts.Remote != "" {
		if err := a.push(ctx, repo, tag); err != nil {
			return nil, err
		}
	}

	logger.Info("Version advanced.",
		"previous", last.String(),
		"next", next.String(),
		"bump", bump.String(),
		"tag", tag)
	return &Result{
		Advanced: true,
		Previous: last.String(),
		Next:     next.String(),
		Bump:     bump,
		Tag:      tag,
		Commit:   commitHash.String(),
	}, nil
}

// lastVersion returns the highest semver tag and the commit it points to, or
// 0.0.0 and the zero hash when nothing has been released yet.
func (a *Advancer) lastVersion(repo *git.Repository) (*semver.Version, plumbing.Hash, error) {
	refs, err := repo.References()
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("listing references: %w", err)
	}

	type tagged struct {
		version *semver.Version
		hash    plumbing.Hash
	}
	var found []tagged
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if !ref.Name().IsTag() {
			return nil
		}
		name := ref.Name().Short()
		if !strings.HasPrefix(name, a.opts.TagPrefix) {
			return nil
		}
		v, parseErr := semver.NewVersion(strings.TrimPrefix(name, a.opts.TagPrefix))
		if parseErr != nil {
			return nil
		}
		found = append(found, tagged{version: v, hash: peelTag(repo, ref.Hash())})
		return nil
	})
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("iterating tags: %w", err)
	}
	if len(found) == 0 {
		return semver.New(0, 0, 0, "", ""), plumbing.ZeroHash, nil
	}

	sort.Slice(found, func(i, j int) bool { return found[i].version.LessThan(found[j].version) })
	latest := found[len(found)-1]
	return latest.version, latest.hash, nil
}

// peelTag resolves an annotated tag to its target commit; lightweight tags
// already point at one.
func peelTag(repo *git.Repository, hash plumbing.Hash) plumbing.Hash {
	if obj, err := repo.TagObject(hash); err == nil {
		return obj.Target
	}
	return hash
}

// bumpSince walks history from head down to the last released commit and
// returns the widest bump any conventional commit in the range calls for.
func (a *Advancer) bumpSince(repo *git.Repository, head, since plumbing.Hash) (Bump, error) {
	iter, err := repo.Log(&git.LogOptions{From: head})
	if err != nil {
		return BumpNone, fmt.Errorf("reading history: %w", err)
	}
	defer iter.Close()

	bump := BumpNone
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == since {
			return storer.ErrStop
		}
		if b := a.classify(c.Message); b > bump {
			bump = b
		}
		return nil
	})
	if err != nil {
		return BumpNone, fmt.Errorf("walking history: %w", err)
	}
	return bump, nil
}

// classify maps one commit message to its bump. Release commits and anything
// that is not a conventional commit contribute nothing.
func (a *Advancer) classify(message string) Bump {
	if strings.HasPrefix(message, a.opts.Marker) {
		return BumpNone
	}
	// Best effort keeps a valid header usable even when the body trips the
	// parser, so err alone is not disqualifying.
	msg, _ := a.machine.Parse([]byte(strings.TrimSpace(message)))
	if msg == nil || !msg.Ok() {
		return BumpNone
	}
	cc, ok := msg.(*conventionalcommits.ConventionalCommit)
	if !ok {
		return BumpNone
	}
	switch {
	case cc.IsBreakingChange():
		return BumpMajor
	case cc.Type == "feat":
		return BumpMinor
	case cc.Type == "fix":
		return BumpPatch
	default:
		return BumpNone
	}
}

func apply(v *semver.Version, b Bump) semver.Version {
	switch b {
	case BumpMajor:
		return v.IncMajor()
	case BumpMinor:
		return v.IncMinor()
	default:
		return v.IncPatch()
	}
}

// writeManifest rewrites the version field in place, keeping any other
// top-level fields the manifest carries.
func writeManifest(path, version string) error {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing existing manifest: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// First release creates it.
	default:
		return err
	}
	doc["version"] = version

	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

func (a *Advancer) push(ctx context.Context, repo *git.Repository, tag string) error {
	branch := plumbing.NewBranchReferenceName(a.opts.Branch)
	tagRef := plumbing.NewTagReferenceName(tag)
	err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: a.opts.Remote,
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf("%s:%s", branch, branch)),
			config.RefSpec(fmt.Sprintf("%s:%s", tagRef, tagRef)),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing release to %q: %w", a.opts.Remote, err)
	}
	return nil
}
