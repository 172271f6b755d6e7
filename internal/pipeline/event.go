package pipeline

import (
	"fmt"
	"strings"
)

// EventKind distinguishes the two VCS trigger types.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

// Event is the trigger metadata delivered by the VCS for a push or
// pull-request.
type Event struct {
	Kind              EventKind `json:"kind"`
	Ref               string    `json:"ref"`
	HeadCommitMessage string    `json:"headCommitMessage"`
	Owner             string    `json:"owner"`
	PRNumber          int       `json:"prNumber,omitempty"`
}

// ConcurrencyRef is the portion of the event identity used for run
// supersession: pull requests are keyed by PR number so force-pushes to the
// same PR supersede each other, pushes are keyed by ref.
func (e *Event) ConcurrencyRef() string {
	if e.Kind == EventPullRequest {
		return fmt.Sprintf("pr-%d", e.PRNumber)
	}
	return e.Ref
}

// Trigger is the workflow's filter over incoming events.
type Trigger struct {
	// Branches limits push triggers to the named refs. Empty means any.
	Branches []string
	// Owner is the canonical repository owner. Events from forks (a
	// different owner) never trigger privileged jobs. Empty means any.
	Owner string
	// ReleaseMarker is the commit-message prefix that identifies commits
	// produced by the release advancer, e.g. "chore(release):".
	ReleaseMarker string
}

// Matches reports whether the event should start a run at all.
func (t *Trigger) Matches(ev *Event) bool {
	if t.Owner != "" && ev.Owner != t.Owner && ev.Kind == EventPush {
		return false
	}
	if ev.Kind == EventPush && len(t.Branches) > 0 {
		for _, b := range t.Branches {
			if ev.Ref == b {
				return true
			}
		}
		return false
	}
	return true
}

// IsReleaseCommit reports whether the event's head commit was produced by the
// release advancer. Such commits skip every job except the gate, which then
// succeeds trivially; this is also what stops the advancer from re-triggering
// itself in a loop.
func (t *Trigger) IsReleaseCommit(ev *Event) bool {
	return t.ReleaseMarker != "" && strings.HasPrefix(ev.HeadCommitMessage, t.ReleaseMarker)
}
