package models

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// Issue is a tracker item as seen by codebot. It is never mutated by codebot
// apart from the comments and workflow state it writes back.
type Issue struct {
	ID          string
	Identifier  string // human key, e.g. ENG-123
	Title       string
	Description string
	Labels      []string
	State       string
	TeamID      string
	URL         string
	BranchName  string // tracker-suggested branch, may be empty
	UpdatedAt   time.Time
}

// Key returns the identifier used in branch names, titles and logs.
func (i *Issue) Key() string {
	if i.Identifier != "" {
		return i.Identifier
	}
	return i.ID
}

// HasLabel reports whether the issue carries the named label (case-insensitive).
func (i *Issue) HasLabel(name string) bool {
	return slices.ContainsFunc(i.Labels, func(l string) bool {
		return strings.EqualFold(l, name)
	})
}

// SuggestedBranch returns the tracker's branch name when present, otherwise
// ai/<key> lower-cased.
func (i *Issue) SuggestedBranch() string {
	if b := strings.TrimSpace(i.BranchName); b != "" {
		return b
	}
	return "ai/" + strings.ToLower(i.Key())
}

// Fingerprint identifies the issue content that was handed to the agent.
// Editing the title or description yields a new fingerprint.
func (i *Issue) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(i.Title))
	h.Write([]byte{0})
	h.Write([]byte(i.Description))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
