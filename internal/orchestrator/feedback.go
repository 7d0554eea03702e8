package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/joescharf/codebot/internal/git"
	"github.com/joescharf/codebot/internal/models"
)

// charsPerToken is the rough prompt size estimate used for the token budget.
const charsPerToken = 4

const truncatedMarker = "\n\n[truncated]"

type failureReason int

const (
	reasonAgentFailed failureReason = iota
	reasonTimeout
	reasonNoChanges
	reasonBranch
	reasonRunner
	reasonPublish
	reasonInternal
)

func (r failureReason) String() string {
	switch r {
	case reasonAgentFailed:
		return "agent reported failure"
	case reasonTimeout:
		return "timed out"
	case reasonNoChanges:
		return "no changes produced"
	case reasonBranch:
		return "branch preparation failed"
	case reasonRunner:
		return "agent could not be started"
	case reasonPublish:
		return "pull request could not be created"
	}
	return "internal error"
}

func ackComment(issue models.Issue) string {
	return fmt.Sprintf("codebot picked up %s and is working on it on branch `%s`.", issue.Key(), issue.SuggestedBranch())
}

func pullRequestComment(issue models.Issue, pr *git.PullRequestRef) string {
	if pr.Existing {
		return fmt.Sprintf("codebot updated the existing pull request for %s: %s", issue.Key(), pr.URL)
	}
	return fmt.Sprintf("codebot opened a pull request for %s: %s", issue.Key(), pr.URL)
}

func failureComment(issue models.Issue, reason failureReason, detail string, run *models.RunResult, maxOutput int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "codebot could not complete %s: **%s**.\n", issue.Key(), reason)

	switch reason {
	case reasonTimeout:
		sb.WriteString("\nThe agent did not finish within the time limit and was stopped.\n")
	case reasonNoChanges:
		sb.WriteString("\nThe agent finished but did not change any files. Add more detail to the issue and edit it to try again.\n")
	case reasonAgentFailed:
		if run != nil {
			fmt.Fprintf(&sb, "\nThe agent exited with code %d.\n", run.ExitCode)
		}
	}

	if detail != "" {
		sb.WriteString("\n```\n")
		sb.WriteString(tail(detail, maxOutput))
		sb.WriteString("\n```\n")
	}

	if run != nil {
		if out := strings.TrimSpace(run.CombinedOutput()); out != "" {
			sb.WriteString("\nAgent output:\n\n```\n")
			sb.WriteString(tail(out, maxOutput))
			sb.WriteString("\n```\n")
		}
	}

	sb.WriteString("\nEditing the title or description makes codebot try again.")
	return sb.String()
}

func pullRequestBody(issue models.Issue, run *models.RunResult, maxOutput int) string {
	var sb strings.Builder
	sb.WriteString(issueLink(issue))
	sb.WriteString("\n\n## Summary\n\n")
	sb.WriteString(issue.Title)
	sb.WriteString("\n")

	if out := strings.TrimSpace(run.Output); out != "" {
		sb.WriteString("\n## Agent output\n\n```\n")
		sb.WriteString(tail(out, maxOutput))
		sb.WriteString("\n```\n")
	}
	if len(run.ChangedFiles) > 0 {
		sb.WriteString("\n## Changed files\n\n")
		for _, f := range run.ChangedFiles {
			fmt.Fprintf(&sb, "- `%s`\n", f)
		}
	}
	sb.WriteString("\n> Generated by codebot, an AI coding agent. Review carefully before merging.\n")
	return sb.String()
}

func withIssueLink(issue models.Issue, body string) string {
	return issueLink(issue) + "\n\n" + body
}

func issueLink(issue models.Issue) string {
	if issue.URL != "" {
		return fmt.Sprintf("Resolves [%s](%s).", issue.Key(), issue.URL)
	}
	return fmt.Sprintf("Resolves %s.", issue.Key())
}

func rawPrompt(issue models.Issue) string {
	title := strings.TrimSpace(issue.Title)
	desc := strings.TrimSpace(issue.Description)
	if desc == "" {
		return title
	}
	return title + "\n\n" + desc
}

// truncatePrompt keeps roughly budget tokens from the start of prompt.
func truncatePrompt(prompt string, budget int) string {
	limit := budget * charsPerToken
	if budget <= 0 || len(prompt) <= limit {
		return prompt
	}
	cut := limit - len(truncatedMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(prompt[cut]) {
		cut--
	}
	return prompt[:cut] + truncatedMarker
}

// tail keeps the last limit bytes of s, cut at a rune boundary.
func tail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "[...]\n" + s[start:]
}

// reasonText is the ledger's short failure reason.
func reasonText(reason failureReason, detail string) string {
	if detail == "" {
		return reason.String()
	}
	line, _, _ := strings.Cut(strings.TrimSpace(detail), "\n")
	if len(line) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut]
	}
	line = strings.ToValidUTF8(line, "\uFFFD")
	return reason.String() + ": " + line
}
