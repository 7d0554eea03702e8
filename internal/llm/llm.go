package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// PullRequestInput is what the model sees when writing pull request text.
type PullRequestInput struct {
	Key          string
	Title        string
	Description  string
	AgentOutput  string
	ChangedFiles []string
}

// PullRequestContent holds the generated commit message and PR body.
type PullRequestContent struct {
	CommitMessage string `json:"commit_message"`
	Body          string `json:"pr_description"`
}

type messageAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client wraps the Anthropic API for prompt formatting and PR text.
type Client struct {
	api   messageAPI
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string, extra ...option.RequestOption) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, extra...)
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client.Messages,
		model: anthropic.Model(model),
	}
}

// buildFormatPrompt constructs the system and user prompts for restructuring
// an issue into agent instructions.
func buildFormatPrompt(title, description string) (system string, user string) {
	system = `You reformat software issues into clear, structured instructions for an autonomous coding agent.

Rules:
- Keep the task exactly as written; do not add requirements or invent details
- Structure the information logically and highlight key technical details
- If the issue is simple, keep the result simple
- For complex problems, ask the agent to think the problem through before editing
- Return only the formatted instructions, without commentary or markdown fencing`

	var sb strings.Builder
	sb.WriteString("Issue title: ")
	sb.WriteString(title)
	sb.WriteString("\n")
	if description != "" {
		sb.WriteString("\nIssue description:\n")
		sb.WriteString(description)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// FormatIssue asks the model to restructure an issue into agent instructions.
func (c *Client) FormatIssue(ctx context.Context, title, description string) (string, error) {
	systemPrompt, userPrompt := buildFormatPrompt(title, description)

	text, err := c.complete(ctx, systemPrompt, userPrompt, 2048)
	if err != nil {
		return "", err
	}
	return stripFencing(text), nil
}

// buildPRPrompt constructs the system and user prompts for commit message and
// pull request description generation.
func buildPRPrompt(in PullRequestInput) (system string, user string) {
	system = `You write clear, concise commit messages and pull request descriptions for changes made by an AI coding agent. Return a JSON object with exactly two fields:

- "commit_message": a single-line commit message, at most 72 characters
- "pr_description": a markdown pull request description with three parts: a short summary, the details (including the agent's own report of what it did), and a note that the change was generated by an AI coding agent and must be reviewed carefully

Rules:
- Return valid JSON only, no markdown fencing or explanation
- Describe only what the changed files and agent output support`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Issue %s: %s\n", in.Key, in.Title)
	if in.Description != "" {
		sb.WriteString("\nIssue description:\n")
		sb.WriteString(in.Description)
		sb.WriteString("\n")
	}
	if in.AgentOutput != "" {
		sb.WriteString("\nAgent output:\n")
		sb.WriteString(in.AgentOutput)
		sb.WriteString("\n")
	}
	if len(in.ChangedFiles) > 0 {
		sb.WriteString("\nChanged files:\n")
		for _, f := range in.ChangedFiles {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}
	user = sb.String()
	return
}

// PullRequestContent generates a commit message and pull request body.
func (c *Client) PullRequestContent(ctx context.Context, in PullRequestInput) (*PullRequestContent, error) {
	systemPrompt, userPrompt := buildPRPrompt(in)

	text, err := c.complete(ctx, systemPrompt, userPrompt, 2048)
	if err != nil {
		return nil, err
	}
	text = stripFencing(text)

	var content PullRequestContent
	if err := json.Unmarshal([]byte(text), &content); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	content.CommitMessage = strings.TrimSpace(content.CommitMessage)
	content.Body = strings.TrimSpace(content.Body)
	if content.CommitMessage == "" || content.Body == "" {
		return nil, fmt.Errorf("incomplete LLM response: %s", text)
	}
	return &content, nil
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	msg, err := c.api.New(ctx, anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(0.2),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return text, nil
}

// stripFencing removes a surrounding markdown code fence, if present.
func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
