package models

// State is a step of the per-issue processing state machine.
type State string

const (
	StateFetched        State = "fetched"
	StateBranched       State = "branched"
	StateAgentRunning   State = "agent_running"
	StateAgentSucceeded State = "agent_succeeded"
	StateAgentFailed    State = "agent_failed"
	StateAgentTimedOut  State = "agent_timed_out"
	StatePRCreated      State = "pr_created"
	StateFeedbackPosted State = "feedback_posted"
	StateRecorded       State = "recorded"
)
