package codex

// Thread event types produced by the SDK stream.
const (
	EventThreadStarted = "thread.started"
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
	EventItemStarted   = "item.started"
	EventItemUpdated   = "item.updated"
	EventItemCompleted = "item.completed"
	EventStreamError   = "error"
)

// Thread item types.
const (
	ItemAgentMessage = "agent_message"
	ItemReasoning    = "reasoning"
	ItemCommand      = "command_execution"
	ItemFileChange   = "file_change"
	ItemMCPToolCall  = "mcp_tool_call"
	ItemWebSearch    = "web_search"
	ItemTodoList     = "todo_list"
)

// FileChange is one entry of a file_change item or a command's embedded
// changes array.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // add | update | delete | rename
}

// TodoEntry is one entry of a todo_list item.
type TodoEntry struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// ThreadItem is the payload of item.* events.
type ThreadItem struct {
	ID               string       `json:"id,omitempty"`
	Type             string       `json:"item_type"`
	Text             string       `json:"text,omitempty"`
	Command          string       `json:"command,omitempty"`
	AggregatedOutput string       `json:"aggregated_output,omitempty"`
	ExitCode         *int         `json:"exit_code,omitempty"`
	Status           string       `json:"status,omitempty"`
	Changes          []FileChange `json:"changes,omitempty"`
	Server           string       `json:"server,omitempty"`
	Tool             string       `json:"tool,omitempty"`
	Query            string       `json:"query,omitempty"`
	Items            []TodoEntry  `json:"items,omitempty"`
}

// ThreadUsage counts tokens for one completed turn.
type ThreadUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

// ThreadError carries turn.failed and transport error details.
type ThreadError struct {
	Message string `json:"message"`
}

// ThreadEvent is one event of the SDK's streamed turn. Transport failures
// are delivered as a final error-typed event before the stream closes.
type ThreadEvent struct {
	Type     string       `json:"type"`
	ThreadID string       `json:"thread_id,omitempty"`
	Item     *ThreadItem  `json:"item,omitempty"`
	Usage    *ThreadUsage `json:"usage,omitempty"`
	Error    *ThreadError `json:"error,omitempty"`
}
