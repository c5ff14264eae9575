package flow

// Config is the top-level structure of a flow definition file.
//
// Example:
//
//	initial_node: rapport_building
//	nodes:
//	  rapport_building:
//	    role_messages:
//	      - role: system
//	        content: "You are a friendly lead qualification assistant."
//	    task_messages:
//	      - role: system
//	        content: "Greet the caller warmly and ask for their name."
//	    functions:
//	      - name: collect_name
//	        description: "Record the caller's name"
//	        handler: collect_lead_fields
//	        parameters:
//	          type: object
//	          properties:
//	            name: {type: string}
//	          required: [name]
//	        transition_to: identify_use_case
type Config struct {
	// InitialNode names the node the conversation starts in.
	InitialNode string `yaml:"initial_node"`

	// Nodes is the node table, keyed by node name.
	Nodes map[string]Node `yaml:"nodes"`
}

// Node is one state of the conversation: the persona and task prompts in
// force while the node is active, the tools the model may call, and the
// actions run when the node is entered.
type Node struct {
	// RoleMessages set the assistant's persona. A node without role
	// messages inherits them from the last node that had any.
	RoleMessages []Message `yaml:"role_messages"`

	// TaskMessages describe what the assistant should accomplish in this
	// node.
	TaskMessages []Message `yaml:"task_messages"`

	// Functions are the tools exposed to the model while the node is
	// active.
	Functions []Function `yaml:"functions"`

	// PreActions run when the node is entered, before its prompts take
	// effect.
	PreActions []Action `yaml:"pre_actions"`

	// PostActions run after the node's prompts are in place.
	PostActions []Action `yaml:"post_actions"`
}

// Message is one prompt message in a node definition.
type Message struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// Function declares one tool the model may call in a node.
type Function struct {
	// Name is the tool name presented to the model. Unique within a node.
	Name string `yaml:"name"`

	// Description tells the model when to call the tool.
	Description string `yaml:"description"`

	// Parameters is the tool's JSON-schema argument description.
	Parameters map[string]any `yaml:"parameters"`

	// Handler names the registered handler that runs the call. Empty
	// falls back to a handler registered under the function name, or to
	// echoing the arguments when none exists.
	Handler string `yaml:"handler"`

	// TransitionTo names the node entered after a successful call. The
	// handler may override it per call.
	TransitionTo string `yaml:"transition_to"`
}

// Action types runnable from a node's pre_actions and post_actions.
const (
	// ActionSay speaks the action's Text directly through TTS, bypassing
	// the model.
	ActionSay = "tts_say"

	// ActionEndConversation winds the call down once pending speech has
	// played out.
	ActionEndConversation = "end_conversation"
)

var knownActionTypes = map[string]bool{
	ActionSay:             true,
	ActionEndConversation: true,
}

// Action is one side effect run on node entry.
type Action struct {
	// Type selects the action. One of the Action constants.
	Type string `yaml:"type"`

	// Text is the utterance for tts_say actions.
	Text string `yaml:"text"`
}
