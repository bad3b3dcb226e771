package convai

import "encoding/json"

// Server event types.
const (
	eventInitiationMetadata = "conversation_initiation_metadata"
	eventUserTranscript     = "user_transcript"
	eventAgentResponse      = "agent_response"
	eventAudio              = "audio"
	eventInterruption       = "interruption"
	eventPing               = "ping"
	eventClientToolCall     = "client_tool_call"
)

// Client message types.
const (
	msgInitiation     = "conversation_initiation_client_data"
	msgPong           = "pong"
	msgToolResult     = "client_tool_result"
	msgUserActivity   = "user_activity"
	userAudioChunkKey = "user_audio_chunk"
)

type serverEvent struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
		UserInputFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	UserTranscript *struct {
		Text string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponse *struct {
		Text string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	Audio *struct {
		Base64  string `json:"audio_base_64"`
		EventID int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`

	Ping *struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event,omitempty"`

	ToolCall *struct {
		Name       string          `json:"tool_name"`
		CallID     string          `json:"tool_call_id"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"client_tool_call,omitempty"`
}

type initiationMessage struct {
	Type string `json:"type"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

type toolResultMessage struct {
	Type    string `json:"type"`
	CallID  string `json:"tool_call_id"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

type userActivityMessage struct {
	Type string `json:"type"`
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}
