package protocol

import (
	"encoding/json"
	"time"
)

// Inbound frame types consumed by the client.
const (
	TypeChatMetadata       = "chat_metadata"
	TypeChatChunk          = "chat_chunk"
	TypeChatCancelled      = "chat_cancelled"
	TypeDownloadProgress   = "download_progress"
	TypeConvertProgress    = "convert_progress"
	TypeTranscribeProgress = "transcribe_progress"
)

// Outbound control frame types.
const (
	TypeRegisterDownload = "register_download"
	TypeChatMessage      = "chat_message"
	TypeCancelChat       = "cancel_chat"
)

// Progress status values shared by the download/convert/transcribe frame family.
const (
	StatusComplete = "complete"
	StatusError    = "error"
)

// Envelope is the single wire unit exchanged over the streaming connection.
// Every logical operation multiplexed on the connection correlates its frames
// with a session_id; type-specific payloads ride in Data.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// NewEnvelope creates an envelope with a marshalled payload.
// A nil data produces an envelope with no Data field.
func NewEnvelope(frameType, sessionID string, data interface{}) *Envelope {
	var raw json.RawMessage
	if data != nil {
		if bytes, err := json.Marshal(data); err == nil {
			raw = bytes
		}
	}

	return &Envelope{
		Type:      frameType,
		SessionID: sessionID,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// ParseEnvelope parses a raw frame. Callers treat a non-nil error as a frame
// to log and drop; parse failures never propagate past the transport.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodeData unmarshals the envelope payload into dst.
func (e *Envelope) DecodeData(dst interface{}) error {
	if e.Data == nil {
		return nil
	}
	return json.Unmarshal(e.Data, dst)
}

// ChatChunk is one streamed fragment of an assistant reply. Done marks the
// terminal frame for the stream; the chunk on a terminal frame may be empty.
type ChatChunk struct {
	Chunk string `json:"chunk"`
	Done  bool   `json:"done"`
}

// ChatMetadata carries the side-channel for a chat turn. It arrives at most
// once, before or interleaved with the first chunks.
type ChatMetadata struct {
	Memories             []Memory          `json:"memories,omitempty"`
	KnowledgeBaseSources []string          `json:"knowledge_base_sources,omitempty"`
	ToolResult           string            `json:"tool_result,omitempty"`
	SuperpowerName       string            `json:"superpower_name,omitempty"`
	MediaItem            *MediaItem        `json:"media_item,omitempty"`
	FileSearchResult     *FileSearchResult `json:"file_search_result,omitempty"`
}

// Memory is a retrieved memory record surfaced alongside a reply.
type Memory struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// MediaItem describes a media file referenced by a reply.
type MediaItem struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Kind  string `json:"kind,omitempty"`
}

// FileSearchResult describes a file-system search hit referenced by a reply.
type FileSearchResult struct {
	Path    string `json:"path"`
	Snippet string `json:"snippet,omitempty"`
}

// ProgressData is the payload of the download/convert/transcribe frame family.
type ProgressData struct {
	Status   string  `json:"status"`
	Percent  float64 `json:"percent,omitempty"`
	Message  string  `json:"message,omitempty"`
	Filename string  `json:"filename,omitempty"`
}

// ChatRequest is the turn context sent with a chat_message frame and, in the
// same shape, with the REST fallback request.
type ChatRequest struct {
	SessionID    string            `json:"session_id"`
	ThreadID     string            `json:"thread_id"`
	UserID       string            `json:"user_id,omitempty"`
	Message      string            `json:"message"`
	PersonaID    string            `json:"persona_id,omitempty"`
	VoiceEnabled bool              `json:"voice_enabled,omitempty"`
	Flags        map[string]bool   `json:"flags,omitempty"`
	HealthData   map[string]string `json:"health_data,omitempty"`
}

// ChatResponse is the REST fallback response: chat_metadata plus final text.
type ChatResponse struct {
	Text string `json:"text"`
	ChatMetadata
}
