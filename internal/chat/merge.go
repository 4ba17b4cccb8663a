package chat

import (
	"strings"

	"github.com/lunarc/aika/internal/protocol"
)

// Accumulator collects the streamed text and side-channel metadata of one
// turn. Metadata fields are sticky: once set they survive later partial
// updates, and a replacement only lands when it is itself non-empty.
type Accumulator struct {
	text    strings.Builder
	meta    protocol.ChatMetadata
	hasMeta bool
}

// AppendChunk concatenates one streamed fragment in arrival order
func (a *Accumulator) AppendChunk(chunk string) {
	a.text.WriteString(chunk)
}

// SetText replaces the accumulated text (REST path, where the full reply
// arrives at once)
func (a *Accumulator) SetText(text string) {
	a.text.Reset()
	a.text.WriteString(text)
}

// Text returns the accumulated reply text
func (a *Accumulator) Text() string {
	return a.text.String()
}

// MergeMetadata folds incoming side-channel fields into the accumulator.
// Each field keeps its existing value unless the incoming one is non-empty.
func (a *Accumulator) MergeMetadata(in protocol.ChatMetadata) {
	if len(in.Memories) > 0 {
		a.meta.Memories = in.Memories
		a.hasMeta = true
	}
	if len(in.KnowledgeBaseSources) > 0 {
		a.meta.KnowledgeBaseSources = in.KnowledgeBaseSources
		a.hasMeta = true
	}
	if in.ToolResult != "" {
		a.meta.ToolResult = in.ToolResult
		a.hasMeta = true
	}
	if in.SuperpowerName != "" {
		a.meta.SuperpowerName = in.SuperpowerName
		a.hasMeta = true
	}
	if in.MediaItem != nil {
		a.meta.MediaItem = in.MediaItem
		a.hasMeta = true
	}
	if in.FileSearchResult != nil {
		a.meta.FileSearchResult = in.FileSearchResult
		a.hasMeta = true
	}
}

// Metadata returns the merged side-channel, or nil when nothing was set
func (a *Accumulator) Metadata() *protocol.ChatMetadata {
	if !a.hasMeta {
		return nil
	}
	meta := a.meta
	return &meta
}
