package kernel

import "github.com/threadkiln/threadkiln/pkg/models"

// compactionNote is the single System message inserted when compaction drops
// at least one non-System message. It is never duplicated: if a System
// message with this exact content already survives after the last User
// message, no additional note is inserted.
const compactionNote = "Earlier conversation history was compacted to fit the model's context window."

// compactMessages implements the one fixed recovery rule the agentic loop
// uses after a context-length-exceeded response from the provider: keep
// every System message regardless of position, and keep the last User
// message plus everything chronologically after it. Everything strictly
// before the last User message that isn't a System message is dropped.
//
// This is a pure function: same input always produces the same output, and
// running it again on its own output is a no-op when nothing would be
// dropped (idempotence), which is what lets the loop retry exactly once
// without compounding data loss across iterations.
func compactMessages(messages []models.ChatMessage) []models.ChatMessage {
	lastUserIdx := -1
	for i, m := range messages {
		if m.Role == models.ChatRoleUser {
			lastUserIdx = i
		}
	}

	if lastUserIdx < 0 {
		// No user message at all: nothing meaningful to anchor compaction
		// on, so only System messages survive.
		out := make([]models.ChatMessage, 0, len(messages))
		for _, m := range messages {
			if m.Role == models.ChatRoleSystem {
				out = append(out, m)
			}
		}
		return out
	}

	dropped := false
	out := make([]models.ChatMessage, 0, len(messages))
	anchorIdx := -1
	for i, m := range messages {
		if i >= lastUserIdx {
			if i == lastUserIdx {
				anchorIdx = len(out)
			}
			out = append(out, m)
			continue
		}
		if m.Role == models.ChatRoleSystem {
			out = append(out, m)
			continue
		}
		dropped = true
	}

	if !dropped {
		return out
	}

	// Insert exactly one compaction note. It must not duplicate a note
	// already present at or after the last User message (can happen if this
	// function is invoked twice against already-compacted history).
	for _, m := range out[anchorIdx:] {
		if m.Role == models.ChatRoleSystem && m.Content == compactionNote {
			return out
		}
	}

	note := models.ChatMessage{Role: models.ChatRoleSystem, Content: compactionNote}
	result := make([]models.ChatMessage, 0, len(out)+1)
	result = append(result, note)
	result = append(result, out...)
	return result
}
