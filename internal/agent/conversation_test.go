// File: internal/agent/conversation_test.go
package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConversationStore_StartsWithSystemTurn(t *testing.T) {
	store := NewConversationStore("", SystemPrompt, testLogger(t))
	turns := store.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, RoleSystem, turns[0].Role)
	assert.Equal(t, SystemPrompt, turns[0].Content)
}

func TestConversationStore_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	store := NewConversationStore(path, SystemPrompt, testLogger(t))
	require.NoError(t, store.Append(ConversationTurn{Role: RoleUser, Content: TaskPrompt("find rust")}))
	require.NoError(t, store.Append(ConversationTurn{Role: RoleAssistant, Content: `{"action":"Screenshot"}`}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  {\n    \"role\": \"system\"", "memory file is indented with two spaces")

	reloaded := NewConversationStore(path, "a different prompt", testLogger(t))
	require.NoError(t, reloaded.Load())
	if diff := cmp.Diff(store.Turns(), reloaded.Turns()); diff != "" {
		t.Errorf("reloaded conversation mismatch (-want +got):\n%s", diff)
	}
}

func TestConversationStore_LoadIgnoresUnusableFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantLog string
	}{
		{"corrupt", `{not json`, "corrupt"},
		{"empty array", `[]`, "does not start with a system turn"},
		{"wrong first role", `[{"role":"user","content":"hi"}]`, "does not start with a system turn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "memory.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			core, logs := observer.New(zapcore.WarnLevel)
			store := NewConversationStore(path, SystemPrompt, zap.New(core))
			require.NoError(t, store.Load())

			assert.Equal(t, 1, store.Len())
			require.Equal(t, 1, logs.Len())
			assert.Contains(t, logs.All()[0].Message, tt.wantLog)
		})
	}
}

func TestConversationStore_LoadMissingFile(t *testing.T) {
	store := NewConversationStore(filepath.Join(t.TempDir(), "nope.json"), SystemPrompt, testLogger(t))
	require.NoError(t, store.Load())
	assert.Equal(t, 1, store.Len())
}

func TestConversationStore_AppendKeepsTurnWhenPersistFails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	// The parent of the memory path is a regular file, so persisting fails.
	store := NewConversationStore(filepath.Join(blocker, "memory.json"), SystemPrompt, testLogger(t))
	err := store.Append(ConversationTurn{Role: RoleUser, Content: "hello"})
	require.Error(t, err)
	assert.Equal(t, 2, store.Len())
}

func TestConversationStore_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	store := NewConversationStore(path, SystemPrompt, testLogger(t))
	require.NoError(t, store.Append(ConversationTurn{Role: RoleUser, Content: "one"}))
	require.NoError(t, store.Append(ConversationTurn{Role: RoleAssistant, Content: "two"}))

	require.NoError(t, store.Reset())
	assert.Equal(t, 1, store.Len())

	reloaded := NewConversationStore(path, SystemPrompt, testLogger(t))
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 1, reloaded.Len())

	// Appending after a reset must not resurrect the old turns.
	require.NoError(t, store.Append(ConversationTurn{Role: RoleUser, Content: "three"}))
	turns := store.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "three", turns[1].Content)
}

func TestConversationStore_Window(t *testing.T) {
	store := NewConversationStore("", SystemPrompt, testLogger(t))
	for _, c := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.Append(ConversationTurn{Role: RoleUser, Content: c}))
	}

	contents := func(turns []ConversationTurn) []string {
		out := make([]string, len(turns))
		for i, t := range turns {
			out[i] = t.Content
		}
		return out
	}

	assert.Equal(t, []string{SystemPrompt, "a", "b", "c", "d"}, contents(store.Window(0)))
	assert.Equal(t, []string{SystemPrompt, "c", "d"}, contents(store.Window(2)))
	assert.Equal(t, []string{SystemPrompt, "a", "b", "c", "d"}, contents(store.Window(10)))
}
