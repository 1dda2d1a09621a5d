package cmd

import (
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear the persisted conversation memory",
	}
	cmd.AddCommand(newHistoryShowCmd(), newHistoryClearCmd())
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	var asJSON bool
	var full bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the conversation memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conversation, err := loadConversation(cmd)
			if err != nil {
				return err
			}
			turns := conversation.Turns()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(turns)
			}
			writeTurns(cmd.OutOrStdout(), turns, full)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the turns as JSON")
	cmd.Flags().BoolVar(&full, "full", false, "do not abbreviate long turns")
	return cmd
}

func newHistoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget everything except the system prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conversation, err := loadConversation(cmd)
			if err != nil {
				return err
			}
			dropped := conversation.Len() - 1
			if err := conversation.Reset(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d turns from %s\n", dropped, conversation.Path())
			return nil
		},
	}
}

func loadConversation(cmd *cobra.Command) (*agent.ConversationStore, error) {
	cfg, err := configFrom(cmd)
	if err != nil {
		return nil, err
	}
	conversation := agent.NewConversationStore(cfg.Agent.MemoryPath, agent.SystemPrompt, observability.GetLogger())
	if err := conversation.Load(); err != nil {
		return nil, err
	}
	return conversation, nil
}

const turnPreviewChars = 300

func writeTurns(out io.Writer, turns []agent.ConversationTurn, full bool) {
	for i, turn := range turns {
		content := turn.Content
		if !full {
			content = abbreviate(content, turnPreviewChars)
		}
		fmt.Fprintf(out, "#%d %s\n%s\n\n", i, turn.Role, strings.TrimRight(content, "\n"))
	}
}

func abbreviate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + fmt.Sprintf(" ... (%d more chars)", len(runes)-max)
}
