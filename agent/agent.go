// Package agent runs the admin's DM-driven tool-use loop: each admin message
// starts a bounded loop of model calls and tool executions that ends when the
// model replies, ends its turn, or hits the iteration cap.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/mwestra/chronicle/config"
	"github.com/mwestra/chronicle/llm"
	"github.com/mwestra/chronicle/tools"
)

// LLM is the tool-chat surface of the dispatcher.
type LLM interface {
	ToolChat(ctx context.Context, req llm.ToolChatRequest) (llm.ToolChatResponse, error)
}

const systemPrompt = `You are the operations assistant of a Discord community intelligence bot, talking to its admin over DM.

You can inspect the indexed message corpus, look up members, check bot health, refresh media URLs, and share posts to social platforms. Use tools to gather facts before answering; never invent message content or statistics.

Finish every turn by calling exactly one of:
- reply: send your answer to the admin.
- end_turn: when no response is needed.`

// Agent owns the admin conversation. One turn runs at a time; concurrent
// DMs queue on the mutex.
type Agent struct {
	llm    LLM
	reg    *tools.Registry
	send   tools.SendFunc
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	history []llm.ToolMessage
}

func New(lc LLM, reg *tools.Registry, send tools.SendFunc, cfg *config.Config, logger *slog.Logger) *Agent {
	return &Agent{
		llm:    lc,
		reg:    reg,
		send:   send,
		cfg:    cfg,
		logger: logger.With("component", "agent"),
	}
}

// HandleDM consumes a DM when it comes from the admin. Non-admin DMs are
// left for other handlers.
func (a *Agent) HandleDM(ctx context.Context, e *discordgo.MessageCreate) bool {
	if e.GuildID != "" || e.Author == nil || e.Author.Bot || e.Author.ID != a.cfg.Bot.AdminUserID {
		return false
	}
	if err := a.Handle(ctx, e.Content); err != nil {
		a.logger.Error("agent turn failed", "error", err)
		if serr := a.send(fmt.Sprintf("I couldn't finish that: %v", err)); serr != nil {
			a.logger.Error("agent error notice failed", "error", serr)
		}
	}
	return true
}

// Handle runs one tool-use turn for the admin's message.
func (a *Agent) Handle(ctx context.Context, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reg.Reset()
	a.history = append(a.history, llm.ToolMessage{Role: "user", Text: content})
	defer a.trimHistory()

	for iter := 0; iter < a.cfg.Agent.MaxToolIterations; iter++ {
		resp, err := a.llm.ToolChat(ctx, llm.ToolChatRequest{
			Model:    a.cfg.Agent.Model,
			System:   systemPrompt,
			Messages: a.history,
			Tools:    a.reg.Definitions(),
		})
		if err != nil {
			return fmt.Errorf("tool chat: %w", err)
		}
		a.history = append(a.history, llm.ToolMessage{
			Role:     "assistant",
			Text:     resp.Text,
			ToolUses: resp.ToolUses,
		})
		if len(resp.ToolUses) == 0 {
			// Model answered in prose instead of the reply tool.
			if resp.Text != "" {
				if err := a.send(resp.Text); err != nil {
					return fmt.Errorf("send prose reply: %w", err)
				}
			}
			return nil
		}

		results := make([]llm.ToolResult, 0, len(resp.ToolUses))
		for _, tu := range resp.ToolUses {
			out, err := a.reg.Dispatch(ctx, tu.Name, tu.Input)
			if err != nil {
				a.logger.Warn("tool failed", "tool", tu.Name, "error", err)
				results = append(results, llm.ToolResult{
					ToolUseID: tu.ID,
					Content:   err.Error(),
					IsError:   true,
				})
				continue
			}
			results = append(results, llm.ToolResult{ToolUseID: tu.ID, Content: out})
		}
		a.history = append(a.history, llm.ToolMessage{Role: "user", ToolResults: results})

		if a.reg.Replied || a.reg.Ended {
			return nil
		}
	}
	a.logger.Warn("iteration cap reached", "cap", a.cfg.Agent.MaxToolIterations)
	return nil
}

// trimHistory caps the conversation to 2x the configured turn count and
// drops leading entries that would orphan tool results.
func (a *Agent) trimHistory() {
	limit := 2 * a.cfg.Agent.MaxTurns
	if len(a.history) > limit {
		a.history = a.history[len(a.history)-limit:]
	}
	for len(a.history) > 0 {
		first := a.history[0]
		if first.Role == "user" && len(first.ToolResults) == 0 {
			break
		}
		a.history = a.history[1:]
	}
}
