// Package agent implements the tool-calling conversation loop.
//
// A turn annotates the user's message with the current time, appends it
// to the owner's history and then alternates between the model and the
// tool registry until respond_to_user produces the reply or the depth
// ceiling is reached.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/aide/internal/events"
	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/prompts"
	"github.com/nugget/aide/internal/timezone"
	"github.com/nugget/aide/internal/tools"
)

// Fixed replies.
const (
	// ApologyMessage ends a turn the model could not finish.
	ApologyMessage = "Извините, произошла ошибка при обработке запроса."

	// AuthRequiredMessage ends a turn that hit an unauthenticated
	// integration.
	AuthRequiredMessage = "🔐 Для доступа к вашим данным необходима авторизация в Google.\n\nВыполните команду /auth, чтобы подключить Google Calendar и Tasks."
)

// Outcome says how a turn ended.
type Outcome int

const (
	// OutcomeReply is a normal reply, from respond_to_user or from
	// plain assistant content.
	OutcomeReply Outcome = iota
	// OutcomeAuthRequired means a tool reported not_authorized.
	OutcomeAuthRequired
	// OutcomeConfirmation means a tool parked an action that the owner
	// must confirm.
	OutcomeConfirmation
	// OutcomeDepthExceeded means the model never called the terminal
	// tool.
	OutcomeDepthExceeded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReply:
		return "reply"
	case OutcomeAuthRequired:
		return "auth_required"
	case OutcomeConfirmation:
		return "confirmation"
	case OutcomeDepthExceeded:
		return "depth_exceeded"
	}
	return "unknown"
}

// Reply is the result of a turn.
type Reply struct {
	Text    string
	Outcome Outcome

	// ConfirmationID is set for OutcomeConfirmation.
	ConfirmationID string

	// LLMCalls counts model invocations made by the turn.
	LLMCalls int
}

// History is the slice of the conversation store the loop needs.
type History interface {
	Lock(owner int64) func()
	Get(ctx context.Context, owner int64) ([]llm.Message, error)
	Append(ctx context.Context, owner int64, msgs ...llm.Message) error
	SetSystemMessage(ctx context.Context, owner int64, content string) (bool, error)
}

// ToolExecutor lists and runs tools.
type ToolExecutor interface {
	List() []map[string]any
	Execute(ctx context.Context, name string, owner int64, args map[string]any) (tools.Result, error)
}

// Config tunes the loop.
type Config struct {
	Model       string
	Temperature float64

	// MaxDepth is the deepest tool round allowed. The model is called
	// at most MaxDepth+1 times per turn.
	MaxDepth int

	// Markdown selects the system prompt's formatting rules.
	Markdown bool
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{Temperature: 0.7, MaxDepth: 5}
}

func (c *Config) applyDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 5
	}
}

// Request is one inbound user message.
type Request struct {
	Owner int64
	Text  string

	// Timezone is the owner's timezone name or offset; "" if unknown.
	Timezone string

	// Resume retries a turn whose user message is already in the
	// history. Text is not appended again.
	Resume bool
}

// Loop runs conversation turns.
type Loop struct {
	client  llm.Client
	history History
	tools   ToolExecutor
	bus     *events.Bus
	config  Config
	logger  *slog.Logger

	now func() time.Time
}

// New creates a loop. bus may be nil.
func New(client llm.Client, history History, registry ToolExecutor, bus *events.Bus, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Loop{
		client:  client,
		history: history,
		tools:   registry,
		bus:     bus,
		config:  cfg,
		logger:  logger.With("component", "agent"),
		now:     time.Now,
	}
}

// Run executes one turn for req.Owner. Turns for the same owner are
// serialized.
//
// A *retry.RateLimitSignal from the model stays reachable through
// errors.As so the caller can tell the user to wait. Other model errors
// and an unknown tool name fail the turn. Tool execution errors do not;
// they are reported to the model as error envelopes.
func (l *Loop) Run(ctx context.Context, req Request) (*Reply, error) {
	unlock := l.history.Lock(req.Owner)
	defer unlock()

	start := l.now()
	log := l.logger.With("owner", req.Owner)

	loc := timezone.ParseOr(req.Timezone, nil)
	if _, err := l.history.SetSystemMessage(ctx, req.Owner, prompts.SystemPrompt(req.Timezone, l.config.Markdown)); err != nil {
		return nil, err
	}

	if !req.Resume {
		userMsg := llm.Message{Role: llm.RoleUser, Content: Annotate(start, loc, req.Text)}
		if err := l.history.Append(ctx, req.Owner, userMsg); err != nil {
			return nil, err
		}
	}

	toolCtx := tools.WithTimezone(ctx, req.Timezone)
	toolDefs := l.tools.List()

	reply, err := l.loop(ctx, toolCtx, log, req.Owner, toolDefs)
	if err != nil {
		log.Warn("turn failed", "error", err, "elapsed", time.Since(start))
		return nil, err
	}

	elapsed := l.now().Sub(start)
	log.Info("turn complete",
		"outcome", reply.Outcome.String(),
		"llm_calls", reply.LLMCalls,
		"elapsed", elapsed,
	)
	l.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"owner":      req.Owner,
		"llm_calls":  reply.LLMCalls,
		"outcome":    reply.Outcome.String(),
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return reply, nil
}

func (l *Loop) loop(ctx, toolCtx context.Context, log *slog.Logger, owner int64, toolDefs []map[string]any) (*Reply, error) {
	for depth := 0; ; depth++ {
		if depth > l.config.MaxDepth {
			log.Warn("tool depth exceeded", "depth", depth)
			return &Reply{Text: ApologyMessage, Outcome: OutcomeDepthExceeded, LLMCalls: depth}, nil
		}

		history, err := l.history.Get(ctx, owner)
		if err != nil {
			return nil, err
		}

		log.Log(ctx, llm.LevelTrace, "calling LLM", "depth", depth, "messages", len(history))
		resp, err := l.client.Chat(ctx, llm.Request{
			Model:       l.config.Model,
			Messages:    StripStaleAnnotations(history),
			Tools:       toolDefs,
			Temperature: l.config.Temperature,
			Owner:       owner,
			Purpose:     llm.PurposeTurn,
		})
		if err != nil {
			return nil, fmt.Errorf("chat (depth %d): %w", depth, err)
		}
		calls := depth + 1

		msg := resp.Message
		msg.Role = llm.RoleAssistant

		if len(msg.ToolCalls) == 0 {
			// The model answered without respond_to_user. Accept it.
			text := msg.Content
			if text == "" {
				text = ApologyMessage
			}
			msg.Content = text
			if err := l.history.Append(ctx, owner, msg); err != nil {
				return nil, err
			}
			return &Reply{Text: text, Outcome: OutcomeReply, LLMCalls: calls}, nil
		}

		round := []llm.Message{msg}
		reply, err := l.dispatch(toolCtx, log, owner, msg.ToolCalls, &round)
		if err != nil {
			return nil, err
		}
		if err := l.history.Append(ctx, owner, round...); err != nil {
			return nil, err
		}
		if reply != nil {
			reply.LLMCalls = calls
			return reply, nil
		}
	}
}

// dispatch executes calls in order, appending one tool message per call
// to round. A non-nil reply ends the turn; calls after the ending one
// are answered with a skipped envelope so the history stays well
// formed.
func (l *Loop) dispatch(ctx context.Context, log *slog.Logger, owner int64, calls []llm.ToolCall, round *[]llm.Message) (*Reply, error) {
	var reply *Reply
	for _, tc := range calls {
		name := tc.Function.Name
		if reply != nil {
			*round = append(*round, toolMessage(tc.ID, tools.Failure("skipped", "").Content()))
			continue
		}

		args, ok := tools.DecodeArguments(tc.Function.Arguments)
		if !ok {
			log.Warn("malformed tool arguments, using empty object", "tool", name)
		}

		started := time.Now()
		res, err := l.tools.Execute(ctx, name, owner, args)
		var notFound *tools.ErrToolNotFound
		if errors.As(err, &notFound) {
			return nil, err
		}
		if err != nil {
			log.Warn("tool failed", "tool", name, "error", err)
			res = tools.Failure("execution_failed", err.Error())
		}
		l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
			"owner":       owner,
			"tool":        name,
			"ok":          res.Kind != tools.KindError && res.Kind != tools.KindAuthRequired,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		log.Debug("tool executed", "tool", name, "result", res.Kind.String(), "elapsed", time.Since(started))

		*round = append(*round, toolMessage(tc.ID, res.Content()))

		switch res.Kind {
		case tools.KindTerminal:
			text := res.Text
			if text == "" {
				text = ApologyMessage
			}
			reply = &Reply{Text: text, Outcome: OutcomeReply}
		case tools.KindAuthRequired:
			reply = &Reply{Text: AuthRequiredMessage, Outcome: OutcomeAuthRequired}
		case tools.KindConfirmation:
			reply = &Reply{Text: res.Text, Outcome: OutcomeConfirmation, ConfirmationID: res.ConfirmationID}
		}
	}
	return reply, nil
}

func toolMessage(id, content string) llm.Message {
	return llm.Message{Role: llm.RoleTool, ToolCallID: id, Content: content}
}
