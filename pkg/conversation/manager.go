package conversation

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/dotsetgreg/ctxkeeper/pkg/config"
	"github.com/dotsetgreg/ctxkeeper/pkg/tokens"
)

// State is the compression cascade state. The cascade is strictly
// Normal -> Pruning -> Compacting -> Truncating -> Normal; cheaper stages
// always run first.
type State string

const (
	StateNormal     State = "normal"
	StatePruning    State = "pruning"
	StateCompacting State = "compacting"
	StateTruncating State = "truncating"
)

// nextState is the total transition function of the cascade. resolved
// means the current stage brought usage back under the truncate threshold
// (or, from Normal, that no compression is needed at all).
func nextState(cur State, resolved, hasSummarizer bool) State {
	switch cur {
	case StateNormal:
		if resolved {
			return StateNormal
		}
		return StatePruning
	case StatePruning:
		if resolved {
			return StateNormal
		}
		if hasSummarizer {
			return StateCompacting
		}
		return StateTruncating
	case StateCompacting:
		if resolved {
			return StateNormal
		}
		return StateTruncating
	default: // StateTruncating
		return StateNormal
	}
}

// ManageResult reports what one ManageContext run did.
type ManageResult struct {
	Action        Method
	Before        tokens.TokenUsage
	After         tokens.TokenUsage
	RemovedTokens int
	CheckpointID  string
}

// Manager owns the live message buffer for one session and drives the
// compression cascade. Callers serialize access per session; the manager
// provides no internal locking.
type Manager struct {
	sessionID   string
	cfg         config.Context
	budget      *tokens.Budget
	compactor   *Compactor
	checkpoints *CheckpointManager
	summarize   SummarizeFunc
	sumTimeout  time.Duration
	log         *slog.Logger

	state               State
	messages            []Message
	lastCheckpointIndex int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSummarizer wires the AI summarization collaborator. timeout bounds
// each call so a stalled summarizer cannot block the cascade's fall
// through to truncate.
func WithSummarizer(fn SummarizeFunc, timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.summarize = fn
		m.sumTimeout = timeout
	}
}

// WithCheckpoints wires automatic and truncation checkpoints.
func WithCheckpoints(cm *CheckpointManager) ManagerOption {
	return func(m *Manager) { m.checkpoints = cm }
}

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager validates cfg and returns a Manager for one session.
func NewManager(sessionID string, cfg config.Context, opts ...ManagerOption) (*Manager, error) {
	budget, err := tokens.NewBudget(cfg)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		sessionID: sessionID,
		cfg:       cfg,
		budget:    budget,
		state:     StateNormal,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m.compactor = NewCompactor(m.log)
	return m, nil
}

// SessionID returns the owning session.
func (m *Manager) SessionID() string { return m.sessionID }

// State returns the current cascade state.
func (m *Manager) State() State { return m.state }

// Messages returns a copy of the audit-complete buffer.
func (m *Manager) Messages() []Message { return CloneMessages(m.messages) }

// EffectiveMessages returns the model-facing view of the buffer.
func (m *Manager) EffectiveMessages() []Message { return EffectiveHistory(m.messages) }

// SetMessages replaces the buffer wholesale, e.g. after a checkpoint
// restore.
func (m *Manager) SetMessages(msgs []Message) {
	m.messages = CloneMessages(msgs)
	m.lastCheckpointIndex = len(m.messages)
}

// Append adds messages to the buffer and creates an automatic checkpoint
// every CheckpointInterval appended messages. Checkpoint failures are
// logged, never fatal to the append.
func (m *Manager) Append(ctx context.Context, msgs ...Message) {
	m.messages = append(m.messages, msgs...)
	if m.checkpoints == nil || m.cfg.CheckpointInterval <= 0 {
		return
	}
	if len(m.messages)-m.lastCheckpointIndex < m.cfg.CheckpointInterval {
		return
	}
	usage := m.usage("", "")
	if _, err := m.checkpoints.Create(ctx, m.sessionID, "auto", m.messages, usage.Total); err != nil {
		m.log.Warn("auto checkpoint failed", "session_id", m.sessionID, "error", err)
		return
	}
	m.lastCheckpointIndex = len(m.messages)
}

// Usage computes current usage with the same inputs ManageContext uses.
func (m *Manager) Usage(systemPrompt, pendingPrompt string) tokens.TokenUsage {
	return m.usage(systemPrompt, pendingPrompt)
}

func (m *Manager) usage(systemPrompt, pendingPrompt string) tokens.TokenUsage {
	contents := make([]tokens.MessageContent, 0, len(m.messages)+1)
	if systemPrompt != "" {
		contents = append(contents, tokens.MessageContent{Role: string(RoleSystem), Content: systemPrompt})
	}
	contents = append(contents, ToContents(EffectiveHistory(m.messages))...)
	return m.budget.Usage(contents, pendingPrompt)
}

func (m *Manager) overTruncate(u tokens.TokenUsage) bool {
	return u.Percentage >= m.cfg.TruncateThreshold
}

// ManageContext runs the cascade: classify usage, always try prune first,
// compact only when a summarizer is wired and usage still calls for it,
// and finally truncate against MaxTokens * TruncateThreshold * 0.9 with an
// automatic recovery checkpoint. Every stage recomputes usage with the
// same systemPrompt/pendingPrompt as the first.
func (m *Manager) ManageContext(ctx context.Context, systemPrompt, pendingPrompt string) (ManageResult, error) {
	before := m.usage(systemPrompt, pendingPrompt)
	status := m.budget.CheckThresholds(before)
	res := ManageResult{Action: MethodNone, Before: before, After: before}

	m.state = nextState(StateNormal, status.Severity == tokens.SeverityNormal, m.summarize != nil)
	if m.state == StateNormal {
		return res, nil
	}

	// Prune stage: cheapest and least destructive, always attempted first
	// regardless of which threshold fired.
	prune := m.compactor.Prune(m.messages, PruneOptions{
		PreserveRecentRounds: m.cfg.PreserveRecentRounds,
		MinMessagesToKeep:    m.cfg.MessagesToKeep,
	})
	m.messages = prune.Messages
	usage := m.usage(systemPrompt, pendingPrompt)
	status = m.budget.CheckThresholds(usage)

	// Without a summarizer the only remaining stage is truncate, so prune
	// resolves anything below the truncate threshold. With one, compaction
	// is still on the table.
	pruneResolved := !status.ShouldTruncate
	if m.summarize != nil {
		pruneResolved = !status.ShouldCompact && !status.ShouldTruncate
	}
	m.state = nextState(StatePruning, pruneResolved, m.summarize != nil)
	if m.state == StateNormal {
		res.After = usage
		res.RemovedTokens = prune.RemovedTokens
		if prune.Affected > 0 {
			res.Action = MethodPruned
		}
		return res, nil
	}

	removed := prune.RemovedTokens

	if m.state == StateCompacting {
		cctx := ctx
		if m.sumTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, m.sumTimeout)
			defer cancel()
		}
		compact, err := m.compactor.Compact(cctx, m.messages, systemPrompt, m.summarize, CompactOptions{
			PreserveRecentRounds: m.cfg.PreserveRecentRounds,
		})
		if err != nil {
			// Summarization failure is not fatal; the cascade proceeds to
			// truncate.
			m.log.Warn("compact stage failed, falling through", "session_id", m.sessionID, "error", err)
		}
		if compact.Method == MethodCompacted {
			m.messages = compact.Messages
			removed += compact.RemovedTokens
			usage = m.usage(systemPrompt, pendingPrompt)
		}
		m.state = nextState(StateCompacting, !m.overTruncate(usage), true)
		if m.state == StateNormal {
			// The action reports the stage that actually changed the buffer;
			// a no-op or failed compact never claims the compacted action.
			switch {
			case compact.Method == MethodCompacted:
				res.Action = MethodCompacted
			case prune.Affected > 0:
				res.Action = MethodPruned
			default:
				res.Action = MethodNone
			}
			res.After = usage
			res.RemovedTokens = removed
			return res, nil
		}
	}

	// Truncate stage: destructive, so snapshot the pre-truncation buffer
	// first.
	if m.checkpoints != nil {
		cp, err := m.checkpoints.Create(ctx, m.sessionID, "pre-truncate", m.messages, usage.Total)
		if err != nil {
			m.log.Warn("pre-truncate checkpoint failed", "session_id", m.sessionID, "error", err)
		} else {
			res.CheckpointID = cp.ID
			m.lastCheckpointIndex = len(m.messages)
		}
	}

	target := int(float64(m.cfg.MaxTokens) * m.cfg.TruncateThreshold * defaultSafetyMargin)
	trunc := m.compactor.Truncate(m.messages, target, TruncateOptions{
		PreserveRecentRounds: m.cfg.PreserveRecentRounds,
		MinMessagesToKeep:    m.cfg.MessagesToKeep,
	})
	m.messages = CleanupOrphanedTags(trunc.Messages)
	m.state = nextState(StateTruncating, true, m.summarize != nil)

	res.Action = MethodTruncated
	res.After = m.usage(systemPrompt, pendingPrompt)
	res.RemovedTokens = removed + trunc.RemovedTokens
	return res, nil
}
