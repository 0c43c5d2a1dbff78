package idle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctolnik/activity-agent/agent/model"
)

// Reasons are the answers an annotator may give, in display order.
var Reasons = []string{"Meeting", "Break", "Lunch", "Phone Call", "Away from Desk", "Other"}

var (
	ErrPromptNotFound = errors.New("prompt not found")
	ErrInvalidReason  = errors.New("invalid reason")
)

func ValidReason(reason string) bool {
	return slices.Contains(Reasons, reason)
}

// Annotation is the user's explanation for an idle session.
type Annotation struct {
	Reason string `json:"reason"`
	Note   string `json:"note,omitempty"`
}

// Annotator asks someone why the session happened. Implementations must
// return once ctx is done.
type Annotator interface {
	Annotate(ctx context.Context, session model.IdleSession) (Annotation, error)
}

// NoAnswer never answers; every session gets the default reason once the
// deadline passes.
type NoAnswer struct{}

func (NoAnswer) Annotate(ctx context.Context, _ model.IdleSession) (Annotation, error) {
	<-ctx.Done()
	return Annotation{}, ctx.Err()
}

// Annotate fills in session.Reason and session.Note. Sessions shorter than
// floor are not surfaced. A timeout, an error, an invalid reason or ctx
// cancellation all fall back to model.DefaultIdleReason.
func Annotate(ctx context.Context, a Annotator, session model.IdleSession, timeout, floor time.Duration, log *zap.Logger) model.IdleSession {
	if log == nil {
		log = zap.NewNop()
	}
	session.Reason = model.DefaultIdleReason
	session.Note = ""

	if a == nil || session.Duration() < floor || timeout <= 0 {
		return session
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ann, err := a.Annotate(ctx, session)
	switch {
	case err != nil:
		log.Debug("Idle session not annotated, using default reason",
			zap.Duration("idle", session.Duration()),
			zap.Error(err),
		)
	case !ValidReason(ann.Reason):
		log.Warn("Annotator returned unknown reason", zap.String("reason", ann.Reason))
	default:
		session.Reason = ann.Reason
		session.Note = ann.Note
	}
	return session
}

// Prompt is a pending question about one idle session.
type Prompt struct {
	ID        string            `json:"id"`
	Session   model.IdleSession `json:"session"`
	CreatedAt time.Time         `json:"created_at"`
}

type pendingPrompt struct {
	prompt Prompt
	answer chan Annotation
}

// PromptQueue is an Annotator whose questions are answered out of band,
// through the local status API.
type PromptQueue struct {
	now func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingPrompt
}

func NewPromptQueue() *PromptQueue {
	return &PromptQueue{
		now:     time.Now,
		pending: make(map[string]*pendingPrompt),
	}
}

func (q *PromptQueue) Annotate(ctx context.Context, session model.IdleSession) (Annotation, error) {
	p := &pendingPrompt{
		prompt: Prompt{
			ID:        uuid.NewString(),
			Session:   session,
			CreatedAt: q.now().UTC(),
		},
		answer: make(chan Annotation, 1),
	}

	q.mu.Lock()
	q.pending[p.prompt.ID] = p
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.pending, p.prompt.ID)
		q.mu.Unlock()
	}()

	select {
	case ann := <-p.answer:
		return ann, nil
	case <-ctx.Done():
		return Annotation{}, ctx.Err()
	}
}

// Pending lists open prompts, oldest first.
func (q *PromptQueue) Pending() []Prompt {
	q.mu.Lock()
	defer q.mu.Unlock()

	prompts := make([]Prompt, 0, len(q.pending))
	for _, p := range q.pending {
		prompts = append(prompts, p.prompt)
	}
	slices.SortFunc(prompts, func(a, b Prompt) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return prompts
}

// Answer resolves the prompt with id. A prompt can be answered once.
func (q *PromptQueue) Answer(id string, ann Annotation) error {
	if !ValidReason(ann.Reason) {
		return fmt.Errorf("%w: %q", ErrInvalidReason, ann.Reason)
	}

	q.mu.Lock()
	p, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()

	if !ok {
		return ErrPromptNotFound
	}
	p.answer <- ann
	return nil
}
