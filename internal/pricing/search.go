// Package pricing resolves free-text ingredient phrases to catalog price rows.
//
// A phrase is split into terms; each term walks a ladder of progressively
// looser query strategies (exact, substring, trigram similarity, then the
// store's search procedure) until a row whose name matches the term appears
// or the per-term attempt cap is reached. Every attempt is recorded in the
// search context and mirrored to the agent message bus.
package pricing

import (
	"context"
	"strings"
	"time"

	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/logx"
)

// Option configures a Searcher.
type Option func(*Searcher)

// WithMaxAttempts caps the attempts per term. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(s *Searcher) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff sets the fixed pause between attempts on the same term.
func WithBackoff(d time.Duration) Option {
	return func(s *Searcher) {
		if d >= 0 {
			s.backoff = d
		}
	}
}

// WithSleep replaces the pause implementation.
func WithSleep(fn SleepFunc) Option {
	return func(s *Searcher) { s.sleep = fn }
}

// WithClock sets the time source used for execution timings and formatting.
func WithClock(now func() time.Time) Option {
	return func(s *Searcher) {
		s.now = now
		s.exec.now = now
	}
}

// WithReplyTo sets the recipient tag of response messages.
func WithReplyTo(agent string) Option {
	return func(s *Searcher) { s.replyTo = agent }
}

// Searcher is the recursive search orchestrator. It is safe for concurrent
// use; each Search call owns its own SearchContext.
type Searcher struct {
	exec        *Executor
	pub         bus.Publisher
	agent       string
	replyTo     string
	maxAttempts int
	backoff     time.Duration
	sleep       SleepFunc
	now         func() time.Time
}

func NewSearcher(store Store, pub bus.Publisher, opts ...Option) *Searcher {
	if pub == nil {
		pub = bus.Discard{}
	}
	s := &Searcher{
		exec:        NewExecutor(store, pub),
		pub:         pub,
		agent:       bus.AgentPricing,
		replyTo:     bus.AgentMain,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		sleep:       Sleep,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SplitTerms splits a phrase on commas, trims each piece and drops empties.
// Order and duplicates are preserved.
func SplitTerms(phrase string) []string {
	var terms []string
	for _, part := range strings.Split(phrase, ",") {
		if t := strings.TrimSpace(part); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

// Search resolves every term in phrase sequentially. Terms that exhaust
// their attempts contribute nothing; the status reflects how many terms
// were found.
func (s *Searcher) Search(ctx context.Context, conversationID, phrase string) (*Result, error) {
	terms := SplitTerms(phrase)
	if len(terms) == 0 {
		return nil, ErrNoTerms
	}

	sc := newSearchContext(conversationID, phrase)
	res := &Result{ConversationID: conversationID, Terms: terms}

	found := 0
	for _, term := range terms {
		rows, ok := s.searchTerm(ctx, sc, term)
		if !ok {
			res.MissingTerms = append(res.MissingTerms, term)
			continue
		}
		found++
		res.Records = append(res.Records, rows...)
	}

	res.Status = ComputeStatus(found, len(terms))
	res.FoundTerms = sc.FoundTerms()
	res.Attempts = sc.Attempts()

	logx.Info().
		Str("conversation", conversationID).
		Int("terms", len(terms)).
		Int("found", found).
		Int("records", len(res.Records)).
		Str("status", string(res.Status)).
		Msg("search complete")

	return res, nil
}

// Answer runs Search and returns the JSON payload handed back to the calling
// agent, publishing it on the bus. The payload is always valid JSON; err is
// non-nil only when the phrase had no terms.
func (s *Searcher) Answer(ctx context.Context, conversationID, phrase string) ([]byte, error) {
	res, err := s.Search(ctx, conversationID, phrase)
	if err != nil {
		payload := ErrorPayload(err.Error())
		s.pub.Publish(bus.NewMessage(s.agent, s.replyTo, bus.TypeError, conversationID,
			bus.NewResponse(string(StatusError), payload)))
		return payload, err
	}

	payload, formatted := Encode(res, s.now())
	typ := bus.TypeResponse
	if !formatted {
		typ = bus.TypeError
	}
	s.pub.Publish(bus.NewMessage(s.agent, s.replyTo, typ, conversationID,
		bus.NewResponse(string(res.Status), payload)))
	return payload, nil
}
