package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/logx"
)

// Executor runs a single attempt for a single term and records it in the
// search context. It never retries and never returns an error: failures are
// captured in the returned SearchAttempt.
type Executor struct {
	store Store
	pub   bus.Publisher
	agent string
	now   func() time.Time
}

func NewExecutor(store Store, pub bus.Publisher) *Executor {
	if pub == nil {
		pub = bus.Discard{}
	}
	return &Executor{store: store, pub: pub, agent: bus.AgentPricing, now: time.Now}
}

// Execute generates, validates and runs the query for (term, attempt).
func (e *Executor) Execute(ctx context.Context, sc *SearchContext, term string, attempt int) ([]PriceRecord, SearchAttempt) {
	query := GenerateQuery(term, attempt)

	e.pub.Publish(bus.NewMessage(e.agent, bus.AgentSystem, bus.TypeQuery, sc.ConversationID,
		bus.NewSearchAttempt(attempt, term, query)))

	a := SearchAttempt{Attempt: attempt, Term: term, Query: query}
	start := e.now()

	if err := ValidateQuery(query); err != nil {
		a.Error = err.Error()
		a.ErrorType = ErrorTypeValidation
		a = sc.record(a)
		e.publishError(sc, a)
		logx.Warn().Str("term", term).Int("attempt", attempt).Err(err).Msg("query rejected")
		return nil, a
	}

	rows, err := e.store.ExecuteSQL(ctx, query)
	elapsed := e.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	a.ExecutionTime = elapsed
	a.ExecutionMS = elapsed.Milliseconds()

	if err != nil {
		a.ErrorType = Classify(err)
		if a.ErrorType == ErrorTypeTimeout {
			a.Error = fmt.Sprintf("query timeout after %dms: %v", a.ExecutionMS, err)
		} else {
			a.Error = err.Error()
		}
		a = sc.record(a)
		e.publishError(sc, a)
		logx.Warn().Str("term", term).Int("attempt", attempt).Str("error_type", string(a.ErrorType)).Err(err).Msg("query failed")
		return nil, a
	}

	a.Success = true
	a.Results = rows
	a.MatchCount = len(rows)
	if len(rows) == 0 {
		a.ErrorType = ErrorTypeNoResults
	} else {
		a.BestMatch = &BestMatch{Name: rows[0].ProductName, Similarity: rows[0].Score()}
	}
	a = sc.record(a)

	logx.Debug().Str("term", term).Int("attempt", attempt).Int("rows", len(rows)).Dur("elapsed", elapsed).Msg("query executed")
	return rows, a
}

func (e *Executor) publishError(sc *SearchContext, a SearchAttempt) {
	e.pub.Publish(bus.NewMessage(e.agent, bus.AgentSystem, bus.TypeError, sc.ConversationID,
		bus.NewSearchError(a.Attempt, a.Term, a.Error, string(a.ErrorType))))
}
