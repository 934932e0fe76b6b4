package pricing

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/canasta/internal/bus"
)

var termInQuery = regexp.MustCompile(`'%?([^'%]*)%?'`)

// strategyOf recovers the attempt strategy from generated SQL.
func strategyOf(query string) int {
	switch {
	case strings.Contains(query, "search_ingredients_v3("):
		return 4
	case strings.Contains(query, " AS similarity"):
		return 3
	case strings.Contains(query, "ILIKE"):
		return 2
	default:
		return 1
	}
}

func termOf(query string) string {
	m := termInQuery.FindStringSubmatch(query)
	if m == nil {
		return ""
	}
	return m[1]
}

type fakeStore struct {
	mu      sync.Mutex
	queries []string
	respond func(term string, strategy int) ([]PriceRecord, error)
}

func (f *fakeStore) ExecuteSQL(_ context.Context, query string) ([]PriceRecord, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	return f.respond(termOf(query), strategyOf(query))
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type sleepRecorder struct {
	durations []time.Duration
	err       error
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.durations = append(r.durations, d)
	return r.err
}

func row(name string, price float64) PriceRecord {
	return PriceRecord{ProductName: name, AveragePrice: price, Unit: "kg", Division: "Alimentos"}
}

func newTestSearcher(store Store, b *bus.Bus, sleeper *sleepRecorder, opts ...Option) *Searcher {
	all := append([]Option{WithSleep(sleeper.sleep)}, opts...)
	return NewSearcher(store, b, all...)
}

func TestSearch_AllExactOnFirstAttempt(t *testing.T) {
	store := &fakeStore{respond: func(term string, strategy int) ([]PriceRecord, error) {
		if strategy == 1 {
			return []PriceRecord{row(strings.ToUpper(term[:1])+term[1:], 30)}, nil
		}
		return nil, nil
	}}
	sleeper := &sleepRecorder{}
	s := newTestSearcher(store, bus.New(), sleeper)

	res, err := s.Search(context.Background(), "th-1", "frijol, bolillo, queso")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"frijol", "bolillo", "queso"}, res.FoundTerms)
	assert.Len(t, res.Attempts, 3)
	assert.Equal(t, 3, store.calls())
	assert.Empty(t, sleeper.durations)

	for i, a := range res.Attempts {
		assert.Equal(t, 1, a.Attempt)
		assert.Equal(t, i+1, a.Sequence)
		assert.True(t, a.Success)
		require.NotNil(t, a.BestMatch)
	}

	resp, err := Format(res, time.Now())
	require.NoError(t, err)
	assert.Len(t, resp.Metadata.FoundTerms, 3)
	assert.Equal(t, 3, resp.Metadata.TotalIngredientsFound)
}

func TestSearch_NeverFoundStopsAtAttemptCap(t *testing.T) {
	store := &fakeStore{respond: func(string, int) ([]PriceRecord, error) { return nil, nil }}
	sleeper := &sleepRecorder{}
	s := newTestSearcher(store, bus.New(), sleeper)

	res, err := s.Search(context.Background(), "th-1", "unicornio")
	require.NoError(t, err)

	assert.Equal(t, StatusError, res.Status)
	assert.Empty(t, res.FoundTerms)
	assert.Empty(t, res.Records)
	assert.Equal(t, []string{"unicornio"}, res.MissingTerms)
	require.Len(t, res.Attempts, DefaultMaxAttempts)
	for i, a := range res.Attempts {
		assert.Equal(t, i+1, a.Attempt)
		assert.Equal(t, ErrorTypeNoResults, a.ErrorType)
	}
	assert.Equal(t, DefaultMaxAttempts, store.calls())

	// No pause after the final attempt.
	assert.Equal(t, []time.Duration{DefaultBackoff, DefaultBackoff}, sleeper.durations)
}

func TestSearch_RaisedCapReachesProcedureFallback(t *testing.T) {
	store := &fakeStore{respond: func(string, int) ([]PriceRecord, error) { return nil, nil }}
	s := newTestSearcher(store, bus.New(), &sleepRecorder{}, WithMaxAttempts(4))

	res, err := s.Search(context.Background(), "th-1", "unicornio")
	require.NoError(t, err)

	require.Len(t, res.Attempts, 4)
	assert.Contains(t, res.Attempts[3].Query, "search_ingredients_v3('unicornio', 0.3)")
	for _, a := range res.Attempts {
		assert.Contains(t, []ErrorType{ErrorTypeNoResults, ErrorTypeValidation}, a.ErrorType)
	}
	assert.Equal(t, StatusError, res.Status)
}

func TestSearch_PartialSuccess(t *testing.T) {
	store := &fakeStore{respond: func(term string, strategy int) ([]PriceRecord, error) {
		if term == "arroz" && strategy == 2 {
			return []PriceRecord{row("Arroz blanco", 28.5), row("Arroz integral", 35)}, nil
		}
		return nil, nil
	}}
	s := newTestSearcher(store, bus.New(), &sleepRecorder{})

	res, err := s.Search(context.Background(), "th-1", "arroz, minotauro")
	require.NoError(t, err)

	assert.Equal(t, StatusPartialSuccess, res.Status)
	assert.Equal(t, []string{"arroz"}, res.FoundTerms)
	assert.Equal(t, []string{"minotauro"}, res.MissingTerms)

	resp, err := Format(res, time.Now())
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Len(t, resp.Data["arroz"], 2)
	for _, r := range resp.Data["arroz"] {
		assert.Equal(t, "arroz", r.SearchTerm)
	}
}

func TestSearch_TimeoutOnEveryAttempt(t *testing.T) {
	store := &fakeStore{respond: func(string, int) ([]PriceRecord, error) {
		return nil, errors.New("canceling statement due to statement timeout")
	}}
	b := bus.New()
	s := newTestSearcher(store, b, &sleepRecorder{})

	res, err := s.Search(context.Background(), "th-9", "queso")
	require.NoError(t, err)

	assert.Equal(t, StatusError, res.Status)
	assert.Empty(t, res.FoundTerms)
	require.Len(t, res.Attempts, DefaultMaxAttempts)
	for _, a := range res.Attempts {
		assert.False(t, a.Success)
		assert.Equal(t, ErrorTypeTimeout, a.ErrorType)
		assert.Contains(t, a.Error, "query timeout after")
	}

	var timeouts int
	for _, m := range b.ByConversation("th-9") {
		if m.Type == bus.TypeError && strings.Contains(m.Content, `"errorType":"timeout"`) {
			timeouts++
		}
	}
	assert.Equal(t, DefaultMaxAttempts, timeouts)
}

func TestSearch_RowsThatDoNotMatchTermAreRejected(t *testing.T) {
	store := &fakeStore{respond: func(term string, strategy int) ([]PriceRecord, error) {
		if strategy == 3 {
			return []PriceRecord{row("Frijol negro", 40)}, nil
		}
		return nil, nil
	}}
	b := bus.New()
	s := newTestSearcher(store, b, &sleepRecorder{})

	res, err := s.Search(context.Background(), "th-1", "arroz")
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Empty(t, res.Records)

	var rejected bool
	for _, m := range b.Snapshot() {
		if strings.Contains(m.Content, "none matched term: arroz") {
			rejected = true
			assert.Contains(t, m.Content, `"errorType":"validation"`)
		}
	}
	assert.True(t, rejected)
}

func TestSearch_EmptyPhrase(t *testing.T) {
	store := &fakeStore{respond: func(string, int) ([]PriceRecord, error) { return nil, nil }}
	s := newTestSearcher(store, bus.New(), &sleepRecorder{})

	for _, phrase := range []string{"", "   ", " , ,, "} {
		res, err := s.Search(context.Background(), "th-1", phrase)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrNoTerms)
		assert.Equal(t, ErrorTypeValidation, Classify(err))
	}
	assert.Zero(t, store.calls())
}

func TestSearch_DuplicateTermsCountedPerOccurrence(t *testing.T) {
	store := &fakeStore{respond: func(term string, strategy int) ([]PriceRecord, error) {
		return []PriceRecord{row("Arroz", 25)}, nil
	}}
	s := newTestSearcher(store, bus.New(), &sleepRecorder{})

	res, err := s.Search(context.Background(), "th-1", "arroz, arroz")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"arroz", "arroz"}, res.Terms)
	assert.Equal(t, []string{"arroz"}, res.FoundTerms)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 2, store.calls())
}

func TestSearch_CancelledSleepStopsRetries(t *testing.T) {
	store := &fakeStore{respond: func(string, int) ([]PriceRecord, error) { return nil, nil }}
	sleeper := &sleepRecorder{err: context.Canceled}
	s := newTestSearcher(store, bus.New(), sleeper)

	res, err := s.Search(context.Background(), "th-1", "arroz, pollo")
	require.NoError(t, err)

	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, 2, store.calls(), "one attempt per term")
	assert.Len(t, res.Attempts, 2)
}

func TestSearch_InvalidQueryNeverReachesStore(t *testing.T) {
	store := &fakeStore{respond: func(string, int) ([]PriceRecord, error) {
		return []PriceRecord{row("Crema para café", 20)}, nil
	}}
	s := newTestSearcher(store, bus.New(), &sleepRecorder{})

	// "create" survives sanitizing and trips the forbidden-operation check.
	res, err := s.Search(context.Background(), "th-1", "create")
	require.NoError(t, err)

	assert.Zero(t, store.calls())
	require.Len(t, res.Attempts, DefaultMaxAttempts)
	for _, a := range res.Attempts {
		assert.Equal(t, ErrorTypeValidation, a.ErrorType)
	}
}

func TestSearch_PublishesAttemptsOnBus(t *testing.T) {
	store := &fakeStore{respond: func(term string, strategy int) ([]PriceRecord, error) {
		if strategy == 2 {
			return []PriceRecord{row("Pollo entero", 60)}, nil
		}
		return nil, nil
	}}
	b := bus.New()
	s := newTestSearcher(store, b, &sleepRecorder{})

	_, err := s.Search(context.Background(), "th-7", "pollo")
	require.NoError(t, err)

	msgs := b.ByConversation("th-7")
	var queries, results int
	for _, m := range msgs {
		assert.Equal(t, bus.AgentPricing, m.From)
		switch bus.DecodeKind(m.Content) {
		case bus.KindSearchAttempt:
			queries++
			assert.Equal(t, bus.TypeQuery, m.Type)
		case bus.KindSearchResults:
			results++
			assert.Equal(t, bus.TypeResponse, m.Type)
		}
	}
	assert.Equal(t, 2, queries)
	assert.Equal(t, 1, results)
}

func TestAnswer_PublishesResponseToMainAgent(t *testing.T) {
	store := &fakeStore{respond: func(term string, strategy int) ([]PriceRecord, error) {
		return []PriceRecord{row("Jamón de pierna", 120)}, nil
	}}
	b := bus.New()
	now := time.Date(2025, 5, 4, 10, 0, 0, 0, time.UTC)
	s := newTestSearcher(store, b, &sleepRecorder{}, WithClock(func() time.Time { return now }))

	payload, err := s.Answer(context.Background(), "th-3", "jamón")
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"status":"success"`)
	assert.Contains(t, string(payload), `"query_time":"2025-05-04T10:00:00Z"`)

	msgs := b.ByConversation("th-3")
	last := msgs[len(msgs)-1]
	assert.Equal(t, bus.AgentMain, last.To)
	assert.Equal(t, bus.TypeResponse, last.Type)
	assert.Equal(t, bus.KindResponse, bus.DecodeKind(last.Content))
}

func TestAnswer_EmptyPhraseReturnsErrorPayload(t *testing.T) {
	s := newTestSearcher(&fakeStore{}, bus.New(), &sleepRecorder{})

	payload, err := s.Answer(context.Background(), "th-1", " , ")
	assert.ErrorIs(t, err, ErrNoTerms)
	assert.JSONEq(t, `{"status":"error","error":"validation: ingredient phrase contains no search terms"}`, string(payload))
}

func TestSplitTerms(t *testing.T) {
	assert.Equal(t, []string{"arroz", "jamón", "pollo"}, SplitTerms(" arroz,jamón , pollo,"))
	assert.Nil(t, SplitTerms(""))
}
