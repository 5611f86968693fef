package suggest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"optionsflow/internal/types"
)

type memStore struct {
	mu          sync.Mutex
	suggestions []types.TradeSuggestion
	decisions   map[string]types.RiskDecision
}

func newMemStore() *memStore {
	return &memStore{decisions: make(map[string]types.RiskDecision)}
}

func (m *memStore) AppendSuggestion(_ context.Context, s types.TradeSuggestion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.suggestions {
		if existing.CandidateID == s.CandidateID {
			return false, nil
		}
	}
	m.suggestions = append(m.suggestions, s)
	return true, nil
}

func (m *memStore) SuggestionByCandidate(_ context.Context, id string) (types.TradeSuggestion, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.suggestions {
		if s.CandidateID == id {
			return s, true, nil
		}
	}
	return types.TradeSuggestion{}, false, nil
}

func (m *memStore) SaveDecision(_ context.Context, d types.RiskDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.Candidate.ID]; !ok {
		m.decisions[d.Candidate.ID] = d
	}
	return nil
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) AppendSuggestion(ctx context.Context, s types.TradeSuggestion) (bool, error) {
	args := m.Called(ctx, s)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) SuggestionByCandidate(ctx context.Context, id string) (types.TradeSuggestion, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.TradeSuggestion), args.Bool(1), args.Error(2)
}

func (m *mockStore) SaveDecision(ctx context.Context, d types.RiskDecision) error {
	return m.Called(ctx, d).Error(0)
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func approvedDecision() types.RiskDecision {
	cand := types.CandidateStrategy{
		ID:           "BTC/USDT|1h|42|oversold_bounce",
		Type:         "oversold_bounce",
		Instrument:   "BTC/USDT",
		Timeframe:    "1h",
		Direction:    types.DirectionLong,
		Confidence:   0.825,
		Entry:        100,
		StopLoss:     97,
		TakeProfit:   106,
		PositionSize: 0.1,
		Triggers: []types.Trigger{
			{Kind: "indicator", Name: "rsi_14", Value: 25, Strength: 0.75},
			{Kind: "pattern", Name: "wyckoff_spring", Value: 0.9, Strength: 0.9},
		},
		EventSeq:  42,
		CreatedAt: fixedNow.Add(-time.Minute),
	}
	return types.RiskDecision{
		Candidate:    cand,
		Outcome:      types.OutcomeAccepted,
		ApprovedSize: 0.1,
		RiskFraction: 0.003,
		RiskAmount:   0.3,
		RiskReward:   2,
		DecidedAt:    cand.CreatedAt,
	}
}

func newTestSuggester(t *testing.T, store Store) *Suggester {
	t.Helper()
	s, err := New(store, nil)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s
}

func TestFormatCarriesDecision(t *testing.T) {
	d := approvedDecision()
	sug := Format(d, "id-1", fixedNow)

	assert.Equal(t, "id-1", sug.ID)
	assert.Equal(t, fixedNow, sug.Timestamp)
	assert.Equal(t, d.Candidate.ID, sug.CandidateID)
	assert.Equal(t, 100.0, sug.Entry.Price)
	assert.Equal(t, 97.0, sug.Exit.StopLoss)
	assert.Equal(t, 106.0, sug.Exit.TakeProfit)
	assert.Equal(t, 0.1, sug.RiskMetrics.PositionSize)
	assert.Equal(t, 2.0, sug.RiskMetrics.RiskReward)
	assert.Equal(t, []string{"rsi_14", "pattern:wyckoff_spring"}, sug.IndicatorsTriggered)
	assert.Contains(t, sug.Entry.Rationale, "rsi_14=25.0000 (0.75)")
	assert.Contains(t, sug.Entry.Rationale, "pattern:wyckoff_spring (0.90)")
	assert.Contains(t, sug.Exit.Rationale, "rr 2.00")
	assert.NotContains(t, sug.Exit.Rationale, "->")
}

func TestFormatRescaledExplainsSize(t *testing.T) {
	d := approvedDecision()
	d.Candidate.PositionSize = 1
	d.Outcome = types.OutcomeRescaled
	d.Reasons = []types.ReasonCode{types.ReasonRescaledRisk}
	sug := Format(d, uuid.NewString(), fixedNow)
	assert.Contains(t, sug.Exit.Rationale, "size 1 -> 0.1 (rescaled_for_risk_per_trade)")
	require.NoError(t, Validate(sug))
}

func TestValidateRejectsBrokenSuggestion(t *testing.T) {
	sug := Format(approvedDecision(), uuid.NewString(), fixedNow)
	require.NoError(t, Validate(sug))

	bad := sug
	bad.Confidence = 1.5
	assert.Error(t, Validate(bad))

	bad = sug
	bad.ID = "not-a-uuid"
	assert.Error(t, Validate(bad))

	bad = sug
	bad.Outcome = types.OutcomeRejected
	assert.Error(t, Validate(bad))
}

func TestSuggestApprovedAppendsOnce(t *testing.T) {
	store := newMemStore()
	s := newTestSuggester(t, store)
	ctx := context.Background()
	d := approvedDecision()

	first, added, err := s.Suggest(ctx, d)
	require.NoError(t, err)
	assert.True(t, added)
	_, err = uuid.Parse(first.ID)
	require.NoError(t, err)
	assert.Equal(t, fixedNow, first.Timestamp)

	again, added, err := s.Suggest(ctx, d)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, store.suggestions, 1)
	assert.Len(t, store.decisions, 1)
}

func TestSuggestRejectedRecordsDecisionOnly(t *testing.T) {
	store := newMemStore()
	s := newTestSuggester(t, store)
	d := approvedDecision()
	d.Outcome = types.OutcomeRejected
	d.ApprovedSize = 0
	d.Reasons = []types.ReasonCode{types.ReasonRiskRewardTooLow}

	sug, added, err := s.Suggest(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Empty(t, sug.ID)
	assert.Empty(t, store.suggestions)
	assert.Equal(t, types.OutcomeRejected, store.decisions[d.Candidate.ID].Outcome)
}

func TestHandleDropsInvalidSuggestion(t *testing.T) {
	store := newMemStore()
	s := newTestSuggester(t, store)
	d := approvedDecision()
	d.Candidate.Confidence = 2

	require.NoError(t, s.Handle(context.Background(), d))
	assert.Empty(t, store.suggestions)

	_, _, err := s.Suggest(context.Background(), d)
	assert.ErrorIs(t, err, ErrInvalidSuggestion)
}

func TestHandleReturnsStoreFailure(t *testing.T) {
	st := new(mockStore)
	d := approvedDecision()
	st.On("SaveDecision", mock.Anything, d).Return(nil)
	st.On("SuggestionByCandidate", mock.Anything, d.Candidate.ID).Return(types.TradeSuggestion{}, false, nil)
	st.On("AppendSuggestion", mock.Anything, mock.MatchedBy(func(s types.TradeSuggestion) bool {
		return s.CandidateID == d.Candidate.ID
	})).Return(false, errors.New("disk full"))

	s := newTestSuggester(t, st)
	err := s.Handle(context.Background(), d)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "disk full"))
	st.AssertExpectations(t)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
