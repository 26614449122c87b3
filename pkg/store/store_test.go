package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/task-sync/pkg/models"
)

// capturePublisher records published outcomes for assertions
type capturePublisher struct {
	mu       sync.Mutex
	outcomes []*models.MutationOutcome
	failures int // number of publishes to fail before succeeding
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, outcome *models.MutationOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return fmt.Errorf("simulated publish failure")
	}
	p.outcomes = append(p.outcomes, outcome.Clone())
	return nil
}

func (p *capturePublisher) published() []*models.MutationOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.MutationOutcome, len(p.outcomes))
	copy(out, p.outcomes)
	return out
}

func newTestStore(t *testing.T, publisher Publisher) (*VersionedStore, *MemoryPersistence) {
	t.Helper()

	persistence := NewMemoryPersistence()
	outcomes, err := NewLRUOutcomeCache(128)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PublishInitialInterval = 1 // keep retry fast in tests

	return NewVersionedStore(persistence, outcomes, publisher, nil, cfg, nil, nil), persistence
}

func seedTask(t *testing.T, s *VersionedStore, id string, payload models.Payload) *models.Entity {
	t.Helper()
	entity, err := s.Create(context.Background(), id, "task", payload)
	require.NoError(t, err)
	require.Equal(t, int64(1), entity.ConcurrencyToken)
	return entity
}

func TestApplyAcceptsMatchingToken(t *testing.T) {
	publisher := &capturePublisher{}
	s, _ := newTestStore(t, publisher)
	seedTask(t, s, "t-1", models.Payload{"title": "A", "status": "open"})

	req := models.NewMutationRequest("t-1", "task", 1, map[string]interface{}{"title": "B"}, "client-a")
	outcome, err := s.Apply(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeAccepted, outcome.Code)
	assert.Equal(t, int64(2), outcome.NewToken)
	assert.Equal(t, "B", outcome.ResultingPayload["title"])
	assert.Equal(t, "open", outcome.ResultingPayload["status"])

	// Hand-off to the bus happened before Apply returned: create + mutation
	published := publisher.published()
	require.Len(t, published, 2)
	assert.Equal(t, req.RequestID, published[1].RequestID)
}

func TestApplyRejectsStaleToken(t *testing.T) {
	s, _ := newTestStore(t, &capturePublisher{})
	seedTask(t, s, "t-1", models.Payload{"title": "A"})

	// Advance to token 2
	_, err := s.Apply(context.Background(), models.NewMutationRequest("t-1", "task", 1, map[string]interface{}{"title": "B"}, "client-a"))
	require.NoError(t, err)

	// Stale writer still expects token 1
	outcome, err := s.Apply(context.Background(), models.NewMutationRequest("t-1", "task", 1, map[string]interface{}{"title": "C"}, "client-b"))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeVersionConflict, outcome.Code)
	assert.Equal(t, int64(1), outcome.RejectedToken)
	// Current state rides along so the client can rebase without a second trip
	assert.Equal(t, int64(2), outcome.CurrentToken)
	assert.Equal(t, "B", outcome.CurrentPayload["title"])
}

func TestApplyValidation(t *testing.T) {
	t.Run("Structural", func(t *testing.T) {
		s, _ := newTestStore(t, &capturePublisher{})
		seedTask(t, s, "t-1", models.Payload{"title": "A"})

		req := models.NewMutationRequest("t-1", "task", 1, nil, "client-a")
		outcome, err := s.Apply(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeValidationFailed, outcome.Code)
	})

	t.Run("Schema", func(t *testing.T) {
		validator := NewSchemaValidator()
		require.NoError(t, validator.RegisterSchema("task", `{
			"type": "object",
			"properties": {"title": {"type": "string", "minLength": 1}},
			"additionalProperties": true
		}`))

		persistence := NewMemoryPersistence()
		outcomes, err := NewLRUOutcomeCache(16)
		require.NoError(t, err)
		s := NewVersionedStore(persistence, outcomes, nil, validator, DefaultConfig(), nil, nil)
		seedTask(t, s, "t-1", models.Payload{"title": "A"})

		req := models.NewMutationRequest("t-1", "task", 1, map[string]interface{}{"title": ""}, "client-a")
		outcome, err := s.Apply(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeValidationFailed, outcome.Code)
		assert.Contains(t, outcome.ConflictReason, "title")
	})

	t.Run("Unknown Entity", func(t *testing.T) {
		s, _ := newTestStore(t, &capturePublisher{})

		req := models.NewMutationRequest("ghost", "task", 1, map[string]interface{}{"title": "X"}, "client-a")
		outcome, err := s.Apply(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeValidationFailed, outcome.Code)
	})
}

func TestIdempotentReplay(t *testing.T) {
	s, persistence := newTestStore(t, &capturePublisher{})
	seedTask(t, s, "t-1", models.Payload{"count": 1})

	req := models.NewMutationRequest("t-1", "task", 1, map[string]interface{}{"count": 2}, "client-a")

	first, err := s.Apply(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeAccepted, first.Code)

	// Duplicate delivery of the same request id
	second, err := s.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.NewToken, second.NewToken)
	assert.Equal(t, first.ResultingPayload, second.ResultingPayload)

	// State mutated exactly once
	entity, err := persistence.ReadCurrent(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entity.ConcurrencyToken)
}

func TestTokenMonotonicity(t *testing.T) {
	s, persistence := newTestStore(t, &capturePublisher{})
	seedTask(t, s, "t-1", models.Payload{"n": 0})

	const writes = 25
	for i := 0; i < writes; i++ {
		entity, err := persistence.ReadCurrent(context.Background(), "t-1")
		require.NoError(t, err)

		req := models.NewMutationRequest("t-1", "task", entity.ConcurrencyToken, map[string]interface{}{"n": i + 1}, "client-a")
		outcome, err := s.Apply(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, models.OutcomeAccepted, outcome.Code)
		// Strictly increasing, no gaps
		assert.Equal(t, entity.ConcurrencyToken+1, outcome.NewToken)
	}

	entity, err := persistence.ReadCurrent(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(writes+1), entity.ConcurrencyToken)
}

func TestAtMostOneWinner(t *testing.T) {
	s, _ := newTestStore(t, &capturePublisher{})
	seedTask(t, s, "t-1", models.Payload{"title": "A"})

	const racers = 8
	results := make(chan *models.MutationOutcome, racers)

	var start sync.WaitGroup
	start.Add(1)
	var done sync.WaitGroup
	for i := 0; i < racers; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			start.Wait()
			req := models.NewMutationRequest("t-1", "task", 1, map[string]interface{}{"title": fmt.Sprintf("W%d", i)}, fmt.Sprintf("client-%d", i))
			outcome, err := s.Apply(context.Background(), req)
			require.NoError(t, err)
			results <- outcome
		}(i)
	}
	start.Done()
	done.Wait()
	close(results)

	accepted, conflicted := 0, 0
	for outcome := range results {
		switch outcome.Code {
		case models.OutcomeAccepted:
			accepted++
			assert.Equal(t, int64(2), outcome.NewToken)
		case models.OutcomeVersionConflict:
			conflicted++
		default:
			t.Fatalf("unexpected outcome code %s", outcome.Code)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, racers-1, conflicted)
}

// Two writers race from token 1; the loser rebases on the conflict payload
// and lands its edit on the next token.
func TestConflictThenRebaseConverges(t *testing.T) {
	s, persistence := newTestStore(t, &capturePublisher{})
	seedTask(t, s, "T1", models.Payload{"title": "initial"})

	// Client A wins token 2
	a := models.NewMutationRequest("T1", "task", 1, map[string]interface{}{"title": "X"}, "A")
	outcomeA, err := s.Apply(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeAccepted, outcomeA.Code)
	require.Equal(t, int64(2), outcomeA.NewToken)

	// Client B still holds token 1
	b := models.NewMutationRequest("T1", "task", 1, map[string]interface{}{"title": "Y"}, "B")
	conflict, err := s.Apply(context.Background(), b)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeVersionConflict, conflict.Code)
	require.Equal(t, int64(2), conflict.CurrentToken)
	require.Equal(t, "X", conflict.CurrentPayload["title"])

	// B rebases onto the attached state and resubmits
	rebased := models.NewMutationRequest("T1", "task", conflict.CurrentToken, map[string]interface{}{"title": "Y"}, "B")
	final, err := s.Apply(context.Background(), rebased)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAccepted, final.Code)
	assert.Equal(t, int64(3), final.NewToken)

	entity, err := persistence.ReadCurrent(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "Y", entity.Payload["title"])
	assert.Equal(t, int64(3), entity.ConcurrencyToken)
}

func TestPublishRetriesUntilAck(t *testing.T) {
	publisher := &capturePublisher{failures: 2}
	s, _ := newTestStore(t, publisher)
	seedTask(t, s, "t-1", models.Payload{"title": "A"})

	// Create's publish burned the simulated failures or succeeded after
	// retries; the mutation outcome must still land.
	req := models.NewMutationRequest("t-1", "task", 1, map[string]interface{}{"title": "B"}, "client-a")
	outcome, err := s.Apply(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeAccepted, outcome.Code)

	published := publisher.published()
	require.NotEmpty(t, published)
	assert.Equal(t, req.RequestID, published[len(published)-1].RequestID)
}

func TestOutcomePayloadNotAliased(t *testing.T) {
	publisher := &capturePublisher{}
	s, persistence := newTestStore(t, publisher)
	seedTask(t, s, "t-1", models.Payload{"title": "A"})

	req := models.NewMutationRequest("t-1", "task", 1, map[string]interface{}{"title": "B"}, "client-a")
	outcome, err := s.Apply(context.Background(), req)
	require.NoError(t, err)

	// Mutating the returned outcome must not leak into stored state
	outcome.ResultingPayload["title"] = "tampered"

	entity, err := persistence.ReadCurrent(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "B", entity.Payload["title"])
}
