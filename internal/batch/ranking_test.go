package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilpatil/agentflow/internal/agent"
	"github.com/nikhilpatil/agentflow/internal/cache"
	"github.com/nikhilpatil/agentflow/internal/config"
	"github.com/nikhilpatil/agentflow/internal/store"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

type rankingStore struct {
	store.Store

	mu       sync.Mutex
	account  *models.Account
	jobs     []*models.Job
	progress map[uuid.UUID]*models.ProgressRecord

	failBatchCalls int
}

func newRankingStore() *rankingStore {
	return &rankingStore{
		account:  &models.Account{ID: uuid.New(), Domain: "hotel-alpha.example.com", Active: true},
		progress: map[uuid.UUID]*models.ProgressRecord{},
	}
}

func (s *rankingStore) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	if id != s.account.ID {
		return nil, store.ErrNotFound
	}
	return s.account, nil
}

func (s *rankingStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *rankingStore) ListJobsByBatch(_ context.Context, batchID uuid.UUID) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.BatchID != nil && *j.BatchID == batchID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *rankingStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, _ ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			j.Status = status
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *rankingStore) SaveProgress(_ context.Context, jobID uuid.UUID, rec *models.ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[jobID] = rec
	return nil
}

// FailBatch mirrors the real store's bulk update: every member job flips to
// failed, whatever state it was in.
func (s *rankingStore) FailBatch(_ context.Context, batchID uuid.UUID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBatchCalls++
	for _, j := range s.jobs {
		if j.BatchID != nil && *j.BatchID == batchID {
			j.Status = models.JobStatusFailed
			msg := errorMessage
			j.ErrorMessage = &msg
		}
	}
	return nil
}

type fakeCache struct {
	cache.Cache

	mu          sync.Mutex
	batchStatus map[uuid.UUID]string
	deleted     []string
	invalidated int
}

func newFakeCache() *fakeCache {
	return &fakeCache{batchStatus: map[uuid.UUID]string{}}
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, key)
	return nil
}

func (c *fakeCache) SetBatchStatus(_ context.Context, batchID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchStatus[batchID] = status
	return nil
}

func (c *fakeCache) GetBatchStatus(_ context.Context, batchID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.batchStatus[batchID]
	return status, ok, nil
}

func (c *fakeCache) InvalidateBatchStatus(_ context.Context, batchID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.batchStatus, batchID)
	c.invalidated++
	return nil
}

type rankingInvoker struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]error
}

func (inv *rankingInvoker) Invoke(_ context.Context, agentType string, p agent.Payload) (json.RawMessage, error) {
	loc, _ := p.AdditionalData["location"].(string)
	inv.mu.Lock()
	inv.calls = append(inv.calls, loc)
	inv.mu.Unlock()
	if agentType != agent.TypeRanking {
		return nil, fmt.Errorf("unexpected agent type %s", agentType)
	}
	if err := inv.failing[loc]; err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"location":%q,"position":3}`, loc)), nil
}

func (inv *rankingInvoker) callsFor(loc string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	n := 0
	for _, c := range inv.calls {
		if c == loc {
			n++
		}
	}
	return n
}

func rankingTestConfig() config.PipelineConfig {
	return config.PipelineConfig{
		RankingMaxRetries: 3,
		RankingRetryDelay: time.Millisecond,
	}
}

func testRankingRequest(accountID uuid.UUID, locations ...string) RankingRequest {
	return RankingRequest{
		AccountID:  accountID,
		Locations:  locations,
		RangeStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRankingSubmit_PreCreatesAllJobs(t *testing.T) {
	st := newRankingStore()
	c := NewRankingCoordinator(st, newFakeCache(), &rankingInvoker{}, rankingTestConfig())

	batchID, jobs, err := c.Submit(context.Background(), testRankingRequest(st.account.ID, "downtown", "airport", "harbor"))
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	for i, job := range jobs {
		assert.Equal(t, models.JobStatusPending, job.Status)
		assert.Equal(t, models.JobTypeRanking, job.Type)
		require.NotNil(t, job.BatchID)
		assert.Equal(t, batchID, *job.BatchID)

		var input rankingInput
		require.NoError(t, json.Unmarshal(job.RawInput, &input))
		assert.Equal(t, []string{"downtown", "airport", "harbor"}[i], input.Location)
	}
}

func TestRankingSubmit_RejectsEmptyRequest(t *testing.T) {
	st := newRankingStore()
	c := NewRankingCoordinator(st, newFakeCache(), &rankingInvoker{}, rankingTestConfig())

	_, _, err := c.Submit(context.Background(), testRankingRequest(st.account.ID))
	require.Error(t, err)
}

func TestRankingProcess_CompletesAllLocations(t *testing.T) {
	st := newRankingStore()
	inv := &rankingInvoker{}
	ca := newFakeCache()
	c := NewRankingCoordinator(st, ca, inv, rankingTestConfig())

	batchID, jobs, err := c.Submit(context.Background(), testRankingRequest(st.account.ID, "downtown", "airport"))
	require.NoError(t, err)

	require.NoError(t, c.Process(context.Background(), batchID))

	for _, job := range jobs {
		assert.Equal(t, models.JobStatusCompleted, job.Status)
		rec := st.progress[job.ID]
		require.NotNil(t, rec, "each completed job carries its ranking result")
		assert.Equal(t, models.JobStatusCompleted, rec.Status)
		assert.Contains(t, rec.Summary, "rankings")
	}
	assert.Equal(t, []string{"downtown", "airport"}, inv.calls, "locations run in submission order")
	assert.Equal(t, 1, ca.invalidated)
}

// One location exhausting its retries fails the whole batch: jobs that had
// already completed are flipped to failed too, and later locations never run.
func TestRankingProcess_OneExhaustedLocationFailsEntireBatch(t *testing.T) {
	st := newRankingStore()
	inv := &rankingInvoker{failing: map[string]error{"airport": agent.ErrUpstreamTimeout}}
	ca := newFakeCache()
	c := NewRankingCoordinator(st, ca, inv, rankingTestConfig())

	batchID, jobs, err := c.Submit(context.Background(), testRankingRequest(st.account.ID, "downtown", "airport", "harbor"))
	require.NoError(t, err)

	err = c.Process(context.Background(), batchID)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrUpstreamTimeout)

	assert.Equal(t, 1, inv.callsFor("downtown"))
	assert.Equal(t, 3, inv.callsFor("airport"), "the failing location gets every retry")
	assert.Equal(t, 0, inv.callsFor("harbor"), "locations after the failure never run")

	assert.Equal(t, 1, st.failBatchCalls)
	for _, job := range jobs {
		assert.Equal(t, models.JobStatusFailed, job.Status, "all members fail, completed ones included")
		assert.Contains(t, ca.deleted, cache.JobStatusKey(job.ID),
			"a poll must not keep serving a member's stale cached state")
	}
}

// Structurally empty output counts as failure, same as a transport error.
func TestRankingProcess_EmptyOutputFailsBatch(t *testing.T) {
	st := newRankingStore()
	ca := newFakeCache()
	c := NewRankingCoordinator(st, ca, emptyOutputInvoker{}, rankingTestConfig())

	batchID, _, err := c.Submit(context.Background(), testRankingRequest(st.account.ID, "downtown"))
	require.NoError(t, err)

	err = c.Process(context.Background(), batchID)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrInvalidOutput)
	assert.Equal(t, 1, st.failBatchCalls)
}

type emptyOutputInvoker struct{}

func (emptyOutputInvoker) Invoke(context.Context, string, agent.Payload) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func TestRankingProcess_UnknownBatch(t *testing.T) {
	st := newRankingStore()
	c := NewRankingCoordinator(st, newFakeCache(), &rankingInvoker{}, rankingTestConfig())

	err := c.Process(context.Background(), uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRankingStatus_DerivesAndCaches(t *testing.T) {
	st := newRankingStore()
	ca := newFakeCache()
	c := NewRankingCoordinator(st, ca, &rankingInvoker{}, rankingTestConfig())

	batchID, jobs, err := c.Submit(context.Background(), testRankingRequest(st.account.ID, "downtown", "airport"))
	require.NoError(t, err)
	jobs[0].Status = models.JobStatusCompleted

	status, members, err := c.Status(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusProcessing, status)
	assert.Len(t, members, 2)
	assert.Equal(t, models.BatchStatusProcessing, ca.batchStatus[batchID], "derived status is cached")

	// A cached value short-circuits derivation until invalidated.
	ca.batchStatus[batchID] = models.BatchStatusCompleted
	status, _, err = c.Status(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, status)
}

func TestRankingStatus_UnknownBatch(t *testing.T) {
	st := newRankingStore()
	c := NewRankingCoordinator(st, newFakeCache(), &rankingInvoker{}, rankingTestConfig())

	_, _, err := c.Status(context.Background(), uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}
