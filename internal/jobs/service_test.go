package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilpatil/agentflow/internal/agent"
	"github.com/nikhilpatil/agentflow/internal/cache"
	"github.com/nikhilpatil/agentflow/internal/pipeline"
	"github.com/nikhilpatil/agentflow/internal/progress"
	"github.com/nikhilpatil/agentflow/internal/store"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

const validUpload = `{"records":[{"date":"2024-03-01","room":"101","revenue":240.0},{"date":"2024-03-01","room":"102","revenue":180.0}]}`

type jobsStore struct {
	store.Store

	mu          sync.Mutex
	account     *models.Account
	jobs        map[uuid.UUID]*models.Job
	progress    map[uuid.UUID]*models.ProgressRecord
	getJobCalls int
}

func newJobsStore() *jobsStore {
	return &jobsStore{
		account:  &models.Account{ID: uuid.New(), Domain: "hotel-alpha.example.com", Active: true},
		jobs:     map[uuid.UUID]*models.Job{},
		progress: map[uuid.UUID]*models.ProgressRecord{},
	}
}

func (s *jobsStore) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	if id != s.account.ID {
		return nil, store.ErrNotFound
	}
	return s.account, nil
}

func (s *jobsStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *jobsStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getJobCalls++
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (s *jobsStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, _ ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = status
	return nil
}

func (s *jobsStore) SetJobApproval(_ context.Context, id uuid.UUID, approval string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	switch approval {
	case store.ApprovalAdmin:
		job.IsAdminApproved = true
	case store.ApprovalClient:
		job.IsClientApproved = true
	}
	return nil
}

func (s *jobsStore) LoadProgress(_ context.Context, jobID uuid.UUID) (*models.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.progress[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (s *jobsStore) SaveProgress(_ context.Context, jobID uuid.UUID, rec *models.ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[jobID] = rec
	return nil
}

type statusCache struct {
	cache.Cache
	mu      sync.Mutex
	entries map[string][]byte
	hits    int
}

func newStatusCache() *statusCache {
	return &statusCache{entries: map[string][]byte{}}
}

func (c *statusCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *statusCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return raw, ok, nil
}

func (c *statusCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// agentRunner mimics the pipeline, reporting stages through OnStage.
type agentRunner struct {
	err     error
	monthly bool

	calls    int
	gotForce bool
}

func (r *agentRunner) Run(_ context.Context, account *models.Account, opts pipeline.RunOptions) (*pipeline.Outcome, error) {
	r.calls++
	r.gotForce = opts.Force
	if r.err != nil {
		return nil, r.err
	}
	notify := opts.OnStage
	if notify == nil {
		notify = func(string) {}
	}
	outcome := &pipeline.Outcome{
		AccountID: account.ID,
		Stages: []pipeline.StageOutcome{
			{AgentType: agent.TypeDaily}, {AgentType: agent.TypeDaily},
		},
	}
	notify(agent.TypeDaily)
	notify(agent.TypeDaily)
	if r.monthly {
		for _, t := range []string{agent.TypeSummary, agent.TypeOpportunity, agent.TypeCROOptimizer} {
			notify(t)
			outcome.Stages = append(outcome.Stages, pipeline.StageOutcome{AgentType: t})
		}
		outcome.MonthlyRan = true
	}
	return outcome, nil
}

func newTestService(st *jobsStore, runner Runner) (*Service, *statusCache) {
	ca := newStatusCache()
	s := NewService(st, ca, runner)
	s.dispatch = func(fn func()) { fn() }
	return s, ca
}

func TestSubmitUpload_ParksAtAdminGate(t *testing.T) {
	st := newJobsStore()
	s, _ := newTestService(st, &agentRunner{})

	job, err := s.SubmitUpload(context.Background(), st.account.ID, []byte(validUpload))
	require.NoError(t, err)

	stored := st.jobs[job.ID]
	assert.Equal(t, models.JobStatusAwaitingApproval, stored.Status)

	rec := st.progress[job.ID]
	require.NotNil(t, rec)
	assert.Equal(t, models.JobStatusAwaitingApproval, rec.Status)
	assert.Equal(t, progress.StepAdminReview, rec.CurrentStep)
	assert.Equal(t, models.StepCompleted, rec.Step(progress.StepFileUpload).Status)
	assert.Equal(t, models.StepCompleted, rec.Step(progress.StepPMSParser).Status)
	assert.Equal(t, 30, rec.Progress)
	assert.Equal(t, 2, rec.Summary["records_parsed"])
}

func TestSubmitUpload_UnknownAccount(t *testing.T) {
	st := newJobsStore()
	s, _ := newTestService(st, &agentRunner{})

	_, err := s.SubmitUpload(context.Background(), uuid.New(), []byte(validUpload))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitUpload_MalformedInputFailsParseStage(t *testing.T) {
	st := newJobsStore()
	s, _ := newTestService(st, &agentRunner{})

	job, err := s.SubmitUpload(context.Background(), st.account.ID, []byte("not json at all"))
	require.NoError(t, err, "intake accepts the upload; parsing fails asynchronously")

	stored := st.jobs[job.ID]
	assert.Equal(t, models.JobStatusFailed, stored.Status)

	rec := st.progress[job.ID]
	assert.Equal(t, models.JobStatusFailed, rec.Status)
	assert.Equal(t, models.StepFailed, rec.Step(progress.StepPMSParser).Status)
	assert.Contains(t, rec.Error, "malformed PMS upload")
}

func submitParkedUpload(t *testing.T, s *Service, st *jobsStore) *models.Job {
	t.Helper()
	job, err := s.SubmitUpload(context.Background(), st.account.ID, []byte(validUpload))
	require.NoError(t, err)
	require.Equal(t, models.JobStatusAwaitingApproval, st.jobs[job.ID].Status)
	return job
}

func TestApprove_AdminMovesToClientGate(t *testing.T) {
	st := newJobsStore()
	s, _ := newTestService(st, &agentRunner{})
	job := submitParkedUpload(t, s, st)

	approved, err := s.Approve(context.Background(), job.ID, store.ApprovalAdmin)
	require.NoError(t, err)
	assert.True(t, approved.IsAdminApproved)

	rec := st.progress[job.ID]
	assert.Equal(t, progress.StepClientReview, rec.CurrentStep)
	assert.Equal(t, models.JobStatusAwaitingApproval, rec.Status)
	assert.Equal(t, models.StepCompleted, rec.Step(progress.StepAdminReview).Status)
}

func TestApprove_ClientBeforeAdminRejected(t *testing.T) {
	st := newJobsStore()
	s, _ := newTestService(st, &agentRunner{})
	job := submitParkedUpload(t, s, st)

	_, err := s.Approve(context.Background(), job.ID, store.ApprovalClient)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApprove_ClientReleasesAgentStages(t *testing.T) {
	st := newJobsStore()
	runner := &agentRunner{monthly: true}
	s, _ := newTestService(st, runner)
	job := submitParkedUpload(t, s, st)

	_, err := s.Approve(context.Background(), job.ID, store.ApprovalAdmin)
	require.NoError(t, err)
	_, err = s.Approve(context.Background(), job.ID, store.ApprovalClient)
	require.NoError(t, err)

	assert.Equal(t, 1, runner.calls)
	assert.False(t, runner.gotForce, "approval-driven runs never bypass the idempotency guard")

	stored := st.jobs[job.ID]
	assert.Equal(t, models.JobStatusCompleted, stored.Status)

	rec := st.progress[job.ID]
	assert.Equal(t, models.JobStatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, models.StepCompleted, rec.Step(progress.StepDailyAgents).Status)
	monthly := rec.Step(progress.StepMonthlyAgents)
	assert.Equal(t, models.StepCompleted, monthly.Status)
	assert.ElementsMatch(t,
		[]string{progress.SubStepSummary, progress.SubStepOpportunity, progress.SubStepCROOptimizer},
		monthly.AgentsCompleted)
	assert.Equal(t, true, rec.Summary["monthly_ran"])
}

func TestApprove_DoubleAdminApprovalRejected(t *testing.T) {
	st := newJobsStore()
	s, _ := newTestService(st, &agentRunner{})
	job := submitParkedUpload(t, s, st)

	_, err := s.Approve(context.Background(), job.ID, store.ApprovalAdmin)
	require.NoError(t, err)
	_, err = s.Approve(context.Background(), job.ID, store.ApprovalAdmin)
	require.ErrorIs(t, err, ErrInvalidTransition, "second admin approval has no gate to open")
}

func TestRunAgents_MonthlySkippedStillCompletes(t *testing.T) {
	st := newJobsStore()
	s, _ := newTestService(st, &agentRunner{monthly: false})
	job := submitParkedUpload(t, s, st)

	_, err := s.Approve(context.Background(), job.ID, store.ApprovalAdmin)
	require.NoError(t, err)
	_, err = s.Approve(context.Background(), job.ID, store.ApprovalClient)
	require.NoError(t, err)

	rec := st.progress[job.ID]
	assert.Equal(t, models.JobStatusCompleted, rec.Status)
	assert.Equal(t, models.StepSkipped, rec.Step(progress.StepMonthlyAgents).Status)
	assert.Equal(t, 100, rec.Progress)
}

func TestRunAgents_FailureFailsJob(t *testing.T) {
	st := newJobsStore()
	s, _ := newTestService(st, &agentRunner{err: errors.New("summary agent unreachable")})
	job := submitParkedUpload(t, s, st)

	_, err := s.Approve(context.Background(), job.ID, store.ApprovalAdmin)
	require.NoError(t, err)
	_, err = s.Approve(context.Background(), job.ID, store.ApprovalClient)
	require.NoError(t, err, "the approval succeeds; the dispatched run fails")

	stored := st.jobs[job.ID]
	assert.Equal(t, models.JobStatusFailed, stored.Status)

	rec := st.progress[job.ID]
	assert.Equal(t, models.JobStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "summary agent unreachable")
}

func TestSubmitAgentRun_ForceCarriesThrough(t *testing.T) {
	st := newJobsStore()
	runner := &agentRunner{monthly: true}
	s, _ := newTestService(st, runner)

	job, err := s.SubmitAgentRun(context.Background(), st.account.ID, true)
	require.NoError(t, err)

	assert.True(t, runner.gotForce)
	assert.Equal(t, models.JobStatusCompleted, st.jobs[job.ID].Status)
	assert.Equal(t, models.JobTypeAgentRun, job.Type)
}

func TestStatus_ReconcilesStalledPark(t *testing.T) {
	st := newJobsStore()
	s, _ := newTestService(st, &agentRunner{})
	job := submitParkedUpload(t, s, st)

	// Simulate a crash after the progress write but before the job row
	// update: the record is parked at the admin gate but the row still says
	// processing.
	st.jobs[job.ID].Status = models.JobStatusProcessing

	got, gotRec, err := s.Status(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusAwaitingApproval, got.Status)
	assert.Equal(t, models.JobStatusAwaitingApproval, gotRec.Status)
	assert.Equal(t, progress.StepAdminReview, gotRec.CurrentStep)
	assert.Equal(t, models.JobStatusAwaitingApproval, st.jobs[job.ID].Status,
		"the row itself is repaired, not just the response")
}

func TestStatus_ServesTerminalJobsFromCache(t *testing.T) {
	st := newJobsStore()
	s, ca := newTestService(st, &agentRunner{monthly: true})
	job := submitParkedUpload(t, s, st)

	_, err := s.Approve(context.Background(), job.ID, store.ApprovalAdmin)
	require.NoError(t, err)
	_, err = s.Approve(context.Background(), job.ID, store.ApprovalClient)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, st.jobs[job.ID].Status)

	// First poll loads from the store and populates the cache.
	got, _, err := s.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.Contains(t, ca.entries, cache.JobStatusKey(job.ID))
	loads := st.getJobCalls

	got, gotRec, err := s.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, gotRec.Progress)
	assert.Equal(t, loads, st.getJobCalls, "second poll never touches the store")
}

func TestStatus_DoesNotCacheInFlightJobs(t *testing.T) {
	st := newJobsStore()
	s, ca := newTestService(st, &agentRunner{})
	job := submitParkedUpload(t, s, st)

	loads := st.getJobCalls
	for i := 0; i < 2; i++ {
		got, _, err := s.Status(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusAwaitingApproval, got.Status)
	}
	assert.Equal(t, loads+2, st.getJobCalls, "every poll on an unfinished job reconciles against the store")
	assert.Empty(t, ca.entries)
}

func TestStatus_UnknownJob(t *testing.T) {
	st := newJobsStore()
	s, _ := newTestService(st, &agentRunner{})

	_, _, err := s.Status(context.Background(), uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func failAgentJob(t *testing.T, s *Service, st *jobsStore, runner *agentRunner) *models.Job {
	t.Helper()
	runner.err = errors.New("agents down")
	job := submitParkedUpload(t, s, st)
	_, err := s.Approve(context.Background(), job.ID, store.ApprovalAdmin)
	require.NoError(t, err)
	_, err = s.Approve(context.Background(), job.ID, store.ApprovalClient)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, st.jobs[job.ID].Status)
	return job
}

func TestRetry_RerunsAgentStages(t *testing.T) {
	st := newJobsStore()
	runner := &agentRunner{monthly: true}
	s, _ := newTestService(st, runner)
	job := failAgentJob(t, s, st, runner)

	runner.err = nil
	retried, err := s.Retry(context.Background(), job.ID, progress.StepDailyAgents)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, st.jobs[retried.ID].Status)
	rec := st.progress[job.ID]
	assert.Equal(t, models.JobStatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Empty(t, rec.Error, "retry clears the previous error")
}

func TestRetry_InvalidatesCachedStatus(t *testing.T) {
	st := newJobsStore()
	runner := &agentRunner{}
	s, ca := newTestService(st, runner)
	job := failAgentJob(t, s, st, runner)

	// Poll once so the failed payload lands in the cache.
	_, _, err := s.Status(context.Background(), job.ID)
	require.NoError(t, err)
	require.Contains(t, ca.entries, cache.JobStatusKey(job.ID))

	runner.err = nil
	_, err = s.Retry(context.Background(), job.ID, progress.StepDailyAgents)
	require.NoError(t, err)

	got, _, err := s.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status,
		"a poll after retry must not see the stale failed payload")
}

func TestRetry_NonFailedJobRejected(t *testing.T) {
	st := newJobsStore()
	s, _ := newTestService(st, &agentRunner{})
	job := submitParkedUpload(t, s, st)

	_, err := s.Retry(context.Background(), job.ID, progress.StepDailyAgents)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRetry_ParseStageRequiresStoredInput(t *testing.T) {
	st := newJobsStore()
	runner := &agentRunner{}
	s, _ := newTestService(st, runner)
	job := failAgentJob(t, s, st, runner)
	st.jobs[job.ID].RawInput = nil

	_, err := s.Retry(context.Background(), job.ID, progress.StepPMSParser)
	require.ErrorIs(t, err, ErrMissingInput)
}

func TestRetry_ToApprovalGateParks(t *testing.T) {
	st := newJobsStore()
	runner := &agentRunner{}
	s, _ := newTestService(st, runner)
	job := failAgentJob(t, s, st, runner)
	callsBefore := runner.calls

	retried, err := s.Retry(context.Background(), job.ID, progress.StepClientReview)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusAwaitingApproval, retried.Status)
	assert.Equal(t, callsBefore, runner.calls, "parking at a gate dispatches nothing")
	rec := st.progress[job.ID]
	assert.Equal(t, progress.StepClientReview, rec.CurrentStep)
}

func TestParsePMSUpload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		records int
		wantErr bool
	}{
		{name: "records wrapper", raw: validUpload, records: 2},
		{name: "top-level array", raw: `[{"date":"2024-03-01"}]`, records: 1},
		{name: "empty array", raw: `[]`, wantErr: true},
		{name: "empty wrapper", raw: `{"records":[]}`, wantErr: true},
		{name: "not json", raw: `date,room`, wantErr: true},
		{name: "wrong shape", raw: `{"rows":[{}]}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, err := parsePMSUpload([]byte(tt.raw))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedUpload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.records, summary["records_parsed"])
		})
	}
}
