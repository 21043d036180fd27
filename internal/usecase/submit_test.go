package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronocoders/indexnode/internal/domain"
)

type fakeJobQueue struct {
	enqueued []domain.Job
	byID     map[string]domain.Job
	err      error
}

func (f *fakeJobQueue) Enqueue(_ context.Context, j domain.Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	j.ID = "job-1"
	f.enqueued = append(f.enqueued, j)
	return j.ID, nil
}
func (f *fakeJobQueue) Dequeue(context.Context) (*domain.Job, error) { return nil, nil }
func (f *fakeJobQueue) UpdateStatus(context.Context, string, domain.JobStatus, string) error {
	return nil
}
func (f *fakeJobQueue) Complete(context.Context, string, json.RawMessage) error { return nil }
func (f *fakeJobQueue) Get(_ context.Context, id string) (domain.Job, error) {
	j, ok := f.byID[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

type fakeDistQueue struct {
	enqueued []domain.DistributedJob
	err      error
}

func (f *fakeDistQueue) Enqueue(_ context.Context, j domain.DistributedJob) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, j)
	return nil
}
func (f *fakeDistQueue) Dequeue(context.Context, string) (*domain.DistributedJob, error) {
	return nil, nil
}
func (f *fakeDistQueue) Complete(context.Context, string) error      { return nil }
func (f *fakeDistQueue) Retry(context.Context, domain.DistributedJob) error { return nil }

type fakeLedger struct{ balance *big.Int }

func (f *fakeLedger) Balance(context.Context, string) (*big.Int, error) { return f.balance, nil }
func (f *fakeLedger) PurchaseCredits(context.Context, *big.Int) (string, error) {
	return "0xtx", nil
}
func (f *fakeLedger) SpendCredits(context.Context, string, *big.Int, string) (string, error) {
	return "0xtx", nil
}

type fakeDirectory struct{ addr string }

func (f *fakeDirectory) ChainAddress(context.Context, string) (string, error) {
	return f.addr, nil
}

func testCosts() Costs {
	return Costs{Crawl: big.NewInt(100), EventIndex: big.NewInt(50)}
}

func crawlConfig(t *testing.T) domain.JobConfig {
	t.Helper()
	params, err := json.Marshal(domain.HTTPCrawlParams{URL: "https://example.com", MaxPages: 10})
	require.NoError(t, err)
	return domain.JobConfig{JobType: domain.JobTypeHTTPCrawl, Params: params}
}

func TestSubmitEnqueuesBothQueues(t *testing.T) {
	jq := &fakeJobQueue{}
	dq := &fakeDistQueue{}
	s := NewSubmitter(jq, dq, &fakeLedger{balance: big.NewInt(1000)}, &fakeDirectory{addr: "0xabc"}, testCosts(), slog.Default())

	id, err := s.Submit(context.Background(), "user-1", crawlConfig(t), 5)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	require.Len(t, jq.enqueued, 1)
	assert.Equal(t, domain.JobQueued, jq.enqueued[0].Status)
	assert.Equal(t, 5, jq.enqueued[0].Priority)

	require.Len(t, dq.enqueued, 1)
	assert.Equal(t, "job-1", dq.enqueued[0].ID)
	assert.Equal(t, "http_crawl", dq.enqueued[0].JobType)
	assert.Equal(t, 3, dq.enqueued[0].MaxRetries)
}

func TestSubmitClampsPriority(t *testing.T) {
	for _, tc := range []struct{ in, want int }{{-5, 0}, {0, 0}, {100, 100}, {250, 100}} {
		jq := &fakeJobQueue{}
		s := NewSubmitter(jq, &fakeDistQueue{}, nil, nil, testCosts(), slog.Default())
		_, err := s.Submit(context.Background(), "user-1", crawlConfig(t), tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, jq.enqueued[0].Priority)
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	s := NewSubmitter(&fakeJobQueue{}, &fakeDistQueue{},
		&fakeLedger{balance: big.NewInt(99)}, &fakeDirectory{addr: "0xabc"}, testCosts(), slog.Default())

	_, err := s.Submit(context.Background(), "user-1", crawlConfig(t), 0)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
}

func TestSubmitNoChainAddress(t *testing.T) {
	s := NewSubmitter(&fakeJobQueue{}, &fakeDistQueue{},
		&fakeLedger{balance: big.NewInt(1000)}, &fakeDirectory{addr: ""}, testCosts(), slog.Default())

	_, err := s.Submit(context.Background(), "user-1", crawlConfig(t), 0)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
}

func TestSubmitValidation(t *testing.T) {
	s := NewSubmitter(&fakeJobQueue{}, &fakeDistQueue{}, nil, nil, testCosts(), slog.Default())
	ctx := context.Background()

	cases := []struct {
		name string
		cfg  domain.JobConfig
	}{
		{"bad url", domain.JobConfig{JobType: domain.JobTypeHTTPCrawl, Params: json.RawMessage(`{"url":"not a url","max_pages":5}`)}},
		{"negative max pages", domain.JobConfig{JobType: domain.JobTypeHTTPCrawl, Params: json.RawMessage(`{"url":"https://example.com","max_pages":-1}`)}},
		{"bad contract address", domain.JobConfig{JobType: domain.JobTypeBlockchainIndex, Params: json.RawMessage(`{"chain":"ethereum","contract_address":"nope","events":["Transfer(address,address,uint256)"]}`)}},
		{"missing chain", domain.JobConfig{JobType: domain.JobTypeBlockchainIndex, Params: json.RawMessage(`{"contract_address":"0x1c7D4B196Cb023240166624b9c5291532634a66a"}`)}},
		{"to below from", domain.JobConfig{JobType: domain.JobTypeBlockchainIndex, Params: json.RawMessage(`{"chain":"ethereum","contract_address":"0x1c7D4B196Cb023240166624b9c5291532634a66a","from_block":100,"to_block":50}`)}},
		{"unknown type", domain.JobConfig{JobType: "mystery", Params: json.RawMessage(`{}`)}},
		{"malformed params", domain.JobConfig{JobType: domain.JobTypeHTTPCrawl, Params: json.RawMessage(`{`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Submit(ctx, "user-1", tc.cfg, 0)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestSubmitEmptyUser(t *testing.T) {
	s := NewSubmitter(&fakeJobQueue{}, &fakeDistQueue{}, nil, nil, testCosts(), slog.Default())
	_, err := s.Submit(context.Background(), "", crawlConfig(t), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitSurvivesMirrorFailure(t *testing.T) {
	jq := &fakeJobQueue{}
	dq := &fakeDistQueue{err: errors.New("redis down")}
	s := NewSubmitter(jq, dq, nil, nil, testCosts(), slog.Default())

	id, err := s.Submit(context.Background(), "user-1", crawlConfig(t), 0)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	assert.Len(t, jq.enqueued, 1)
}

func TestGetResult(t *testing.T) {
	jq := &fakeJobQueue{byID: map[string]domain.Job{
		"done":    {ID: "done", Status: domain.JobCompleted, ResultSummary: json.RawMessage(`{"total_links":3}`)},
		"running": {ID: "running", Status: domain.JobProcessing},
		"broken":  {ID: "broken", Status: domain.JobFailed, Error: "boom"},
	}}
	s := NewSubmitter(jq, &fakeDistQueue{}, nil, nil, testCosts(), slog.Default())
	ctx := context.Background()

	res, err := s.GetResult(ctx, "done")
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_links":3}`, string(res))

	_, err = s.GetResult(ctx, "running")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.GetResult(ctx, "broken")
	assert.ErrorIs(t, err, domain.ErrPermanentUpstream)

	_, err = s.GetResult(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
