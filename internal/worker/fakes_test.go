package worker

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/chronocoders/indexnode/internal/domain"
)

type memJobQueue struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	queue   []string
	deqErr  error
	updates []string
}

func newMemJobQueue() *memJobQueue {
	return &memJobQueue{jobs: map[string]*domain.Job{}}
}

func (m *memJobQueue) add(j domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := j
	m.jobs[j.ID] = &cp
	if j.Status == domain.JobQueued {
		m.queue = append(m.queue, j.ID)
	}
}

func (m *memJobQueue) get(id string) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memJobQueue) Enqueue(_ context.Context, j domain.Job) (string, error) {
	m.add(j)
	return j.ID, nil
}

func (m *memJobQueue) Dequeue(context.Context) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deqErr != nil {
		return nil, m.deqErr
	}
	if len(m.queue) == 0 {
		return nil, nil
	}
	id := m.queue[0]
	m.queue = m.queue[1:]
	j := m.jobs[id]
	j.Status = domain.JobProcessing
	cp := *j
	return &cp, nil
}

func (m *memJobQueue) UpdateStatus(_ context.Context, id string, status domain.JobStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	j.Error = errMsg
	m.updates = append(m.updates, id+":"+string(status))
	return nil
}

func (m *memJobQueue) Complete(_ context.Context, id string, summary json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobCompleted
	j.ResultSummary = summary
	return nil
}

func (m *memJobQueue) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

type memDistQueue struct {
	mu        sync.Mutex
	queue     []domain.DistributedJob
	completed []string
	retried   []domain.DistributedJob
}

func (m *memDistQueue) Enqueue(_ context.Context, j domain.DistributedJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, j)
	return nil
}

func (m *memDistQueue) Dequeue(context.Context, string) (*domain.DistributedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, nil
	}
	j := m.queue[0]
	m.queue = m.queue[1:]
	return &j, nil
}

func (m *memDistQueue) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, id)
	return nil
}

func (m *memDistQueue) Retry(_ context.Context, j domain.DistributedJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.RetryCount++
	m.retried = append(m.retried, j)
	return nil
}

type fakeCrawler struct {
	links []string
	err   error
	calls int
}

func (f *fakeCrawler) Crawl(context.Context, string, int) ([]string, error) {
	f.calls++
	return f.links, f.err
}

type fakeCrawlStore struct {
	jobID string
	links []string
}

func (f *fakeCrawlStore) InsertBatch(_ context.Context, jobID string, links []string) error {
	f.jobID = jobID
	f.links = links
	return nil
}

type fakeChain struct {
	head   uint64
	events []domain.BlockchainEvent
	filter domain.EventFilter
	err    error
}

func (f *fakeChain) LatestBlock(context.Context) (uint64, error) { return f.head, nil }
func (f *fakeChain) FilterEvents(_ context.Context, fl domain.EventFilter) ([]domain.BlockchainEvent, error) {
	f.filter = fl
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

type fakeCAS struct {
	stored [][]byte
	pinned []string
	err    error
}

func (f *fakeCAS) Put(_ context.Context, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.stored = append(f.stored, data)
	return "QmCID" + string(rune('0'+len(f.stored))), nil
}
func (f *fakeCAS) Get(context.Context, string) ([]byte, error) { return nil, domain.ErrNotFound }
func (f *fakeCAS) Pin(_ context.Context, cid string) error {
	f.pinned = append(f.pinned, cid)
	return nil
}
func (f *fakeCAS) Unpin(context.Context, string) error { return nil }

type fakeEventStore struct {
	events      []domain.BlockchainEvent
	casObjects  []domain.CASObject
	extractions []domain.AIExtraction
}

func (f *fakeEventStore) InsertEvent(_ context.Context, ev domain.BlockchainEvent) (string, error) {
	f.events = append(f.events, ev)
	return "event-" + ev.TransactionHash, nil
}
func (f *fakeEventStore) UpsertCASObject(_ context.Context, obj domain.CASObject) error {
	f.casObjects = append(f.casObjects, obj)
	return nil
}
func (f *fakeEventStore) InsertExtraction(_ context.Context, ex domain.AIExtraction) error {
	f.extractions = append(f.extractions, ex)
	return nil
}

type fakeExtractor struct {
	out json.RawMessage
	err error
}

func (f *fakeExtractor) ExtractStructured(context.Context, string, string) (json.RawMessage, error) {
	return f.out, f.err
}
func (f *fakeExtractor) Summarize(context.Context, string, int) (string, error) { return "", nil }
func (f *fakeExtractor) Classify(context.Context, string, []string) (string, error) {
	return "", nil
}

type fakeCreditLedger struct {
	spends []string
	err    error
}

func (f *fakeCreditLedger) Balance(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeCreditLedger) PurchaseCredits(context.Context, *big.Int) (string, error) {
	return "0xtx", nil
}
func (f *fakeCreditLedger) SpendCredits(_ context.Context, addr string, amount *big.Int, reason string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.spends = append(f.spends, reason+":"+amount.String())
	return "0xtx", nil
}

type fakeCreditStore struct {
	addr    string
	applied []*big.Int
}

func (f *fakeCreditStore) ChainAddress(context.Context, string) (string, error) {
	return f.addr, nil
}
func (f *fakeCreditStore) ApplySpend(_ context.Context, _ string, amount *big.Int) error {
	f.applied = append(f.applied, amount)
	return nil
}

type fakeRegistry struct {
	commits []string
	err     error
}

func (f *fakeRegistry) CommitHash(_ context.Context, hash string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.commits = append(f.commits, hash)
	return "0xcommit", nil
}
func (f *fakeRegistry) VerifyHash(context.Context, string) (uint64, bool, error) {
	return 0, false, nil
}

type fakeTimestampStore struct {
	commits []domain.TimestampCommit
}

func (f *fakeTimestampStore) InsertCommit(_ context.Context, tc domain.TimestampCommit) error {
	f.commits = append(f.commits, tc)
	return nil
}

type fakePublisher struct {
	published []domain.BlockchainEvent
	err       error
}

func (f *fakePublisher) PublishIndexed(_ context.Context, ev domain.BlockchainEvent) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, ev)
	return nil
}

func uintPtr(v uint64) *uint64 { return &v }

func testEvent(txHash string, idx uint) domain.BlockchainEvent {
	return domain.BlockchainEvent{
		Chain:           "ethereum",
		ContractAddress: "0x1c7D4B196Cb023240166624b9c5291532634a66a",
		EventName:       "Transfer",
		BlockNumber:     19000000,
		TransactionHash: txHash,
		EventIndex:      idx,
		EventData:       json.RawMessage(`{"address":"0x1c","topics":[],"data":"0x00"}`),
	}
}
