package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	testifyMock "github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dev-mohitbeniwal/echo/authz/audit"
	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
	"github.com/dev-mohitbeniwal/echo/authz/test/mock"
)

func sampleRecord() audit.Record {
	req := model.NewAuthorizationRequest(
		model.Principal{ID: "agent-1", TeamIDs: []string{"platform"}},
		model.Resource{ID: "db.query", Sensitivity: model.SensitivityMedium},
		"execute", nil, model.RequestContext{Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	)
	cls := model.ClassificationResult{
		Label:      model.SensitivityHigh,
		Confidence: 0.7,
		RiskScore:  30,
		Findings: []model.Finding{
			{Kind: model.FindingHighEntropy, Severity: model.SeverityHigh, Location: "parameters.q"},
			{Kind: model.FindingHighEntropy, Severity: model.SeverityHigh, Location: "parameters.r"},
		},
	}
	dec := model.Decision{Allow: true, Reason: "allowed", EvaluatedAt: req.Context.Timestamp}
	return audit.NewRecord(req, cls, dec, 1500*time.Microsecond)
}

func TestNewRecord(t *testing.T) {
	rec := sampleRecord()
	assert.Equal(t, "agent-1", rec.PrincipalID)
	assert.Equal(t, []string{"platform"}, rec.TeamIDs)
	assert.True(t, rec.AccessGranted)
	assert.Equal(t, model.SensitivityHigh, rec.Sensitivity)
	assert.Equal(t, []model.FindingKind{model.FindingHighEntropy}, rec.FindingKinds)
	assert.Equal(t, int64(1500), rec.LatencyMicros)
	assert.Equal(t, model.SourceCacheMiss, rec.Source)
}

func TestAsyncSinkWritesRecords(t *testing.T) {
	repo := new(mock.MockAuditRepository)
	repo.On("Write", testifyMock.Anything, testifyMock.AnythingOfType("audit.Record")).Return(nil).Times(3)

	sink := audit.NewAsyncSink(repo, 8)
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Emit(context.Background(), sampleRecord()))
	}
	require.NoError(t, sink.Close(context.Background()))

	repo.AssertExpectations(t)
	stats := sink.Stats()
	assert.Equal(t, uint64(3), stats.Queued)
	assert.Equal(t, uint64(3), stats.Written)
	assert.ErrorIs(t, sink.Emit(context.Background(), sampleRecord()), authzErrors.ErrAuditSinkClosed)
}

func TestAsyncSinkCountsFailures(t *testing.T) {
	repo := new(mock.MockAuditRepository)
	repo.On("Write", testifyMock.Anything, testifyMock.Anything).Return(errors.New("boom"))

	sink := audit.NewAsyncSink(repo, 4)
	require.NoError(t, sink.Emit(context.Background(), sampleRecord()))
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, uint64(1), sink.Stats().Failed)
}

type blockingRepo struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingRepo) Write(ctx context.Context, rec audit.Record) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return nil
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	repo := &blockingRepo{release: make(chan struct{}), started: make(chan struct{})}
	sink := audit.NewAsyncSink(repo, 1)

	require.NoError(t, sink.Emit(context.Background(), sampleRecord()))
	<-repo.started
	require.NoError(t, sink.Emit(context.Background(), sampleRecord()))
	assert.ErrorIs(t, sink.Emit(context.Background(), sampleRecord()), authzErrors.ErrAuditSinkFull)
	assert.Equal(t, uint64(1), sink.Stats().Dropped)

	close(repo.release)
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, uint64(2), sink.Stats().Written)
}

func TestElasticsearchRepositoryWrite(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	repo, err := audit.NewElasticsearchRepository(srv.URL, "")
	require.NoError(t, err)

	rec := sampleRecord()
	rec.ID = "rec-1"
	require.NoError(t, repo.Write(context.Background(), rec))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasPrefix(path, "/"+audit.DefaultIndex+"/_doc/rec-1"), path)
	assert.Equal(t, "agent-1", body["principal_id"])
	assert.Equal(t, "high", body["sensitivity"])
}

func TestElasticsearchRepositoryReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	repo, err := audit.NewElasticsearchRepository(srv.URL, "audit")
	require.NoError(t, err)
	assert.Error(t, repo.Write(context.Background(), sampleRecord()))
}
