// audit/repository.go
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"
	"go.uber.org/zap"

	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
)

const DefaultIndex = "authz-decisions"

type Repository interface {
	Write(ctx context.Context, rec Record) error
}

type ElasticsearchRepository struct {
	esClient *elasticsearch.Client
	index    string
}

// NewElasticsearchRepository creates a repository writing to index on the cluster at esURL.
func NewElasticsearchRepository(esURL, index string) (*ElasticsearchRepository, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{esURL},
	}
	esClient, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return NewElasticsearchRepositoryWithClient(esClient, index), nil
}

func NewElasticsearchRepositoryWithClient(esClient *elasticsearch.Client, index string) *ElasticsearchRepository {
	if index == "" {
		index = DefaultIndex
	}
	return &ElasticsearchRepository{esClient: esClient, index: index}
}

// Write indexes one record. Records without an ID get a random one.
func (r *ElasticsearchRepository) Write(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      r.index,
		DocumentID: rec.ID,
		Body:       bytes.NewReader(data),
	}

	res, err := req.Do(ctx, r.esClient)
	if err != nil {
		return fmt.Errorf("failed to index audit record: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error indexing document: %s", res.String())
	}
	return nil
}

// LogRepository writes records to the application log.
type LogRepository struct{}

func (LogRepository) Write(ctx context.Context, rec Record) error {
	logger.Info("Authorization decision",
		zap.String("principalID", rec.PrincipalID),
		zap.String("action", rec.Action),
		zap.String("resourceID", rec.ResourceID),
		zap.Bool("allow", rec.AccessGranted),
		zap.String("reason", rec.Reason),
		zap.Stringer("source", rec.Source),
		zap.Stringer("sensitivity", rec.Sensitivity),
		zap.Int("riskScore", rec.RiskScore),
		zap.Int64("latencyMicros", rec.LatencyMicros))
	return nil
}
