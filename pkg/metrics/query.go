package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// AgentTraffic represents aggregated message counts for one agent.
type AgentTraffic struct {
	Agent        string `json:"agent"`
	MessagesSent int64  `json:"messages_sent"`
	MessagesRecv int64  `json:"messages_received"`
	SendFailures int64  `json:"send_failures"`
}

// QueryService provides methods to query bus metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service pointed at a Prometheus
// server that scrapes this process.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetAgentTraffic retrieves aggregated send/receive counts for one agent.
func (q *QueryService) GetAgentTraffic(ctx context.Context, agent string) (*AgentTraffic, error) {
	traffic := &AgentTraffic{Agent: agent}

	sentQuery := fmt.Sprintf(`sum(bus_messages_total{from=%q})`, agent)
	sentResult, _, err := q.queryAPI.Query(ctx, sentQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query sent messages: %w", err)
	}
	if vector, ok := sentResult.(model.Vector); ok && len(vector) > 0 {
		traffic.MessagesSent = int64(vector[0].Value)
	}

	recvQuery := fmt.Sprintf(`sum(bus_messages_total{to=%q})`, agent)
	recvResult, _, err := q.queryAPI.Query(ctx, recvQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query received messages: %w", err)
	}
	if vector, ok := recvResult.(model.Vector); ok && len(vector) > 0 {
		traffic.MessagesRecv = int64(vector[0].Value)
	}

	failQuery := `sum(bus_send_failures_total)`
	failResult, _, err := q.queryAPI.Query(ctx, failQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query send failures: %w", err)
	}
	if vector, ok := failResult.(model.Vector); ok && len(vector) > 0 {
		traffic.SendFailures = int64(vector[0].Value)
	}

	return traffic, nil
}

// GetTrafficByKind retrieves message totals broken down by message kind.
func (q *QueryService) GetTrafficByKind(ctx context.Context) (map[string]int64, error) {
	result := make(map[string]int64)

	kindQuery := `sum by (kind) (bus_messages_total)`
	kindResult, _, err := q.queryAPI.Query(ctx, kindQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query messages by kind: %w", err)
	}

	if vector, ok := kindResult.(model.Vector); ok {
		for _, sample := range vector {
			if kind, ok := sample.Metric["kind"]; ok {
				result[string(kind)] = int64(sample.Value)
			}
		}
	}

	return result, nil
}
