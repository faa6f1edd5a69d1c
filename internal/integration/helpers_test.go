//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node KRaft broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("coastal-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// startContainer runs a plain image and returns host:port for the exposed port.
func startContainer(ctx context.Context, t *testing.T, req testcontainers.ContainerRequest) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start %s", req.Image)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, nat.Port(req.ExposedPorts[0]))
	require.NoError(t, err)
	return net.JoinHostPort(host, port.Port())
}

func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	addr := startContainer(ctx, t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "coastal",
			"POSTGRES_PASSWORD": "coastal",
			"POSTGRES_DB":       "coastal",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})
	return fmt.Sprintf("postgres://coastal:coastal@%s/coastal?sslmode=disable", addr)
}

func startRedis(ctx context.Context, t *testing.T) string {
	t.Helper()
	return startContainer(ctx, t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	})
}

type mockReportRow struct {
	ReporterID  string  `json:"reporter_id"`
	HazardType  string  `json:"hazard_type"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	MinutesAgo  int     `json:"minutes_ago"`
	Description string  `json:"description"`
}

// loadMockSubmissions reads the shared pipeline fixture with timestamps
// relative to now.
func loadMockSubmissions(t *testing.T) []domain.Submission {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "pipeline", "testdata", "coastal_reports.json"))
	require.NoError(t, err)
	var rows []mockReportRow
	require.NoError(t, json.Unmarshal(data, &rows))

	now := time.Now().UTC()
	subs := make([]domain.Submission, 0, len(rows))
	for _, r := range rows {
		lat, lon := r.Lat, r.Lon
		subs = append(subs, domain.Submission{
			ReporterID:  r.ReporterID,
			HazardType:  r.HazardType,
			Lat:         &lat,
			Lon:         &lon,
			Timestamp:   now.Add(-time.Duration(r.MinutesAgo) * time.Minute).Format(time.RFC3339),
			Description: r.Description,
		})
	}
	return subs
}
