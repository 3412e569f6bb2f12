package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/config"
	"vigil/internal/kafka"
	"vigil/internal/storage"
)

type pingStore struct {
	memStore
	pingErr error
}

func (s *pingStore) ListActiveRules(context.Context) ([]storage.RuleRow, error) { return nil, nil }

func (s *pingStore) StationForDevice(context.Context, string) (string, error) { return "", nil }

func (s *pingStore) Ping(context.Context) error { return s.pingErr }

func (s *pingStore) Close() {}

func getHealth(t *testing.T, p *Processor) (*httptest.ResponseRecorder, Health) {
	t.Helper()
	rec := httptest.NewRecorder()
	p.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var out Health
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthHandler(t *testing.T) {
	t.Run("store down", func(t *testing.T) {
		rec, _ := getHealth(t, &Processor{store: &pingStore{pingErr: errors.New("pool closed")}})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "pool closed")
	})

	t.Run("fan-out disabled", func(t *testing.T) {
		rec, out := getHealth(t, &Processor{store: &pingStore{}})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "healthy", out.Status)
		assert.Empty(t, out.Fanout)
	})

	t.Run("broker unreachable", func(t *testing.T) {
		producer, err := kafka.NewProducer([]string{"127.0.0.1:1"}, "alerts", config.Default().Kafka.Producer)
		require.NoError(t, err)
		defer producer.Close()

		rec, out := getHealth(t, &Processor{store: &pingStore{}, producer: producer})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "degraded", out.Status)
		assert.Contains(t, out.Fanout, "kafka health check")
	})
}
