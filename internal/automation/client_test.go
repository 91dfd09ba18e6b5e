package automation_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-signup/internal/automation"
	"ms-signup/internal/config"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
)

type memoryWarmStore struct {
	payloads map[string][]byte
}

func newMemoryWarmStore() *memoryWarmStore {
	return &memoryWarmStore{payloads: make(map[string][]byte)}
}

func (s *memoryWarmStore) SetWarmContext(planID string, payload []byte, _ time.Duration) error {
	s.payloads[planID] = payload
	return nil
}

func (s *memoryWarmStore) GetWarmContext(planID string) ([]byte, error) {
	return s.payloads[planID], nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration, warm automation.WarmStore) *automation.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return automation.NewClient(config.AutomationConfig{
		BaseURL: server.URL,
		Timeout: timeout,
	}, warm, logger.NewLogger())
}

func testReservation() models.Reservation {
	return models.Reservation{
		ReservationID:      "res-1",
		UserID:             "user-1",
		SessionID:          "session-1",
		Status:             models.ReservationPending,
		ProviderPlatform:   models.PlatformCampBrain,
		ProviderSessionKey: "cb-42",
	}
}

func TestPerformRegistrationConfirmed(t *testing.T) {
	var received map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/registrations", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(models.ProviderResponse{
			Result:          "confirmed",
			ConfirmationRef: "CB-9001",
		})
	}, 5*time.Second, nil)

	resp, err := client.PerformRegistration(context.Background(), testReservation(), &models.BookingDetails{
		Platform: models.PlatformCampBrain,
	})
	require.NoError(t, err)
	assert.Equal(t, "confirmed", resp.Result)
	assert.Equal(t, "CB-9001", resp.ConfirmationRef)
	assert.Equal(t, "res-1", received["reservation_id"])
	assert.Equal(t, "cb-42", received["session_key"])
}

func TestPerformRegistrationTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}, 50*time.Millisecond, nil)

	resp, err := client.PerformRegistration(context.Background(), testReservation(), nil)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, automation.ErrTimeout)
}

func TestPerformRegistrationNonOKStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}, 5*time.Second, nil)

	_, err := client.PerformRegistration(context.Background(), testReservation(), nil)
	assert.ErrorContains(t, err, "status 502")
}

func TestCheckSessionOpen(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/sessions/open", r.URL.Path)
		require.Equal(t, "campbrain", r.URL.Query().Get("provider"))
		json.NewEncoder(w).Encode(map[string]bool{"open": true})
	}, 5*time.Second, nil)

	open, err := client.CheckSessionOpen(context.Background(), "campbrain", "session-1")
	require.NoError(t, err)
	assert.True(t, open)
}

func TestWarmContextCachedAndSentWithRegistration(t *testing.T) {
	warm := newMemoryWarmStore()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/warm":
			json.NewEncoder(w).Encode(map[string]string{"session_cookie": "abc123"})
		case "/api/v1/registrations":
			var req map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.NotNil(t, req["warm_context"], "prewarmed context travels with the attempt")
			json.NewEncoder(w).Encode(models.ProviderResponse{Result: "confirmed"})
		default:
			http.NotFound(w, r)
		}
	}, 5*time.Second, warm)

	require.NoError(t, client.WarmAuthContext(context.Background(), models.RegistrationPlan{
		PlanID:       "res-1",
		ProviderName: "campbrain",
		SessionRef:   "session-1",
	}))
	require.NotEmpty(t, warm.payloads["res-1"])

	_, err := client.PerformRegistration(context.Background(), testReservation(), nil)
	require.NoError(t, err)
}
