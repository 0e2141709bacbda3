package query

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxGarden/internal/metrics"
	"fluxGarden/internal/model"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg, m := metrics.NewRegistry()
	m.SetHeadBlock(42)
	srv := httptest.NewServer(NewServer(NewService(seededStore(t)), reg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServerGetUser(t *testing.T) {
	srv := newTestServer(t)

	var user model.User
	require.Equal(t, http.StatusOK, get(t, srv, "/v1/users/"+alice, &user))
	assert.Equal(t, alice, user.ID)
	assert.Equal(t, "25", user.StakedAmount.Dec())

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/v1/users/"+carol, &body))
	assert.Equal(t, "not found", body["error"])

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/users/nobody", nil))
}

func TestServerGetProtocol(t *testing.T) {
	srv := newTestServer(t)

	var raw map[string]interface{}
	require.Equal(t, http.StatusOK, get(t, srv, "/v1/protocol", &raw))
	assert.Equal(t, model.ProtocolID, raw["id"])
	assert.Equal(t, "25", raw["totalStaked"])
}

func TestServerListEvents(t *testing.T) {
	srv := newTestServer(t)

	var page struct {
		Records []json.RawMessage `json:"records"`
		Next    string            `json:"next"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/v1/users/"+alice+"/events?kind=Staked&limit=3", &page))
	assert.Len(t, page.Records, 3)
	assert.Equal(t, "5:0:0", page.Next)

	var record model.EventRecord
	require.NoError(t, json.Unmarshal(page.Records[0], &record))
	assert.Equal(t, model.KindStaked, record.Kind)
	assert.Equal(t, uint64(7), record.Meta.BlockNumber)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/users/"+alice+"/events?kind=Staked&limit=ten", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/users/"+alice+"/events", nil))
}

func TestServerListProtocolEvents(t *testing.T) {
	reg, _ := metrics.NewRegistry()
	srv := httptest.NewServer(NewServer(NewService(withRateUpdates(t, seededStore(t))), reg, nil).Handler())
	t.Cleanup(srv.Close)

	var page struct {
		Records []model.EventRecord `json:"records"`
		Next    string              `json:"next"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/v1/protocol/events?kind=RewardRateUpdated", &page))
	require.Len(t, page.Records, 3)
	assert.Equal(t, model.KindRewardRateUpdated, page.Records[0].Kind)
	assert.Equal(t, uint64(12), page.Records[0].Meta.BlockNumber)
	assert.Empty(t, page.Next)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/protocol/events", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/protocol/events?kind=Staked&before=soon", nil))
}

func TestServerOverview(t *testing.T) {
	srv := newTestServer(t)

	var overview struct {
		User        model.User        `json:"user"`
		Stakes      []json.RawMessage `json:"stakes"`
		Withdrawals []json.RawMessage `json:"withdrawals"`
		Claims      []json.RawMessage `json:"claims"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/v1/users/"+alice+"/overview", &overview))
	assert.Equal(t, alice, overview.User.ID)
	assert.Len(t, overview.Stakes, 5)
	assert.Len(t, overview.Withdrawals, 1)
	assert.Len(t, overview.Claims, 0)
}

func TestServerHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	var health map[string]interface{}
	require.Equal(t, http.StatusOK, get(t, srv, "/healthz", &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(9), health["block"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "staking_indexer_head_block 42")
}
