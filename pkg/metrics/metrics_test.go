package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	ObserveGatewayRequest("LSList", ResultSuccess)
	ObserveGatewayRequest("LSList", ResultSuccess)
	ObserveGatewayRequest("bytProxy", ResultError)
	assert.Equal(t, 2.0, testutil.ToFloat64(gatewayRequests.WithLabelValues("LSList", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(gatewayRequests.WithLabelValues("bytProxy", ResultError)))

	before := testutil.ToFloat64(gatewayRelogins)
	ObserveRelogin()
	assert.Equal(t, before+1, testutil.ToFloat64(gatewayRelogins))

	ObserveIndications("push", true)
	ObserveIndications("push", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(indications.WithLabelValues("push", ResultError)))

	SetAccountBalance("moscow", "123", -42.5)
	assert.Equal(t, -42.5, testutil.ToFloat64(accountBalance.WithLabelValues("moscow", "123")))
	DeleteAccountBalance("moscow", "123")

	ObserveRefresh("meters", 150*time.Millisecond)
	ObserveRefreshFailure("meters")
	assert.Equal(t, 1.0, testutil.ToFloat64(refreshFailures.WithLabelValues("meters")))
}

func TestHandler(t *testing.T) {
	ObserveGatewayRequest("Init", ResultSuccess)

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `lkcomu_gateway_requests_total{query="Init",result="success"}`)
}
