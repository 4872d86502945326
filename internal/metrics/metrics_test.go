package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()
}

func TestFrameCounters(t *testing.T) {
	frames := testutil.ToFloat64(framesWritten)
	bytes := testutil.ToFloat64(bytesWritten)

	RecordFrameWritten(4)
	RecordFrameWritten(0)

	require.Equal(t, frames+2, testutil.ToFloat64(framesWritten))
	require.Equal(t, bytes+4, testutil.ToFloat64(bytesWritten))
}

func TestConnectionGauge(t *testing.T) {
	g := activeConnections.WithLabelValues("tcp-test")
	before := testutil.ToFloat64(g)

	done := ConnectionOpened("tcp-test")
	require.Equal(t, before+1, testutil.ToFloat64(g))
	done()
	require.Equal(t, before, testutil.ToFloat64(g))
	require.GreaterOrEqual(t, testutil.ToFloat64(connections.WithLabelValues("tcp-test")), 1.0)
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordFrameRead(3)
	RecordHandlerError("unix-test")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "sfp_frames_read_total"))
	require.True(t, strings.Contains(string(body), `sfp_server_handler_errors_total{scheme="unix-test"}`))
}
