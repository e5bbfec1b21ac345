package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{99 * 1024 * 1024, "99.0 MiB"},
	}

	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			got := formatBytes(tc.in)
			assert.Equal(t, tc.want, got)
			assert.Len(t, got, 8)
		})
	}
}

func TestCountersAreGathered(t *testing.T) {
	s := newStats(prometheus.NewRegistry())
	s.AddSent("reliable", 100)
	s.AddRecv("lossy", 40)
	s.AddConn()
	s.RemoveConn()
	s.Datagram("out", "friend-request")

	assert.Equal(t, int64(100), s.BytesSent.Load())
	assert.Equal(t, int64(40), s.BytesRecv.Load())

	families, err := s.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"carrier_link_bytes_total",
		"carrier_link_frames_total",
		"carrier_portfwd_connections_total",
		"carrier_control_datagrams_total",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestHandlerServesText(t *testing.T) {
	Stats.AddSent("reliable", 1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "carrier_link_bytes_total")
}
