package hgfs

import (
	"testing"

	"github.com/slackhq/hgfs/config"
	"github.com/slackhq/hgfs/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStats(t *testing.T) {
	l := test.NewLogger()

	for _, tc := range []struct {
		name    string
		raw     string
		err     string
		enabled bool
	}{
		{name: "disabled", raw: "stats:\n  type: none\n"},
		{name: "unset", raw: "logging:\n  level: info\n"},
		{name: "bad interval", raw: "stats:\n  type: graphite\n  interval: often\n", err: "stats.interval"},
		{name: "unknown type", raw: "stats:\n  type: carbon\n  interval: 10s\n", err: "not understood"},
		{name: "graphite without host", raw: "stats:\n  type: graphite\n  interval: 10s\n", err: "stats.host"},
		{name: "graphite", raw: "stats:\n  type: graphite\n  interval: 10s\n  host: 127.0.0.1:2003\n", enabled: true},
		{name: "prometheus without listen", raw: "stats:\n  type: prometheus\n  interval: 10s\n  path: /metrics\n", err: "stats.listen"},
		{name: "prometheus without path", raw: "stats:\n  type: prometheus\n  interval: 10s\n  listen: 127.0.0.1:0\n", err: "stats.path"},
		{name: "prometheus", raw: "stats:\n  type: prometheus\n  interval: 10s\n  listen: 127.0.0.1:0\n  path: /metrics\n", enabled: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tc.raw))

			start, err := startStats(l, c, "test", false)
			if tc.err != "" {
				assert.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.enabled, start != nil)

			// A config test validates without starting anything
			start, err = startStats(l, c, "test", true)
			require.NoError(t, err)
			assert.Nil(t, start)
		})
	}
}
