package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw     string
		host    string
		port    int
		useTLS  bool
		wantErr bool
	}{
		{"https://cluster.cloud.qdrant.io:6333", "cluster.cloud.qdrant.io", 6334, true, false},
		{"http://localhost:6333", "localhost", 6334, false, false},
		{"http://localhost:7000", "localhost", 7000, false, false},
		{"https://qdrant.internal", "qdrant.internal", 6334, true, false},
		{"not a url", "", 0, false, true},
	}
	for _, tc := range cases {
		host, port, useTLS, err := parseURL(tc.raw)
		if tc.wantErr {
			require.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.host, host, tc.raw)
		assert.Equal(t, tc.port, port, tc.raw)
		assert.Equal(t, tc.useTLS, useTLS, tc.raw)
	}
}
