package mgmtapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolvePoolerHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/abcdef/config/database/pooler", r.URL.Path)
		assert.Equal(t, "Bearer sbp_token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"db_host":"aws-1-eu-central-1.pooler.supabase.com","db_port":6543}`))
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop(), srv.URL)
	host, err := c.ResolvePoolerHost(context.Background(), "abcdef", "sbp_token")
	require.NoError(t, err)
	assert.Equal(t, "aws-1-eu-central-1.pooler.supabase.com", host)
}

func TestResolvePoolerHostErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"bad token"}`, "401"},
		{"missing host", http.StatusOK, `{"db_port":6543}`, "no db_host"},
		{"malformed body", http.StatusOK, `{`, "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(zap.NewNop(), srv.URL)
			_, err := c.ResolvePoolerHost(context.Background(), "abcdef", "sbp_token")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
