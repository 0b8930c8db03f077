package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestRoute(t *testing.T) {
	var received RouteRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/route", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		json.NewEncoder(w).Encode(Route{
			RouteID:       "route-42",
			EstimatedOut:  "998500000",
			EstimatedFee:  "1500000",
			ExpiresAtUnix: time.Now().Add(time.Minute).Unix(),
		})
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:     server.URL,
		DestChain:   "filecoin",
		DestToken:   "0xdddd00000000000000000000000000000000dddd",
		DestAddress: "0xbbbb00000000000000000000000000000000bbbb",
		SlippageBps: 300,
		Timeout:     5 * time.Second,
	}, nil)

	route, err := client.RequestRoute(context.Background(), RouteRequest{
		SourceChain:   "base",
		SourceToken:   "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		Amount:        "1000000000",
		SourceAddress: "0xaaaa00000000000000000000000000000000aaaa",
		DestChain:     "filecoin",
		DestToken:     "0xdddd00000000000000000000000000000000dddd",
		DestAddress:   "0xbbbb00000000000000000000000000000000bbbb",
		SlippageBps:   300,
	})
	require.NoError(t, err)
	require.Equal(t, "route-42", route.RouteID)
	require.Equal(t, "998500000", route.EstimatedOut)

	require.Equal(t, "base", received.SourceChain)
	require.Equal(t, "1000000000", received.Amount)
	require.Equal(t, 300, received.SlippageBps)
}

func TestDecodeRouteRejectsErrorStatus(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		Body:       http.NoBody,
	}
	_, err := decodeRoute(resp)
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}
