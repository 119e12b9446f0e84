package offlinecache

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyFor(t *testing.T) {
	t.Run("uses method and full url", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "https://dash.example/api/counties?year=2022", nil)
		key := KeyFor(req)
		require.Equal(t, "GET", key.Method)
		require.Equal(t, "https://dash.example/api/counties?year=2022", key.URL)
		require.Equal(t, "GET https://dash.example/api/counties?year=2022", key.String())
	})

	t.Run("drops fragment", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "https://dash.example/counties#nairobi", nil)
		require.Equal(t, "https://dash.example/counties", KeyFor(req).URL)
	})

	t.Run("query differences are distinct keys", func(t *testing.T) {
		a := KeyFor(httptest.NewRequest(http.MethodGet, "https://dash.example/api/x?a=1", nil))
		b := KeyFor(httptest.NewRequest(http.MethodGet, "https://dash.example/api/x?a=2", nil))
		require.NotEqual(t, a, b)
	})

	t.Run("methods are distinct keys", func(t *testing.T) {
		a := KeyFor(httptest.NewRequest(http.MethodGet, "https://dash.example/api/x", nil))
		b := KeyFor(httptest.NewRequest(http.MethodHead, "https://dash.example/api/x", nil))
		require.NotEqual(t, a, b)
	})
}

func TestNewRequestKey(t *testing.T) {
	key, err := NewRequestKey("get", "https://dash.example/manifest.json")
	require.NoError(t, err)
	require.Equal(t, RequestKey{Method: "GET", URL: "https://dash.example/manifest.json"}, key)

	key, err = NewRequestKey("", "https://dash.example/")
	require.NoError(t, err)
	require.Equal(t, "GET", key.Method)

	_, err = NewRequestKey("GET", "/relative")
	require.Error(t, err)
}

func TestParseRequestKey(t *testing.T) {
	tests := []struct {
		input   string
		want    RequestKey
		wantErr bool
	}{
		{input: "GET https://dash.example/", want: RequestKey{Method: "GET", URL: "https://dash.example/"}},
		{input: "head https://dash.example/icons/icon-192x192.png", want: RequestKey{Method: "HEAD", URL: "https://dash.example/icons/icon-192x192.png"}},
		{input: "", wantErr: true},
		{input: "GET", wantErr: true},
		{input: "GET /relative", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRequestKey(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.want.String(), got.String())
		})
	}
}

func TestRequestKeyIsZero(t *testing.T) {
	require.True(t, RequestKey{}.IsZero())
	require.False(t, RequestKey{Method: "GET", URL: "https://dash.example/"}.IsZero())
}
