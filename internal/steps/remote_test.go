package steps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rendis/leadflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteStep_Invoke(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":{"leadCount":1},"next":{"key":"control","payload":{"state":"$state"}},"done":false}`))
	}))
	defer srv.Close()

	step, err := NewRemoteStep("analyze", srv.URL+"/", RemoteConfig{})
	require.NoError(t, err)
	assert.True(t, step.Describe().Remote)

	env, err := step.Invoke(context.Background(), map[string]any{"placeId": "a"})
	require.NoError(t, err)

	assert.Equal(t, "/task/analyze", gotPath)
	assert.Equal(t, "a", gotBody["placeId"])
	assert.Equal(t, json.Number("1"), env.State["leadCount"])
	require.True(t, env.HasNext())
	assert.Equal(t, "control", env.Next.Key)
}

func TestRemoteStep_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/task/broken":
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		case "/task/garbage":
			_, _ = w.Write([]byte(`not json`))
		case "/task/slow":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte(`{"done":true}`))
		}
	}))
	defer srv.Close()

	tests := []struct {
		key  string
		code string
	}{
		{"broken", schema.ErrCodeTransport},
		{"garbage", schema.ErrCodeTransport},
		{"slow", schema.ErrCodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			step, err := NewRemoteStep(tt.key, srv.URL, RemoteConfig{Timeout: 50 * time.Millisecond})
			require.NoError(t, err)

			_, err = step.Invoke(context.Background(), map[string]any{})
			require.Error(t, err)
			assert.Equal(t, tt.code, schema.CodeOf(err))
		})
	}
}

func TestNewRemoteStep_Validation(t *testing.T) {
	_, err := NewRemoteStep("", "http://x", RemoteConfig{})
	assert.True(t, schema.IsValidation(err))

	_, err = NewRemoteStep("detail", "ftp://x", RemoteConfig{})
	assert.True(t, schema.IsValidation(err))
}
