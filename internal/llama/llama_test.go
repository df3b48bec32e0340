// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FAKE SERVER
// =============================================================================

func sseServer(t *testing.T, tokens []string, timings Timings) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		case "/completion":
			w.Header().Set("Content-Type", "text/event-stream")
			for _, tok := range tokens {
				b, _ := json.Marshal(map[string]any{"content": tok, "stop": false})
				fmt.Fprintf(w, "data: %s\n\n", b)
			}
			b, _ := json.Marshal(map[string]any{
				"content":          "",
				"stop":             true,
				"stopped_word":     true,
				"stopping_word":    "<|end|>",
				"tokens_predicted": len(tokens),
				"timings":          timings,
			})
			fmt.Fprintf(w, "data: %s\n\n", b)
		default:
			http.NotFound(w, r)
		}
	}))
}

// =============================================================================
// REQUEST ENCODING TESTS
// =============================================================================

func TestCompletionRequest_OmitsUnsetOptions(t *testing.T) {
	temp := 0.7
	req := CompletionRequest{
		Prompt:      "p",
		Stop:        []string{"<|end|>", "<|user|>"},
		Temperature: &temp,
	}

	b, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, 0.7, decoded["temperature"])
	for _, key := range []string{"top_k", "top_p", "seed", "n_predict", "mirostat", "logit_bias", "grammar"} {
		_, present := decoded[key]
		assert.False(t, present, "%s should be omitted", key)
	}
}

func TestLogitBias_JSON(t *testing.T) {
	b, err := json.Marshal([]LogitBias{{Token: 15043, Bias: 1.0}})
	require.NoError(t, err)
	assert.JSONEq(t, `[[15043, 1.0]]`, string(b))

	var back []LogitBias
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, []LogitBias{{Token: 15043, Bias: 1.0}}, back)
}

func TestLoadOptions_Args(t *testing.T) {
	layers := 0
	tests := []struct {
		name string
		opts LoadOptions
		want []string
	}{
		{"defaults", LoadOptions{}, nil},
		{"mlock and gpu", LoadOptions{UseMlock: true, GPULayers: &layers}, []string{"--mlock", "-ngl", "0"}},
		{"embedding", LoadOptions{Embedding: true}, []string{"--embedding"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.opts.Args())
		})
	}
}

// =============================================================================
// STREAM READER TESTS
// =============================================================================

func TestStreamReader_Process(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"content":"Hel","stop":false}`,
		``,
		`: keep-alive`,
		`data: not json`,
		`data: {"content":"lo","stop":false}`,
		``,
		`data: {"content":"","stop":true,"timings":{"predicted_per_token_ms":12.4,"predicted_per_second":80.65,"predicted_n":2}}`,
		``,
	}, "\n")

	var tokens []string
	res, err := NewStreamReader(strings.NewReader(stream)).Process(context.Background(), func(td TokenData) {
		tokens = append(tokens, td.Token)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, tokens)
	assert.Equal(t, "Hello", res.Content)
	assert.Equal(t, 2, res.Timings.PredictedN)
	assert.InDelta(t, 80.65, res.Timings.PredictedPerSecond, 1e-9)
	assert.Equal(t, 2, res.TokensPredicted)
}

func TestStreamReader_TruncatedStream(t *testing.T) {
	stream := "data: {\"content\":\"partial\",\"stop\":false}\n"

	_, err := NewStreamReader(strings.NewReader(stream)).Process(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream ended")
}

func TestStreamReader_ErrorEvent(t *testing.T) {
	stream := "error: {\"code\":500,\"message\":\"context full\"}\n"

	_, err := NewStreamReader(strings.NewReader(stream)).Process(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, "context full", err.Error())
}

func TestStreamReader_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStreamReader(strings.NewReader("data: {}\n")).Process(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestClient_Completion(t *testing.T) {
	srv := sseServer(t, []string{"I", " don't", " know."}, Timings{PredictedPerTokenMS: 20, PredictedPerSecond: 50})
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})

	var got strings.Builder
	res, err := client.Completion(context.Background(), CompletionRequest{Prompt: "x"}, func(td TokenData) {
		got.WriteString(td.Token)
	})

	require.NoError(t, err)
	assert.Equal(t, "I don't know.", got.String())
	assert.Equal(t, "I don't know.", res.Content)
	assert.True(t, res.StoppedWord)
	assert.Equal(t, "<|end|>", res.StoppingWord)
	assert.Equal(t, 50.0, res.Timings.PredictedPerSecond)
}

func TestClient_CompletionSendsStreamingRequest(t *testing.T) {
	var body CompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, "data: {\"content\":\"\",\"stop\":true}\n\n")
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	_, err := client.Completion(context.Background(), CompletionRequest{
		Prompt: "hello",
		Stop:   []string{"<|end|>", "<|user|>"},
	}, nil)

	require.NoError(t, err)
	assert.True(t, body.Stream)
	assert.Equal(t, "hello", body.Prompt)
	assert.Equal(t, []string{"<|end|>", "<|user|>"}, body.Stop)
}

func TestClient_CompletionServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"prompt too long","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	_, err := client.Completion(context.Background(), CompletionRequest{Prompt: "x"}, nil)

	require.Error(t, err)
	assert.Equal(t, "prompt too long", err.Error())
}

func TestClient_CheckHealth(t *testing.T) {
	var loading atomic.Bool
	loading.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if loading.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"code":503,"message":"Loading model"}}`))
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})

	err := client.CheckHealth(context.Background())
	assert.True(t, IsLoading(err), "want loading error, got %v", err)

	loading.Store(false)
	assert.NoError(t, client.CheckHealth(context.Background()))
}

func TestClient_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: url})
	err := client.CheckHealth(context.Background())
	assert.True(t, IsNotRunning(err), "want not running, got %v", err)

	err = client.WaitReady(context.Background(), 300*time.Millisecond)
	assert.True(t, IsTimeout(err), "want timeout, got %v", err)
}

// =============================================================================
// ENGINE TESTS
// =============================================================================

func TestEngine_AttachAssignsFreshIDs(t *testing.T) {
	srv := sseServer(t, nil, Timings{})
	defer srv.Close()

	engine := NewEngine(EngineConfig{BaseURL: srv.URL, StartupTimeout: time.Second}, nil)

	first, err := engine.Load(context.Background(), "", LoadOptions{})
	require.NoError(t, err)
	second, err := engine.Load(context.Background(), "", LoadOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID())
	assert.NotEqual(t, first.ID(), second.ID())
	assert.NoError(t, first.Close())
}

func TestEngine_MissingModel(t *testing.T) {
	engine := NewEngine(EngineConfig{ServerPath: "llama-server"}, nil)

	_, err := engine.Load(context.Background(), "/does/not/exist.gguf", LoadOptions{})
	assert.True(t, IsModelNotFound(err), "want model not found, got %v", err)
}

func TestEngine_ServerArgs(t *testing.T) {
	engine := NewEngine(EngineConfig{BaseURL: "http://127.0.0.1:9090", ExtraArgs: []string{"-c", "4096"}}, nil)
	layers := 0

	args, err := engine.serverArgs("/m.gguf", LoadOptions{UseMlock: true, GPULayers: &layers})
	require.NoError(t, err)
	assert.Equal(t, []string{"-m", "/m.gguf", "--mlock", "-ngl", "0", "--host", "127.0.0.1", "--port", "9090", "-c", "4096"}, args)
}
