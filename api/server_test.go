package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codepad/config"
	"github.com/isdmx/codepad/engine"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockCompiler implements Compiler for testing
type MockCompiler struct {
	mu      sync.Mutex
	sources []string
	result  engine.Result
	err     error
}

func (m *MockCompiler) CompileAndRun(_ context.Context, source string) (engine.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, source)
	return m.result, m.err
}

// MockRebuilder implements Rebuilder for testing
type MockRebuilder struct {
	called chan struct{}
	err    error
}

func newMockRebuilder() *MockRebuilder {
	return &MockRebuilder{called: make(chan struct{}, 1)}
}

func (m *MockRebuilder) Rebuild(context.Context) error {
	m.called <- struct{}{}
	return m.err
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.MaxSourceBytes = 64
	cfg.Server.RateLimitRPS = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, compiler *MockCompiler, rebuilder *MockRebuilder, opts ...Option) *Server {
	t.Helper()
	s := New(cfg, zaptest.NewLogger(t), compiler, rebuilder, opts...)
	t.Cleanup(func() {
		s.cancel()
		s.background.Wait()
	})
	return s
}

func postJSON(t *testing.T, handler http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCompile(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		compiler := &MockCompiler{result: engine.Result{Success: true, Output: "hello\n"}}
		s := newTestServer(t, testConfig(), compiler, newMockRebuilder())

		w := postJSON(t, s.Handler(), "/api/compile", []byte(`{"code":"fn main() {}"}`), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"success":true,"output":"hello\n","error":null}`, w.Body.String())
		assert.Equal(t, []string{"fn main() {}"}, compiler.sources)
	})

	t.Run("SnippetFailureIsOK", func(t *testing.T) {
		message := "error: unexpected token"
		compiler := &MockCompiler{result: engine.Result{Success: false, Error: &message, Kind: engine.CompileError}}
		s := newTestServer(t, testConfig(), compiler, newMockRebuilder())

		w := postJSON(t, s.Handler(), "/api/compile", []byte(`{"code":"fn main() {"}`), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, message, body["error"])
	})

	t.Run("EmptyCode", func(t *testing.T) {
		compiler := &MockCompiler{}
		s := newTestServer(t, testConfig(), compiler, newMockRebuilder())

		w := postJSON(t, s.Handler(), "/api/compile", []byte(`{"code":""}`), nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "No code provided", decode(t, w)["error"])
		assert.Empty(t, compiler.sources)
	})

	t.Run("InvalidBody", func(t *testing.T) {
		s := newTestServer(t, testConfig(), &MockCompiler{}, newMockRebuilder())

		w := postJSON(t, s.Handler(), "/api/compile", []byte(`not json`), nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("CodeTooLarge", func(t *testing.T) {
		compiler := &MockCompiler{}
		s := newTestServer(t, testConfig(), compiler, newMockRebuilder())

		body, err := json.Marshal(compileRequest{Code: strings.Repeat("a", 65)})
		require.NoError(t, err)
		w := postJSON(t, s.Handler(), "/api/compile", body, nil)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Empty(t, compiler.sources)
	})

	t.Run("BodyTooLarge", func(t *testing.T) {
		s := newTestServer(t, testConfig(), &MockCompiler{}, newMockRebuilder())

		body := []byte(`{"code":"` + strings.Repeat("a", 10*4096) + `"}`)
		w := postJSON(t, s.Handler(), "/api/compile", body, nil)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("SystemError", func(t *testing.T) {
		compiler := &MockCompiler{err: &engine.Error{Kind: engine.IsolationSpawnFailed, Err: errors.New("firejail: not found")}}
		s := newTestServer(t, testConfig(), compiler, newMockRebuilder())

		w := postJSON(t, s.Handler(), "/api/compile", []byte(`{"code":"fn main() {}"}`), nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		body := decode(t, w)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "Server error during compilation", body["error"])
		assert.NotContains(t, w.Body.String(), "firejail")
	})

	t.Run("RateLimited", func(t *testing.T) {
		s := newTestServer(t, testConfig(), &MockCompiler{}, newMockRebuilder(), WithRateLimiter(NewRateLimiter(0.001, 1)))

		first := postJSON(t, s.Handler(), "/api/compile", []byte(`{"code":"fn main() {}"}`), nil)
		second := postJSON(t, s.Handler(), "/api/compile", []byte(`{"code":"fn main() {}"}`), nil)

		assert.Equal(t, http.StatusOK, first.Code)
		assert.Equal(t, http.StatusTooManyRequests, second.Code)
	})
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig(), &MockCompiler{}, newMockRebuilder())

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestCORS(t *testing.T) {
	t.Run("Preflight", func(t *testing.T) {
		compiler := &MockCompiler{}
		s := newTestServer(t, testConfig(), compiler, newMockRebuilder())

		req := httptest.NewRequest(http.MethodOptions, "/api/compile", nil)
		req.Header.Set("Origin", "https://editor.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
		assert.Empty(t, compiler.sources)
	})

	t.Run("HeadersOnResponse", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.CORSOrigin = "https://editor.example.com"
		compiler := &MockCompiler{result: engine.Result{Success: true}}
		s := newTestServer(t, cfg, compiler, newMockRebuilder())

		w := postJSON(t, s.Handler(), "/api/compile", []byte(`{"code":"fn main() {}"}`), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://editor.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("Disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.CORSOrigin = ""
		s := newTestServer(t, cfg, &MockCompiler{}, newMockRebuilder())

		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(), &MockCompiler{}, newMockRebuilder())

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "codepad_")
}

func TestMCPMount(t *testing.T) {
	t.Run("Mounted", func(t *testing.T) {
		var hit bool
		mcp := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hit = true
			w.WriteHeader(http.StatusNoContent)
		})
		s := newTestServer(t, testConfig(), &MockCompiler{}, newMockRebuilder(), WithMCPHandler(mcp))

		w := postJSON(t, s.Handler(), "/mcp", []byte(`{}`), nil)

		assert.True(t, hit)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("NotMounted", func(t *testing.T) {
		s := newTestServer(t, testConfig(), &MockCompiler{}, newMockRebuilder())

		w := postJSON(t, s.Handler(), "/mcp", []byte(`{}`), nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func pushPayload(t *testing.T, repoURL, ref string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"ref":        ref,
		"repository": map[string]any{"url": repoURL},
	})
	require.NoError(t, err)
	return body
}

func TestGitHubWebhook(t *testing.T) {
	const path = "/api/webhook/github"
	const repo = "https://github.com/Trivaxy/Verifex"

	t.Run("TriggersRebuild", func(t *testing.T) {
		rebuilder := newMockRebuilder()
		s := newTestServer(t, testConfig(), &MockCompiler{}, rebuilder)

		w := postJSON(t, s.Handler(), path, pushPayload(t, repo, "refs/heads/master"), nil)

		assert.Equal(t, http.StatusAccepted, w.Code)
		select {
		case <-rebuilder.called:
		case <-time.After(5 * time.Second):
			t.Fatal("rebuild was not triggered")
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Webhook.Enabled = false
		s := newTestServer(t, cfg, &MockCompiler{}, newMockRebuilder())

		w := postJSON(t, s.Handler(), path, pushPayload(t, repo, "refs/heads/master"), nil)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("WrongContentType", func(t *testing.T) {
		s := newTestServer(t, testConfig(), &MockCompiler{}, newMockRebuilder())

		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("ref=x"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UnrelatedRepository", func(t *testing.T) {
		rebuilder := newMockRebuilder()
		s := newTestServer(t, testConfig(), &MockCompiler{}, rebuilder)

		w := postJSON(t, s.Handler(), path, pushPayload(t, "https://github.com/someone/else", "refs/heads/master"), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, decode(t, w)["message"], "not the configured repository")
		assert.Empty(t, rebuilder.called)
	})

	t.Run("OtherBranch", func(t *testing.T) {
		rebuilder := newMockRebuilder()
		s := newTestServer(t, testConfig(), &MockCompiler{}, rebuilder)

		w := postJSON(t, s.Handler(), path, pushPayload(t, repo+".git", "refs/heads/dev"), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, decode(t, w)["message"], "not the configured branch (master)")
		assert.Empty(t, rebuilder.called)
	})

	t.Run("Signature", func(t *testing.T) {
		cfg := testConfig()
		cfg.Webhook.Secret = "s3cret"
		body := pushPayload(t, repo, "refs/heads/master")

		tests := []struct {
			name      string
			signature string
			want      int
		}{
			{"Valid", sign("s3cret", body), http.StatusAccepted},
			{"Missing", "", http.StatusUnauthorized},
			{"WrongSecret", sign("other", body), http.StatusUnauthorized},
			{"NoPrefix", strings.TrimPrefix(sign("s3cret", body), signaturePrefix), http.StatusUnauthorized},
			{"NotHex", signaturePrefix + "zz", http.StatusUnauthorized},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := newTestServer(t, cfg, &MockCompiler{}, newMockRebuilder())
				headers := map[string]string{}
				if tt.signature != "" {
					headers[signatureHeader] = tt.signature
				}

				w := postJSON(t, s.Handler(), path, body, headers)

				assert.Equal(t, tt.want, w.Code)
			})
		}
	})
}

func TestNormalizeRepoURL(t *testing.T) {
	assert.Equal(t, normalizeRepoURL("https://github.com/Trivaxy/Verifex.git"), normalizeRepoURL("https://github.com/trivaxy/verifex/"))
	assert.NotEqual(t, normalizeRepoURL("https://github.com/a/b"), normalizeRepoURL("https://github.com/a/c"))
}
