package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"account-service/internal/account"
	"account-service/internal/media"
	"account-service/internal/observability"
)

type stubBlobs struct{}

func (stubBlobs) Upload(_ context.Context, file media.File) (string, error) {
	return "https://cdn.example.com/" + file.Filename, nil
}

type apiEnvelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Errors     []string        `json:"errors"`
}

func testConfig() Config {
	return Config{
		AccessTokenSecret:    "access-secret",
		RefreshTokenSecret:   "refresh-secret",
		AccessTokenTTL:       15 * time.Minute,
		RefreshTokenTTL:      24 * time.Hour,
		TokenIssuer:          "account-service",
		BcryptCost:           bcrypt.MinCost,
		LoginRateLimitMax:    100,
		LoginRateLimitWindow: time.Minute,
		CronSecret:           "cron",
		CleanupBatchSize:     10,
	}
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	handler, err := NewHandler(cfg, Dependencies{Store: account.NewMemoryStore(), Blobs: stubBlobs{}}, observability.NewLoggerTo(io.Discard, 0))
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func do(t *testing.T, client *http.Client, req *http.Request) (int, apiEnvelope) {
	t.Helper()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body apiEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func jsonRequest(t *testing.T, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func registerRequest(t *testing.T, url, username string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("fullName", "User "+username))
	require.NoError(t, writer.WriteField("email", username+"@example.com"))
	require.NoError(t, writer.WriteField("username", username))
	require.NoError(t, writer.WriteField("password", "secret-pw"))

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="avatar"; filename="`+username+`.png"`)
	h.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG\r\n\x1a\n"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, url+usersPrefix+"/register", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t, testConfig())
	client := newClient(t)
	base := server.URL + usersPrefix

	status, body := do(t, client, registerRequest(t, server.URL, "alice"))
	require.Equal(t, http.StatusCreated, status, body.Message)

	status, _ = do(t, client, jsonRequest(t, http.MethodGet, base+"/current-user", ""))
	require.Equal(t, http.StatusUnauthorized, status)

	status, body = do(t, client, jsonRequest(t, http.MethodPost, base+"/login", `{"username":"alice","password":"secret-pw"}`))
	require.Equal(t, http.StatusOK, status)
	var session struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &session))

	// Cookie jar carries the access token.
	status, body = do(t, client, jsonRequest(t, http.MethodGet, base+"/current-user", ""))
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body.Data), `"username":"alice"`)

	// So does a bearer header on a cookieless client.
	bare := &http.Client{}
	req := jsonRequest(t, http.MethodGet, base+"/current-user", "")
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	status, _ = do(t, bare, req)
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, client, jsonRequest(t, http.MethodPost, base+"/refresh-token", ""))
	require.Equal(t, http.StatusOK, status)

	// The token from login has been rotated away.
	status, _ = do(t, bare, jsonRequest(t, http.MethodPost, base+"/refresh-token", `{"refreshToken":"`+session.RefreshToken+`"}`))
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, client, jsonRequest(t, http.MethodPost, base+"/logout", ""))
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, client, jsonRequest(t, http.MethodPost, base+"/refresh-token", ""))
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestChannelRoutesOverHTTP(t *testing.T) {
	server := newTestServer(t, testConfig())
	base := server.URL + usersPrefix

	alice := newClient(t)
	status, _ := do(t, alice, registerRequest(t, server.URL, "alice"))
	require.Equal(t, http.StatusCreated, status)
	status, _ = do(t, alice, registerRequest(t, server.URL, "bob"))
	require.Equal(t, http.StatusCreated, status)

	status, _ = do(t, alice, jsonRequest(t, http.MethodPost, base+"/login", `{"email":"alice@example.com","password":"secret-pw"}`))
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, alice, jsonRequest(t, http.MethodPost, base+"/c/bob/subscription", ""))
	require.Equal(t, http.StatusOK, status)

	status, body := do(t, alice, jsonRequest(t, http.MethodGet, base+"/c/bob", ""))
	require.Equal(t, http.StatusOK, status)
	var channel account.ChannelProfile
	require.NoError(t, json.Unmarshal(body.Data, &channel))
	assert.EqualValues(t, 1, channel.SubscribersCount)
	assert.True(t, channel.IsSubscribed)

	status, _ = do(t, alice, jsonRequest(t, http.MethodDelete, base+"/c/bob/subscription", ""))
	require.Equal(t, http.StatusOK, status)
}

func TestLoginIsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.LoginRateLimitMax = 2
	server := newTestServer(t, cfg)
	client := newClient(t)

	for i := 0; i < 2; i++ {
		status, _ := do(t, client, jsonRequest(t, http.MethodPost, server.URL+usersPrefix+"/login", `{"username":"x","password":"y"}`))
		require.Equal(t, http.StatusNotFound, status)
	}

	status, body := do(t, client, jsonRequest(t, http.MethodPost, server.URL+usersPrefix+"/login", `{"username":"x","password":"y"}`))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.False(t, body.Success)
}

func TestHealthAndRequestID(t *testing.T) {
	server := newTestServer(t, testConfig())

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(observability.RequestIDHeader))

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `route="GET /health"`)
}

func TestBuildWithMemoryStoreAndRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	setBaseEnv(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())

	runtime, err := Build(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close() })

	rec := httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 3; i++ {
		rec = httptest.NewRecorder()
		runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, usersPrefix+"/login", strings.NewReader(`{"username":"x","password":"y"}`)))
	}
	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "login_rl:"))
}

func TestBuildFailsWithoutSecrets(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ACCESS_TOKEN_SECRET", "")

	_, err := Build(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACCESS_TOKEN_SECRET")
}
