package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/signalpoll/pkg/audit"
	"github.com/haasonsaas/signalpoll/pkg/auth"
	"github.com/haasonsaas/signalpoll/pkg/backoff"
	"github.com/haasonsaas/signalpoll/pkg/compression"
	"github.com/haasonsaas/signalpoll/pkg/config"
	"github.com/haasonsaas/signalpoll/pkg/envelope"
	"github.com/haasonsaas/signalpoll/pkg/keys"
	"github.com/haasonsaas/signalpoll/pkg/poll"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testMasterSecret = "0123456789abcdef0123456789abcdef"
	testAdminToken   = "admin-token-for-tests"
	testDevice       = "device-001"
)

type serverTestEnv struct {
	server *Server
	gin    *gin.Engine
	tokens *auth.TokenAuthenticator
}

type envOption func(cfg *config.ServerConfig, deps *serverDeps)

func withRateLimit(n int) envOption {
	return func(cfg *config.ServerConfig, _ *serverDeps) { cfg.Poll.RateLimitPerMinute = n }
}

func withHistory(store backoff.HistoryStore) envOption {
	return func(_ *config.ServerConfig, deps *serverDeps) { deps.history = store }
}

func withRevocations(store keys.RevocationStore) envOption {
	return func(_ *config.ServerConfig, deps *serverDeps) { deps.revocations = store }
}

func newServerTestEnv(t *testing.T, opts ...envOption) serverTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(schema()...))

	cfg := config.DefaultServerConfig()
	cfg.Keys.MasterSecret = testMasterSecret
	require.NoError(t, cfg.Validate())

	secret, err := cfg.Keys.LoadMasterSecret()
	require.NoError(t, err)
	deriver, err := keys.NewDeriver(secret, keys.MinIterations)
	require.NoError(t, err)
	tokens, err := auth.NewTokenAuthenticator([]byte("device-token-secret-for-tests"))
	require.NoError(t, err)

	deps := serverDeps{
		deriver:     deriver,
		tokens:      tokens,
		adminToken:  testAdminToken,
		revocations: keys.NewMemoryRevocationStore(),
		history:     backoff.NewMemoryHistoryStore(),
		storeMode:   storeModeMemory,
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	srv, err := newServer(cfg, db, zerolog.Nop(), deps)
	require.NoError(t, err)
	t.Cleanup(srv.backoff.Flush)

	return serverTestEnv{server: srv, gin: srv.routes(), tokens: tokens}
}

func (env serverTestEnv) token(t *testing.T, deviceID string) string {
	t.Helper()
	token, err := env.tokens.Mint(deviceID)
	require.NoError(t, err)
	return token
}

func (env serverTestEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	env.gin.ServeHTTP(resp, req)
	return resp
}

func (env serverTestEnv) poll(t *testing.T, deviceID string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/poll", nil)
	req.Header.Set(auth.HeaderDeviceToken, env.token(t, deviceID))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := env.serve(req)
	env.server.backoff.Flush()
	return resp
}

func (env serverTestEnv) admin(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return env.serve(req)
}

func (env serverTestEnv) enqueue(t *testing.T, deviceID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		payload := fmt.Sprintf(`{"symbol":"EURUSD","side":"buy","lots":0.1,"ref":%d}`, i)
		item, err := env.server.queue.Enqueue(context.Background(), deviceID, json.RawMessage(payload))
		require.NoError(t, err)
		ids = append(ids, item.ItemID)
	}
	return ids
}

func (env serverTestEnv) openBody(t *testing.T, deviceID string, raw []byte) (poll.Body, []poll.Item) {
	t.Helper()
	var body poll.Body
	require.NoError(t, json.Unmarshal(raw, &body))
	var items []poll.Item
	sealed := &envelope.Envelope{Ciphertext: body.Ciphertext, Nonce: body.Nonce, AAD: deviceID}
	require.NoError(t, env.server.sealer.Decrypt(context.Background(), deviceID, sealed, &items))
	return body, items
}

func (env serverTestEnv) securityEvents(t *testing.T, kind string) []audit.Event {
	t.Helper()
	events, err := env.server.audit.Recent(context.Background(), "", 100)
	require.NoError(t, err)
	var out []audit.Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func errorBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body
}

func TestPoll_EmptyQueueServesEncryptedEmptyBatch(t *testing.T) {
	env := newServerTestEnv(t)

	resp := env.poll(t, testDevice, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "10", resp.Header().Get("X-Poll-Interval"))
	require.Equal(t, "no-cache", resp.Header().Get("Cache-Control"))
	require.Equal(t, "Accept-Encoding", resp.Header().Get("Vary"))
	require.NotEmpty(t, resp.Header().Get("ETag"))
	require.Empty(t, resp.Header().Get("Content-Encoding"))

	body, items := env.openBody(t, testDevice, resp.Body.Bytes())
	require.Equal(t, poll.EnvelopeVersion, body.Version)
	require.Zero(t, body.Count)
	require.Equal(t, 1.0, body.CompressionRatio)
	require.Empty(t, items)
}

func TestPoll_DeliversItemsInOrder(t *testing.T) {
	env := newServerTestEnv(t)
	ids := env.enqueue(t, testDevice, 3)

	resp := env.poll(t, testDevice, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body, items := env.openBody(t, testDevice, resp.Body.Bytes())
	require.Equal(t, 3, body.Count)
	require.Len(t, items, 3)
	for i, item := range items {
		require.Equal(t, ids[i], item.ID)
	}
}

func TestPoll_NotModifiedKeepsSchedulingHeaders(t *testing.T) {
	env := newServerTestEnv(t)

	first := env.poll(t, testDevice, nil)
	require.Equal(t, http.StatusOK, first.Code)
	tag := first.Header().Get("ETag")

	second := env.poll(t, testDevice, map[string]string{"If-None-Match": tag})
	require.Equal(t, http.StatusNotModified, second.Code)
	require.Empty(t, second.Body.Bytes())
	require.Equal(t, tag, second.Header().Get("ETag"))
	require.Equal(t, "15", second.Header().Get("X-Poll-Interval"))

	history, err := env.server.backoff.History(context.Background(), testDevice)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestPoll_NewItemInvalidatesETag(t *testing.T) {
	env := newServerTestEnv(t)

	first := env.poll(t, testDevice, nil)
	tag := first.Header().Get("ETag")
	env.enqueue(t, testDevice, 1)

	second := env.poll(t, testDevice, map[string]string{"If-None-Match": tag})
	require.Equal(t, http.StatusOK, second.Code)
	require.NotEqual(t, tag, second.Header().Get("ETag"))
	require.Equal(t, "10", second.Header().Get("X-Poll-Interval"))
}

func TestPoll_BadRequests(t *testing.T) {
	env := newServerTestEnv(t)
	token := env.token(t, testDevice)

	for _, path := range []string{"/v1/poll?batch_size=0", "/v1/poll?batch_size=501", "/v1/poll?batch_size=ten"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(auth.HeaderDeviceToken, token)
		resp := env.serve(req)
		require.Equal(t, http.StatusBadRequest, resp.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/poll", nil)
	req.Header.Set(auth.HeaderDeviceToken, token)
	req.Header.Set("If-None-Match", `"unterminated`)
	require.Equal(t, http.StatusBadRequest, env.serve(req).Code)
}

func TestPoll_BatchSizeLimitsDelivery(t *testing.T) {
	env := newServerTestEnv(t)
	env.enqueue(t, testDevice, 5)

	req := httptest.NewRequest(http.MethodGet, "/v1/poll?batch_size=2", nil)
	req.Header.Set(auth.HeaderDeviceToken, env.token(t, testDevice))
	resp := env.serve(req)
	require.Equal(t, http.StatusOK, resp.Code)
	body, items := env.openBody(t, testDevice, resp.Body.Bytes())
	require.Equal(t, 2, body.Count)
	require.Len(t, items, 2)
}

func TestPoll_BrotliWhenAccepted(t *testing.T) {
	env := newServerTestEnv(t)
	env.enqueue(t, testDevice, 20)

	resp := env.poll(t, testDevice, map[string]string{"Accept-Encoding": "br, gzip;q=0.5"})
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, compression.NameBrotli, resp.Header().Get("Content-Encoding"))
	require.Equal(t, "Accept-Encoding", resp.Header().Get("Vary"))

	plain, err := compression.NewBrotli(0).Decompress(resp.Body.Bytes())
	require.NoError(t, err)
	body, items := env.openBody(t, testDevice, plain)
	require.Len(t, items, 20)
	require.Greater(t, body.CompressionRatio, 0.0)
	require.Less(t, body.CompressionRatio, 1.0)
}

func TestPoll_GzipNeverLargerThanIdentity(t *testing.T) {
	env := newServerTestEnv(t)
	env.enqueue(t, testDevice, 20)

	identity := env.poll(t, testDevice, map[string]string{"Accept-Encoding": "identity"})
	require.Equal(t, http.StatusOK, identity.Code)

	resp := env.poll(t, testDevice, map[string]string{"Accept-Encoding": "gzip"})
	require.Equal(t, http.StatusOK, resp.Code)
	require.LessOrEqual(t, resp.Body.Len(), identity.Body.Len())

	plain := resp.Body.Bytes()
	if resp.Header().Get("Content-Encoding") == compression.NameGzip {
		var err error
		plain, err = compression.NewGzip(0).Decompress(plain)
		require.NoError(t, err)
	} else {
		require.Empty(t, resp.Header().Get("Content-Encoding"))
	}
	body, items := env.openBody(t, testDevice, plain)
	require.Len(t, items, 20)
	require.LessOrEqual(t, body.CompressionRatio, 1.0)
}

func TestPoll_InvalidTokenIsGenericUnauthorized(t *testing.T) {
	env := newServerTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/poll", nil)
	req.Header.Set(auth.HeaderDeviceToken, testDevice+".forged")
	resp := env.serve(req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "unauthorized", errorBody(t, resp)["error"])

	req = httptest.NewRequest(http.MethodGet, "/v1/poll", nil)
	resp = env.serve(req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	require.Len(t, env.securityEvents(t, audit.KindAuthFailed), 2)
}

func TestPoll_RevokedDeviceLooksLikeBadToken(t *testing.T) {
	env := newServerTestEnv(t)
	require.NoError(t, env.server.keys.Revoke(context.Background(), testDevice, "lost"))

	resp := env.poll(t, testDevice, nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	body := errorBody(t, resp)
	require.Equal(t, "unauthorized", body["error"])
	require.NotEmpty(t, body["request_id"])

	events := env.securityEvents(t, audit.KindRevokedAccess)
	require.Len(t, events, 1)
	require.Equal(t, testDevice, events[0].DeviceID)

	history, err := env.server.backoff.History(context.Background(), testDevice)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestPoll_RateLimited(t *testing.T) {
	env := newServerTestEnv(t, withRateLimit(2))

	first := env.poll(t, testDevice, nil)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, http.StatusOK, env.poll(t, testDevice, nil).Code)
	resp := env.poll(t, testDevice, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	retryAfter, err := strconv.Atoi(resp.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, retryAfter, 1)

	require.Equal(t, http.StatusOK, env.poll(t, "device-002", nil).Code)
}

func TestPoll_HistoryStoreDownStillServes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	env := newServerTestEnv(t, withHistory(backoff.NewRedisHistoryStore(client, "signalpoll:")))

	// An empty poll needs history, so it gets the fallback interval.
	resp := env.poll(t, testDevice, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "30", resp.Header().Get("X-Poll-Interval"))

	// A poll with results answers the base interval without reading history.
	env.enqueue(t, testDevice, 1)
	resp = env.poll(t, testDevice, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "10", resp.Header().Get("X-Poll-Interval"))
	_, items := env.openBody(t, testDevice, resp.Body.Bytes())
	require.Len(t, items, 1)
}

type unavailableRevocations struct{}

func (unavailableRevocations) Lookup(context.Context, string) (*keys.Revocation, error) {
	return nil, errors.New("connection refused")
}

func (unavailableRevocations) Revoke(context.Context, keys.Revocation) error {
	return errors.New("connection refused")
}

func (unavailableRevocations) Clear(context.Context, string) error {
	return errors.New("connection refused")
}

func TestPoll_RevocationStoreDownFailsClosed(t *testing.T) {
	env := newServerTestEnv(t, withRevocations(unavailableRevocations{}))
	env.enqueue(t, testDevice, 1)

	resp := env.poll(t, testDevice, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.NotEmpty(t, resp.Header().Get("Retry-After"))
	require.Len(t, env.securityEvents(t, audit.KindRevocationUnavailable), 1)

	require.Equal(t, http.StatusServiceUnavailable, env.admin(http.MethodPost, "/v1/admin/devices/"+testDevice+"/revoke", nil).Code)
}

func withRevocationCacheTTL(ms int) envOption {
	return func(cfg *config.ServerConfig, _ *serverDeps) { cfg.Redis.RevocationCacheTTL = ms }
}

func TestPoll_SharedRedisDownServesKnownDevices(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	revocations, history := redisStores(client, "signalpoll:")
	env := newServerTestEnv(t, withRevocations(revocations), withHistory(history), withRevocationCacheTTL(1))

	require.Equal(t, http.StatusOK, env.poll(t, testDevice, nil).Code)

	mr.Close()
	time.Sleep(5 * time.Millisecond)

	resp := env.poll(t, testDevice, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "30", resp.Header().Get("X-Poll-Interval"))

	require.Equal(t, http.StatusServiceUnavailable, env.poll(t, "device-unseen", nil).Code)
}

func (env serverTestEnv) ack(t *testing.T, deviceID string, sealed *envelope.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(sealed)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/poll/ack", bytes.NewReader(raw))
	req.Header.Set(auth.HeaderDeviceToken, env.token(t, deviceID))
	req.Header.Set("Content-Type", "application/json")
	return env.serve(req)
}

func TestAck_RemovesItemsAndRejectsReplay(t *testing.T) {
	env := newServerTestEnv(t)
	ids := env.enqueue(t, testDevice, 3)
	ctx := context.Background()

	sealed, err := env.server.sealer.Encrypt(ctx, testDevice, ackPayload{ItemIDs: ids[:2]})
	require.NoError(t, err)

	resp := env.ack(t, testDevice, sealed)
	require.Equal(t, http.StatusOK, resp.Code)
	var out struct {
		Acknowledged int64 `json:"acknowledged"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.EqualValues(t, 2, out.Acknowledged)

	pollResp := env.poll(t, testDevice, nil)
	_, items := env.openBody(t, testDevice, pollResp.Body.Bytes())
	require.Len(t, items, 1)
	require.Equal(t, ids[2], items[0].ID)

	replay := env.ack(t, testDevice, sealed)
	require.Equal(t, http.StatusUnauthorized, replay.Code)
	require.Len(t, env.securityEvents(t, audit.KindReplayDetected), 1)
}

func TestAck_TamperedEnvelopeRejected(t *testing.T) {
	env := newServerTestEnv(t)
	ids := env.enqueue(t, testDevice, 1)

	sealed, err := env.server.sealer.Encrypt(context.Background(), testDevice, ackPayload{ItemIDs: ids})
	require.NoError(t, err)
	tampered := *sealed
	raw := []byte(tampered.Ciphertext)
	if raw[0] == 'A' {
		raw[0] = 'B'
	} else {
		raw[0] = 'A'
	}
	tampered.Ciphertext = string(raw)

	resp := env.ack(t, testDevice, &tampered)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "unauthorized", errorBody(t, resp)["error"])

	// An envelope sealed for one device is useless to another.
	other := env.ack(t, "device-002", sealed)
	require.Equal(t, http.StatusUnauthorized, other.Code)

	require.Len(t, env.securityEvents(t, audit.KindTamperDetected), 2)
}

func TestAdmin_RequiresBearerToken(t *testing.T) {
	env := newServerTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/security-events", nil)
	require.Equal(t, http.StatusUnauthorized, env.serve(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/security-events", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, env.serve(req).Code)

	require.Equal(t, http.StatusOK, env.admin(http.MethodGet, "/v1/admin/security-events", nil).Code)
}

func TestAdmin_RevokeAndClear(t *testing.T) {
	env := newServerTestEnv(t)
	path := "/v1/admin/devices/" + testDevice + "/revoke"

	resp := env.admin(http.MethodPost, path, []byte(`{"reason":"stolen"}`))
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = env.admin(http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var status struct {
		Revoked    bool             `json:"revoked"`
		Revocation *keys.Revocation `json:"revocation"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	require.True(t, status.Revoked)
	require.Equal(t, "stolen", status.Revocation.Reason)
	require.Equal(t, http.StatusUnauthorized, env.poll(t, testDevice, nil).Code)

	require.Equal(t, http.StatusNoContent, env.admin(http.MethodDelete, path, nil).Code)
	require.Equal(t, http.StatusOK, env.poll(t, testDevice, nil).Code)
	require.Len(t, env.securityEvents(t, audit.KindRevocationChanged), 2)
}

func TestAdmin_EnqueueAndListItems(t *testing.T) {
	env := newServerTestEnv(t)
	path := "/v1/admin/devices/" + testDevice + "/items"

	resp := env.admin(http.MethodPost, path, []byte(`{"symbol":"GBPUSD","side":"sell"}`))
	require.Equal(t, http.StatusCreated, resp.Code)

	require.Equal(t, http.StatusBadRequest, env.admin(http.MethodPost, path, []byte(`not json`)).Code)
	big := append([]byte(`"`), append(bytes.Repeat([]byte("a"), maxItemBytes), '"')...)
	require.Equal(t, http.StatusRequestEntityTooLarge, env.admin(http.MethodPost, path, big).Code)

	resp = env.admin(http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
}

func TestAdmin_MintTokenAuthenticatesDevice(t *testing.T) {
	env := newServerTestEnv(t)

	resp := env.admin(http.MethodPost, "/v1/admin/devices/"+testDevice+"/token", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))

	req := httptest.NewRequest(http.MethodGet, "/v1/poll", nil)
	req.Header.Set(auth.HeaderDeviceToken, out.Token)
	require.Equal(t, http.StatusOK, env.serve(req).Code)
}

func TestAdmin_BackoffStatus(t *testing.T) {
	env := newServerTestEnv(t)
	env.poll(t, testDevice, nil)
	env.poll(t, testDevice, nil)

	resp := env.admin(http.MethodGet, "/v1/admin/devices/"+testDevice+"/backoff", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var status backoffStatus
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	require.True(t, status.HistoryAvailable)
	require.Equal(t, 2, status.ConsecutiveEmpty)
	require.Len(t, status.History, 2)
	require.Equal(t, 15, status.NextIntervalSeconds)
}

func TestHealth(t *testing.T) {
	env := newServerTestEnv(t)
	resp := env.serve(httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), `"store":"memory"`)
}

func TestBuildServer_RejectsUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:build-test-%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{})
	require.NoError(t, err)
	cfg := config.DefaultServerConfig()
	cfg.Keys.MasterSecret = testMasterSecret
	cfg.Redis.Addr = addr
	cfg.Redis.DialTimeoutMs = 200
	require.NoError(t, cfg.Validate())

	_, _, err = buildServer(context.Background(), cfg, db, zerolog.Nop())
	require.Error(t, err)
}

func TestBuildServer_UsesRedisWhenConfigured(t *testing.T) {
	mr := miniredis.RunT(t)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:build-test-%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{})
	require.NoError(t, err)
	cfg := config.DefaultServerConfig()
	cfg.Keys.MasterSecret = testMasterSecret
	cfg.Redis.Addr = mr.Addr()
	require.NoError(t, cfg.Validate())

	srv, closeStores, err := buildServer(context.Background(), cfg, db, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(closeStores)
	require.Equal(t, storeModeRedis, srv.storeMode)

	require.NoError(t, srv.keys.Revoke(context.Background(), testDevice, "lost"))
	require.NotEmpty(t, mr.Keys())
}
