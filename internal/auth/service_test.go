package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"agentchat/internal/models"
	"agentchat/internal/redis"
	"agentchat/internal/storage"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1)

	svc := NewService(db, nil, time.Hour, zerolog.Nop())
	token, err := svc.IssueToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}
	userID, err := svc.ValidateToken(context.Background(), token)
	if err != nil || userID != 1 {
		t.Fatalf("ValidateToken failed: id=%d err=%v", userID, err)
	}
	if err := svc.RevokeToken(context.Background(), token); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token after revoke, got %v", err)
	}

	token2, err := svc.IssueToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokeUserTokens(context.Background(), 1); err != nil {
		t.Fatalf("RevokeUserTokens error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
	if _, err := svc.ValidateToken(context.Background(), ""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected token required, got %v", err)
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 2)

	svc := NewService(db, nil, 10*time.Millisecond, zerolog.Nop())
	token, err := svc.IssueToken(context.Background(), 2)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiration error, got %v", err)
	}
	// ensure token removed
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM user_tokens WHERE token = ?`, token).Scan(&count); err != nil {
		t.Fatalf("query tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token not purged")
	}
}

func TestPurgeExpiredTokens(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 3)
	now := time.Now().UTC()
	if _, err := db.Exec(`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?), (?, ?, ?, ?)`,
		"old", 3, now.Add(-2*time.Hour), now.Add(-time.Hour),
		"fresh", 3, now, now.Add(time.Hour),
	); err != nil {
		t.Fatalf("seed tokens: %v", err)
	}

	svc := NewService(db, nil, time.Hour, zerolog.Nop())
	n, err := svc.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged token, got %d", n)
	}
	if _, err := svc.ValidateToken(context.Background(), "fresh"); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
}

func TestMiddlewareTokenSources(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 4)
	svc := NewService(db, nil, time.Hour, zerolog.Nop())
	token, err := svc.IssueToken(context.Background(), 4)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	router := gin.New()
	router.GET("/me", svc.Middleware(), func(c *gin.Context) {
		id, _ := UserIDFromContext(c)
		tok, _ := AuthTokenFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": id, "token": tok})
	})

	cases := []struct {
		name   string
		setup  func(*http.Request)
		status int
	}{
		{"missing", func(*http.Request) {}, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token}) }, http.StatusOK},
		{"bad", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"principal ignored when disabled", func(r *http.Request) { r.Header.Set(PrincipalNameHeader, "alice") }, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body.String())
			}
		})
	}
}

type stubProvisioner struct {
	calls []string
	err   error
}

func (p *stubProvisioner) EnsureExternalUser(_ context.Context, externalID, name string) (*models.User, error) {
	p.calls = append(p.calls, externalID+"|"+name)
	if p.err != nil {
		return nil, p.err
	}
	return &models.User{ID: 77, Username: name, ExternalID: externalID}, nil
}

func TestMiddlewareHeaderAuth(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil, time.Hour, zerolog.Nop())
	prov := &stubProvisioner{}
	svc.EnableHeaderAuth(prov)
	if !svc.HeaderAuthEnabled() {
		t.Fatalf("header auth should be enabled")
	}

	var gotID int64
	router := gin.New()
	router.GET("/me", svc.Middleware(), func(c *gin.Context) {
		gotID, _ = UserIDFromContext(c)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(PrincipalNameHeader, "alice@example.com")
	req.Header.Set(PrincipalIDHeader, "oid-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || gotID != 77 {
		t.Fatalf("header auth failed: code=%d id=%d", rec.Code, gotID)
	}
	if len(prov.calls) != 1 || prov.calls[0] != "oid-1|alice@example.com" {
		t.Fatalf("unexpected provision calls: %v", prov.calls)
	}

	// Name alone doubles as the external id.
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(PrincipalNameHeader, "bob")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || prov.calls[1] != "bob|bob" {
		t.Fatalf("name-only principal: code=%d calls=%v", rec.Code, prov.calls)
	}

	prov.err = errors.New("db down")
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(PrincipalNameHeader, "carol")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on provision failure, got %d", rec.Code)
	}
}

func TestCSRFMiddleware(t *testing.T) {
	svc := NewService(openTestDB(t), nil, time.Hour, zerolog.Nop())
	router := gin.New()
	router.Use(svc.CSRFMiddleware())
	router.POST("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	send := func(method string, setup func(*http.Request)) int {
		req := httptest.NewRequest(method, "/x", nil)
		setup(req)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(http.MethodGet, func(*http.Request) {}); code != http.StatusNoContent {
		t.Fatalf("GET should skip csrf, got %d", code)
	}
	if code := send(http.MethodPost, func(*http.Request) {}); code != http.StatusForbidden {
		t.Fatalf("POST without csrf should be forbidden, got %d", code)
	}
	if code := send(http.MethodPost, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer abc")
	}); code != http.StatusNoContent {
		t.Fatalf("bearer requests are exempt, got %d", code)
	}
	if code := send(http.MethodPost, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "tok"})
		r.Header.Set(svc.CSRFHeaderName(), "tok")
	}); code != http.StatusNoContent {
		t.Fatalf("matching double submit should pass, got %d", code)
	}
	if code := send(http.MethodPost, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "tok"})
		r.Header.Set(svc.CSRFHeaderName(), "other")
	}); code != http.StatusForbidden {
		t.Fatalf("mismatched csrf should be forbidden, got %d", code)
	}
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 10)

	cacheClient := newRedisCacheClient(t)

	svc := NewService(db, cacheClient, time.Hour, zerolog.Nop())
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 10)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	key := redisTokenPrefix + token
	got, err := cacheClient.Get(ctx, key)
	if err != nil {
		t.Fatalf("get redis token: %v", err)
	}
	if got != "10" {
		t.Fatalf("expected user 10 in redis, got %s", got)
	}

	_, _ = db.Exec(`DELETE FROM user_tokens WHERE token = ?`, token)
	userID, err := svc.ValidateToken(ctx, token)
	if err != nil || userID != 10 {
		t.Fatalf("ValidateToken via redis failed: id=%d err=%v", userID, err)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := cacheClient.Get(ctx, key); err == nil {
		t.Fatalf("expected redis key deleted")
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke and redis delete")
	}
}

func newRedisCacheClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	client, err := redis.Dial(context.Background(), &goredis.Options{Addr: addr})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertUser(t *testing.T, db *sql.DB, id int64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, '', ?)`,
		id, "user_"+time.Now().Format("150405.000000"), time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}
