package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func adminRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", AdminAuth("secret"), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("admin"))
	})
	return r
}

func do(r *gin.Engine, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminAuthAcceptsIssuedToken(t *testing.T) {
	token, err := IssueToken("secret", "alice", time.Now(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	w := do(adminRouter(), "Bearer "+token)
	if w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
}

func TestAdminAuthRejects(t *testing.T) {
	expired, _ := IssueToken("secret", "alice", time.Now().Add(-2*time.Hour), time.Hour)
	wrongKey, _ := IssueToken("other", "alice", time.Now(), time.Hour)
	noRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"},
	}).SignedString([]byte("secret"))

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"no role", "Bearer " + noRole, http.StatusForbidden},
	}

	r := adminRouter()
	for _, tt := range tests {
		if w := do(r, tt.auth); w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, tt.want)
		}
	}
}
