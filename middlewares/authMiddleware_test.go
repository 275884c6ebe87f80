package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationMiddleware())
	r.GET("/me", AuthMiddleware(), func(c *gin.Context) {
		actor, ok := ActorFromContext(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		orgId, _ := utils.GetOrganizationIdFromContext(c.Request.Context())
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"actor": actor, "org": orgId, "cid": cid})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	r := testRouter()

	tok, err := utils.JwtGenerate(7, "Siti", "ppk", 3, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("x-correlation-id", "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"actor":{"id":7,"name":"Siti","role":"ppk","organization_id":3},"org":3,"cid":"abc-123"}`, w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get("x-correlation-id"))
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	r := testRouter()

	expired, err := utils.JwtGenerate(7, "Siti", "ppk", 3, -time.Minute)
	require.NoError(t, err)
	noOrg, err := utils.JwtGenerate(7, "Siti", "ppk", 0, time.Hour)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing": "",
		"scheme":  "Basic abc",
		"garbage": "Bearer not-a-jwt",
		"expired": "Bearer " + expired,
		"no org":  "Bearer " + noOrg,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.NotEmpty(t, w.Header().Get("x-correlation-id"))
		})
	}
}
