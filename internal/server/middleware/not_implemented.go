package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
)

// NotImplemented answers a dashboard route that is session-gated but whose
// CRUD/settings body is out of scope for this module (spec Non-goals).
func NotImplemented(c *gin.Context) {
	status, body := apperrors.ToDashboardHTTP(apperrors.New(apperrors.KindInternal, http.StatusNotImplemented, "not_implemented", "not implemented in this deployment"))
	c.JSON(status, body)
}
