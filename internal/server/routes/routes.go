// Package routes wires the Gin engine: which middleware guards which
// surface, and which handler serves which path, per spec §4.J/§6.
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/aicodex-proxy/gateway/internal/dashboard"
	"github.com/aicodex-proxy/gateway/internal/handler"
	"github.com/aicodex-proxy/gateway/internal/server/middleware"
)

// Register mounts the upstream-proxy surface behind the firewall and the
// dashboard surface behind the TOTP session gate. The two surfaces never
// share middleware: firewall never runs on dashboard paths, and the TOTP
// gate never runs on the proxy core (spec §4.J).
func Register(engine *gin.Engine, gw *handler.GatewayHandler, firewall gin.HandlerFunc, totpGate *dashboard.TOTPGate) {
	proxy := engine.Group("/")
	proxy.Use(firewall)
	{
		proxy.POST("/backend-api/codex/responses", gw.NativeResponses)
		proxy.POST("/backend-api/codex/responses/compact", gw.CompactResponses)
		proxy.POST("/v1/responses", gw.LegacyResponses)
		proxy.POST("/v1/responses/compact", gw.CompactResponses)
		proxy.POST("/v1/chat/completions", gw.ChatCompletions)
		proxy.GET("/v1/models", gw.ListModels)
		proxy.GET("/api/codex/usage", gw.UsageSnapshot)
	}

	dash := engine.Group("/api/dashboard-auth")
	{
		dash.POST("/totp/verify", totpGate.Verify)
	}

	settings := engine.Group("/api")
	settings.Use(totpGate.RequireSession)
	{
		settings.GET("/settings", middleware.NotImplemented)
	}
}
