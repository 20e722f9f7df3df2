package httpapi

import (
	"context"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/adapters/signal/hub"
	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/config"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware assigns every browser a stable identity cookie.
// The token doubles as the UserID on call operations.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, svc *app.CallService, h *hub.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "httpapi").Msg("router setup")

	ctl := NewCallController(svc, NewCallRateLimiter(10, time.Minute))

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "httpapi").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		h.HandleSignal(ctx, c)
	})

	api.POST("/calls", ctl.Initiate)
	api.GET("/calls", ctl.Ongoing)
	api.GET("/calls/:id", ctl.Get)
	api.POST("/calls/:id/accept", ctl.Accept)
	api.POST("/calls/:id/reject", ctl.Reject)
	api.POST("/calls/:id/end", ctl.End)

	api.GET("/history", ctl.History)
	api.POST("/history/:id/read", ctl.MarkHistoryRead)

	api.GET("/whoami", WhoAmI)
	api.POST("/rename", Rename)

	return r
}
