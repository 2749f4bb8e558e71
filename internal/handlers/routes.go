package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Router builds the gin engine with every route mounted. Process-level
// middleware such as request logging is passed in by the caller.
func (h *Handlers) Router(middleware ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(middleware...)

	api := router.Group("/api")
	{
		api.POST("/register", h.Register)
		api.POST("/login", h.Login)

		auth := api.Group("", h.AuthRequired())
		{
			auth.GET("/me", h.Me)
			auth.GET("/users", h.ListUsers)
			auth.GET("/users/:user_id", h.GetUser)

			auth.GET("/ice-servers", h.GetICEServers)
			auth.GET("/vapid-public-key", h.GetVAPIDPublicKey)
			auth.POST("/push/subscribe", h.SubscribePush)
			auth.POST("/push/unsubscribe", h.UnsubscribePush)

			auth.POST("/calls", h.CreateCall)
			auth.GET("/calls/:call_id", h.GetCall)
			auth.POST("/calls/:call_id/answer", h.AnswerCall)
			auth.POST("/calls/:call_id/status", h.UpdateCallStatus)

			auth.GET("/ws", h.HandleWebSocket)
		}
	}

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
