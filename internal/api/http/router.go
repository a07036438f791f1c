package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupRouter(relayController *RelayController, allowOrigins, stunServers []string) *gin.Engine {
	router := gin.Default()

	config := cors.DefaultConfig()
	config.AllowOrigins = allowOrigins
	config.AllowCredentials = true
	config.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"Origin",
		"Accept",
	}
	config.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	router.Use(cors.New(config))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	// Clients fetch ICE server urls here before opening peer connections.
	api.GET("/webrtc-config", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"stun_servers": stunServers})
	})

	if relayController != nil {
		api.GET("/rooms", relayController.ListRooms)

		rooms := api.Group("/rooms")
		rooms.GET("/:roomID/ws", relayController.JoinRoom)
		rooms.GET("/:roomID/participants", relayController.ListParticipants)
		rooms.GET("/:roomID/stats", relayController.RoomStats)
		rooms.DELETE("/:roomID", relayController.TerminateRoom)
	}

	return router
}
