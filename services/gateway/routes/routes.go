// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sflowlabs/sfbot/services/gateway/handlers"
	"github.com/sflowlabs/sfbot/services/gateway/observability"
)

func SetupRoutes(router *gin.Engine, gw handlers.QueryGateway, metrics *observability.GatewayMetrics) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/chat", handlers.HandleChat(gw, metrics))
		v1.POST("/chat/stream", handlers.HandleChatStream(gw, metrics))
	}
}
