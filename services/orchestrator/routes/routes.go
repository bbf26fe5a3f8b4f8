// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taleforge/taleforge/services/orchestrator/handlers"
	"github.com/taleforge/taleforge/services/orchestrator/middleware"
)

// SetupRoutes registers every endpoint on the router. The health and
// metrics endpoints stay outside the authenticated group so probes and
// scrapers work without credentials.
func SetupRoutes(router *gin.Engine, streamHandlers *handlers.StreamHandlers,
	entityHandlers *handlers.EntityHandlers, apiKey string) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(apiKey))
	{
		chats := v1.Group("/chats")
		{
			chats.POST("", entityHandlers.CreateChatSession)
			chats.GET("", entityHandlers.ListChatSessions)
			chats.GET("/:chatId", entityHandlers.GetChatSession)
			chats.PUT("/:chatId", entityHandlers.UpdateChatSession)
			chats.DELETE("/:chatId", entityHandlers.DeleteChatSession)
			chats.GET("/:chatId/messages", entityHandlers.ListChatMessages)

			// Streaming lifecycle
			chats.POST("/:chatId/messages", streamHandlers.HandleSendMessage)
			chats.GET("/:chatId/stream", streamHandlers.HandleStreamAttach)
			chats.GET("/:chatId/stream/ws", streamHandlers.HandleStreamAttachWS)
			chats.DELETE("/:chatId/stream", streamHandlers.HandleStreamStop)
			chats.GET("/:chatId/stream/status", streamHandlers.HandleStreamStatus)
		}

		characters := v1.Group("/characters")
		{
			characters.POST("", entityHandlers.CreateCharacter)
			characters.GET("", entityHandlers.ListCharacters)
			characters.GET("/:id", entityHandlers.GetCharacter)
			characters.PUT("/:id", entityHandlers.UpdateCharacter)
			characters.DELETE("/:id", entityHandlers.DeleteCharacter)
		}

		profiles := v1.Group("/profiles")
		{
			profiles.POST("", entityHandlers.CreateUserProfile)
			profiles.GET("", entityHandlers.ListUserProfiles)
			profiles.GET("/:id", entityHandlers.GetUserProfile)
			profiles.PUT("/:id", entityHandlers.UpdateUserProfile)
			profiles.DELETE("/:id", entityHandlers.DeleteUserProfile)
		}

		presets := v1.Group("/presets")
		{
			presets.POST("", entityHandlers.CreateModelPreset)
			presets.GET("", entityHandlers.ListModelPresets)
			presets.GET("/:id", entityHandlers.GetModelPreset)
			presets.PUT("/:id", entityHandlers.UpdateModelPreset)
			presets.DELETE("/:id", entityHandlers.DeleteModelPreset)
		}

		prompts := v1.Group("/prompts")
		{
			prompts.POST("", entityHandlers.CreateSystemPrompt)
			prompts.GET("", entityHandlers.ListSystemPrompts)
			prompts.GET("/:id", entityHandlers.GetSystemPrompt)
			prompts.PUT("/:id", entityHandlers.UpdateSystemPrompt)
			prompts.DELETE("/:id", entityHandlers.DeleteSystemPrompt)
		}
	}
}
