package router

import (
	"context"

	"marketplace_chat_service/internal/chat/app"
	"marketplace_chat_service/pkg/middlewares"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes 註冊聊天相關的路由
func RegisterRoutes(r *fiber.App, wsHandler *app.ChatWebsocketHandler, restHandler *app.ChatRestHandler) {
	r.Use(middlewares.JWTMiddleware())

	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		wsHandler.HandleConnection(context.Background(), c)
	}))

	r.Get("/conversations", restHandler.GetConversations)
	r.Get("/history/:peer_id", restHandler.GetHistory)
	r.Post("/messages", restHandler.PostMessage)
}
