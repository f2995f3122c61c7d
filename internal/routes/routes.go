package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/pbzweihander/ommrema/internal/handler"
	"github.com/pbzweihander/ommrema/internal/middleware"
)

type Handlers struct {
	Mods    *handler.ModHandler
	Reindex *handler.ReindexHandler
	Users   *handler.UserHandler
	Repo    *handler.RepoHandler
}

// RegisterAPIRoutes mounts the authenticated client API.
func RegisterAPIRoutes(router *gin.RouterGroup, h *Handlers, authMiddleware *middleware.AuthMiddleware) {
	router.Use(authMiddleware.RequireAuth())

	mods := router.Group("/mod")
	{
		mods.GET("", h.Mods.List)
		mods.GET("/:name", h.Mods.Download)
		mods.POST("/:name", h.Mods.Upload)
	}

	reindex := router.Group("/reindex")
	{
		reindex.POST("", h.Reindex.Request)
		reindex.GET("", h.Reindex.Status)
		reindex.GET("/jobs", h.Reindex.Jobs)
		reindex.POST("/resume", h.Reindex.Resume)
	}

	router.GET("/username", h.Users.Username)
}

// RegisterPublicRoutes mounts the login redirect and the repository the mod
// loader reads from. None of these require a session.
func RegisterPublicRoutes(router *gin.RouterGroup, h *Handlers) {
	router.GET("/auth", h.Users.Login)

	repo := router.Group("/repo")
	{
		repo.GET("/:artifact", h.Repo.Artifact)
		repo.GET("/mods/:name", h.Repo.Package)
	}
}
