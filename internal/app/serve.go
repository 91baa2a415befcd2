package app

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/1ureka/roomcall/internal/config"
	"github.com/1ureka/roomcall/internal/relay"
	"github.com/1ureka/roomcall/internal/util"
)

// RunServe runs the room relay until ctx is cancelled.
func RunServe(ctx context.Context, cfg *config.Config) error {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	server := relay.NewServer(cfg.Server)
	util.LogInfo("uploads are stored in %s", cfg.Server.UploadDir)

	if err := server.Run(ctx); err != nil {
		return err
	}
	util.LogInfo("relay stopped")
	return nil
}
