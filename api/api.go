/*
Copyright 2024 Cellmark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"net/http"

	"github.com/cellmark/cellmark"
	"github.com/cellmark/cellmark/api/middleware"
	"github.com/cellmark/cellmark/internal/apierror"
	"github.com/cellmark/cellmark/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	cellmark *cellmark.Cellmark
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.GET("/assets", a.GetWatchedAssets)
	router.POST("/assets/:id/watch", a.WatchAsset)
	router.DELETE("/assets/:id/watch", a.UnwatchAsset)
	router.POST("/assets/:id/resync", a.HardResync)
	router.GET("/assets/:id/timeline", a.GetTimeline)

	router.GET("/assets/:id/transfer", a.GetTransferView)
	router.POST("/assets/:id/transfers", a.InitiateTransfer)
	router.POST("/assets/:id/transfers/accept", a.AcceptTransfer)
	router.POST("/assets/:id/transfers/reject", a.RejectTransfer)
	router.POST("/assets/:id/transfers/cancel", a.CancelTransfer)
	return a.router
}

func NewAPI(c *cellmark.Cellmark) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf := c.Config()

	r := gin.Default()
	r.Use(otelgin.Middleware("cellmark-api"))
	r.GET("/", func(ctx *gin.Context) {
		if err := c.DataSource().Ping(ctx.Request.Context()); err != nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, "server running...")
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf))
	}

	return &Api{cellmark: c, router: r}
}

func respondWithError(c *gin.Context, err error) {
	apiErr := apierror.FromError(err)
	c.JSON(apierror.MapErrorToHTTPStatus(apiErr), apiErr)
}
