package api

import (
	"net/http"

	model2 "github.com/cellmark/cellmark/api/model"
	"github.com/cellmark/cellmark/internal/apierror"
	"github.com/gin-gonic/gin"
)

// assetID reads and validates the :id route parameter. It writes the error response itself.
func assetID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := model2.ValidateAssetID(id); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid asset id: "+err.Error(), nil))
		return "", false
	}
	return id, true
}

func (a Api) WatchAsset(c *gin.Context) {
	id, ok := assetID(c)
	if !ok {
		return
	}

	var req model2.WatchAsset
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), nil))
			return
		}
	}

	resp, err := a.cellmark.Watch(c.Request.Context(), req.ToWatchedAsset(id))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) UnwatchAsset(c *gin.Context) {
	id, ok := assetID(c)
	if !ok {
		return
	}
	if err := a.cellmark.Unwatch(c.Request.Context(), id); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a Api) GetWatchedAssets(c *gin.Context) {
	resp, err := a.cellmark.WatchedAssets(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetTimeline(c *gin.Context) {
	id, ok := assetID(c)
	if !ok {
		return
	}
	resp, err := a.cellmark.Timeline(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) HardResync(c *gin.Context) {
	id, ok := assetID(c)
	if !ok {
		return
	}
	if err := a.cellmark.HardResync(c.Request.Context(), id); err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"asset_id": id, "status": "resync requested"})
}
