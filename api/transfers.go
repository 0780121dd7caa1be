package api

import (
	"net/http"

	model2 "github.com/cellmark/cellmark/api/model"
	"github.com/cellmark/cellmark/internal/apierror"
	"github.com/cellmark/cellmark/model"
	"github.com/gin-gonic/gin"
)

// GetTransferView returns the transfer state as seen by the actor query parameter.
// Without an actor the observer's view is returned.
func (a Api) GetTransferView(c *gin.Context) {
	id, ok := assetID(c)
	if !ok {
		return
	}
	resp, err := a.cellmark.TransferView(c.Request.Context(), id, c.Query("actor"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) InitiateTransfer(c *gin.Context) {
	id, ok := assetID(c)
	if !ok {
		return
	}

	var req model2.InitiateTransfer
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), nil))
		return
	}
	if err := req.ValidateInitiateTransfer(); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil))
		return
	}

	handle, err := a.cellmark.InitiateTransfer(c.Request.Context(), id, req.Signer, req.Recipient, req.NewState)
	respondWithHandle(c, handle, err)
}

func (a Api) AcceptTransfer(c *gin.Context) {
	a.decide(c, func(id string, req model2.TransferDecision) (model.SubmissionHandle, error) {
		return a.cellmark.AcceptTransfer(c.Request.Context(), id, req.Signer)
	})
}

func (a Api) RejectTransfer(c *gin.Context) {
	a.decide(c, func(id string, req model2.TransferDecision) (model.SubmissionHandle, error) {
		return a.cellmark.RejectTransfer(c.Request.Context(), id, req.Signer, req.Reason)
	})
}

func (a Api) CancelTransfer(c *gin.Context) {
	a.decide(c, func(id string, req model2.TransferDecision) (model.SubmissionHandle, error) {
		return a.cellmark.CancelTransfer(c.Request.Context(), id, req.Signer)
	})
}

func (a Api) decide(c *gin.Context, action func(id string, req model2.TransferDecision) (model.SubmissionHandle, error)) {
	id, ok := assetID(c)
	if !ok {
		return
	}

	var req model2.TransferDecision
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), nil))
		return
	}
	if err := req.ValidateTransferDecision(); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil))
		return
	}

	handle, err := action(id, req)
	respondWithHandle(c, handle, err)
}

// respondWithHandle answers 202: the outcome only becomes visible once the ledger
// records it.
func respondWithHandle(c *gin.Context, handle model.SubmissionHandle, err error) {
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}
