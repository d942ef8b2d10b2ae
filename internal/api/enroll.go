package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/filipelabs/taskrun/internal/common/apierr"
	"github.com/filipelabs/taskrun/internal/identity"
)

type enrollRequest struct {
	BootstrapToken string `json:"bootstrap_token" binding:"required"`
	CSR            string `json:"csr" binding:"required"`
}

type enrollResponse struct {
	WorkerCert string `json:"worker_cert"`
	CACert     string `json:"ca_cert"`
	ExpiresAt  string `json:"expires_at"`
}

// Enroll handles POST /v1/enroll: consumes a one-shot bootstrap token and,
// if valid, signs the presented CSR (spec.md §4.6).
func (h *Handler) Enroll(c *gin.Context) {
	if h.identity == nil {
		respondErr(c, &apierr.Error{Code: "unavailable", Message: "no CA configured", HTTPStatus: http.StatusServiceUnavailable})
		return
	}

	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apierr.BadRequest(err.Error()))
		return
	}

	if err := h.identity.ConsumeToken(req.BootstrapToken); err != nil {
		if errors.Is(err, identity.ErrTokenInvalid) {
			respondErr(c, apierr.Unauthorized("invalid or expired bootstrap token"))
			return
		}
		respondErr(c, apierr.Wrap(err))
		return
	}

	signed, err := h.identity.SignCSR(req.CSR)
	if err != nil {
		respondErr(c, apierr.BadRequest(err.Error()))
		return
	}

	c.JSON(http.StatusOK, enrollResponse{
		WorkerCert: signed.CertPEM,
		CACert:     h.identity.CACertPEM(),
		ExpiresAt:  signed.ExpiresAt.Format(rfc3339),
	})
}
