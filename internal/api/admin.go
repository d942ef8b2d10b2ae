package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/filipelabs/taskrun/internal/common/apierr"
)

type issueTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type issueTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// IssueBootstrapToken handles POST /v1/admin/bootstrap-tokens. It is the
// operator-facing counterpart to /v1/enroll: an admin (taskrunctl, or any
// trusted caller on this surface) requests a one-shot token, then hands
// it to the Worker being enrolled out of band. This endpoint carries no
// authentication of its own; deployments are expected to restrict network
// access to it (end-user auth is out of scope for this revision).
func (h *Handler) IssueBootstrapToken(c *gin.Context) {
	if h.identity == nil {
		respondErr(c, &apierr.Error{Code: "unavailable", Message: "no CA configured", HTTPStatus: http.StatusServiceUnavailable})
		return
	}

	var req issueTokenRequest
	_ = c.ShouldBindJSON(&req)
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	token, err := h.identity.IssueBootstrapToken(ttl)
	if err != nil {
		respondErr(c, apierr.Wrap(err))
		return
	}

	c.JSON(http.StatusOK, issueTokenResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl).Format(rfc3339),
	})
}
