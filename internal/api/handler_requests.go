package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AcceptRequest handles the user accepting a record request.
func (h *Handler) AcceptRequest(c *gin.Context) {
	ls, err := h.lifecycle.Accept(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ls)
}

// RejectRequest handles the user declining a record request.
func (h *Handler) RejectRequest(c *gin.Context) {
	if err := h.lifecycle.Reject(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
