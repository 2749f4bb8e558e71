package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListUsers returns everyone except the requester, for the contact picker.
func (h *Handlers) ListUsers(c *gin.Context) {
	users, err := h.store.Users(c.Request.Context(), userID(c))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handlers) GetUser(c *gin.Context) {
	user, err := h.store.UserByID(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
