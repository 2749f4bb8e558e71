package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mpetrov/chatline/internal/models"
	"github.com/mpetrov/chatline/internal/store"
)

type createCallRequest struct {
	CallID         string          `json:"call_id" binding:"required"`
	ConversationID string          `json:"conversation_id" binding:"required"`
	ReceiverID     string          `json:"receiver_id" binding:"required"`
	Offer          json.RawMessage `json:"offer" binding:"required"`
}

type answerCallRequest struct {
	Answer json.RawMessage `json:"answer" binding:"required"`
}

type statusCallRequest struct {
	Reason models.EndReason `json:"reason" binding:"required"`
}

// CreateCall persists a pending record with the caller's offer. The record
// fans out to the receiver's inbox watchers, and a web-push copy goes out
// for devices without an open connection.
func (h *Handlers) CreateCall(c *gin.Context) {
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	initiatorID := userID(c)
	if req.ReceiverID == initiatorID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot call yourself"})
		return
	}
	if _, err := h.store.UserByID(c.Request.Context(), req.ReceiverID); err != nil {
		h.writeStoreError(c, err)
		return
	}

	rec := models.CallRecord{
		ID:             req.CallID,
		ConversationID: req.ConversationID,
		InitiatorID:    initiatorID,
		ReceiverID:     req.ReceiverID,
		Status:         models.CallStatusPending,
		Offer:          req.Offer,
	}
	if err := h.store.CreateCall(c.Request.Context(), &rec); err != nil {
		h.writeStoreError(c, err)
		return
	}

	if h.push != nil && h.push.Enabled() {
		caller, err := h.store.UserByID(c.Request.Context(), initiatorID)
		if err == nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				h.push.NotifyIncomingCall(ctx, rec, caller)
			}()
		}
	}

	c.JSON(http.StatusCreated, rec)
}

func (h *Handlers) AnswerCall(c *gin.Context) {
	rec, ok := h.participantCall(c)
	if !ok {
		return
	}
	if userID(c) != rec.ReceiverID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the receiver can answer"})
		return
	}

	var req answerCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.UpdateAnswer(c.Request.Context(), rec.ID, req.Answer); err != nil {
		h.writeStoreError(c, err)
		return
	}

	updated, err := h.store.GetCall(c.Request.Context(), rec.ID)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// UpdateCallStatus closes the record out. Either participant may end a call;
// a duplicate close-out from the other side is absorbed by the store.
func (h *Handlers) UpdateCallStatus(c *gin.Context) {
	rec, ok := h.participantCall(c)
	if !ok {
		return
	}

	var req statusCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Reason.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown end reason"})
		return
	}
	if err := h.store.UpdateStatus(c.Request.Context(), rec.ID, req.Reason); err != nil {
		h.writeStoreError(c, err)
		return
	}

	updated, err := h.store.GetCall(c.Request.Context(), rec.ID)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handlers) GetCall(c *gin.Context) {
	rec, ok := h.participantCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// participantCall loads the record and verifies the authenticated user is
// one of its two participants.
func (h *Handlers) participantCall(c *gin.Context) (models.CallRecord, bool) {
	rec, err := h.store.GetCall(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		h.writeStoreError(c, err)
		return models.CallRecord{}, false
	}
	id := userID(c)
	if id != rec.InitiatorID && id != rec.ReceiverID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a call participant"})
		return models.CallRecord{}, false
	}
	return rec, true
}

func (h *Handlers) writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.log.Error("store operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
