package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"campaign-collab/backend/internal/cache"
	"campaign-collab/backend/internal/collab"
)

type DocumentHandler struct {
	svc   collab.Service
	stats cache.InteractionCache
}

func NewDocumentHandler(svc collab.Service, stats cache.InteractionCache) *DocumentHandler {
	return &DocumentHandler{svc: svc, stats: stats}
}

type createDocumentRequest struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	err := h.svc.CreateDocument(c.Request.Context(), req.ID, req.Fields)
	if errors.Is(err, collab.ErrDocumentExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "document already exists"})
		return
	}
	if err != nil {
		log.Printf("create document %s: %v", req.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

func (h *DocumentHandler) GetDocument(c *gin.Context) {
	docID := c.Param("id")
	fields, version, err := h.svc.GetDocument(c.Request.Context(), docID)
	if errors.Is(err, collab.ErrUnknownDocument) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	if err != nil {
		log.Printf("get document %s: %v", docID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": docID, "fields": fields, "version": version})
}

func (h *DocumentHandler) GetChanges(c *gin.Context) {
	docID := c.Param("id")
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since parameter"})
		return
	}

	changes, err := h.svc.History(c.Request.Context(), docID, since)
	if errors.Is(err, collab.ErrUnknownDocument) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	if err != nil {
		log.Printf("history %s since=%d: %v", docID, since, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history failed"})
		return
	}
	if changes == nil {
		changes = []collab.ChangeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"id": docID, "since": since, "changes": changes})
}

func (h *DocumentHandler) GetStats(c *gin.Context) {
	docID := c.Param("id")
	edits, err := h.stats.GetEditCount(c.Request.Context(), docID)
	if err != nil {
		log.Printf("edit count %s: %v", docID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	editors, err := h.stats.GetEditorCount(c.Request.Context(), docID)
	if err != nil {
		log.Printf("editor count %s: %v", docID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": docID, "edits": edits, "editors": editors})
}
