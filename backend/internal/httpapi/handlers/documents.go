package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"realtimeCollab/backend/internal/cache"
	"realtimeCollab/backend/internal/collab"
	"realtimeCollab/backend/internal/session"
	"realtimeCollab/backend/internal/store"
)

type DocumentReader interface {
	Sync(ctx context.Context, docID string, from int) (collab.Snapshot, error)
	Members(ctx context.Context, docID string) ([]string, error)
}

type GrantLister interface {
	Grants(ctx context.Context, docID string) ([]store.ShareGrant, error)
}

type PresenceReader interface {
	GetAliveMembers(ctx context.Context, docID string) ([]cache.PresenceMember, error)
	GetDocuments(ctx context.Context) ([]string, error)
}

type SessionLookup interface {
	Session(sessionID string) (session.Info, error)
}

// Documents 只读的 HTTP 查询口，写操作全部走双工通道
type Documents struct {
	Rooms    DocumentReader
	Shares   GrantLister
	Presence PresenceReader
	Sessions SessionLookup
	Logger   *zap.Logger
}

// GetDocument GET /documents/:id?from_version=N，带 from_version 时附上之后的操作
func (d Documents) GetDocument(c *gin.Context) {
	docID := c.Param("id")
	from, withOps := 0, false
	if v := c.Query("from_version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from_version must be a non-negative integer"})
			return
		}
		from, withOps = n, true
	}

	snap, err := d.Rooms.Sync(c.Request.Context(), docID, from)
	if err != nil {
		d.fail(c, "sync document failed", docID, err)
		return
	}
	if snap.Members, err = d.Rooms.Members(c.Request.Context(), docID); err != nil {
		d.fail(c, "list members failed", docID, err)
		return
	}
	if !withOps {
		snap.Operations = nil
	}
	c.JSON(http.StatusOK, snap)
}

func (d Documents) ListShares(c *gin.Context) {
	if d.Shares == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "share store not configured"})
		return
	}
	docID := c.Param("id")
	grants, err := d.Shares.Grants(c.Request.Context(), docID)
	if err != nil {
		d.fail(c, "list shares failed", docID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": docID, "grants": grants})
}

// ListPresence 跨实例的在线成员，数据来自 Redis，只返回存活键未过期的会话
func (d Documents) ListPresence(c *gin.Context) {
	if d.Presence == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "presence not configured"})
		return
	}
	docID := c.Param("id")
	members, err := d.Presence.GetAliveMembers(c.Request.Context(), docID)
	if err != nil {
		d.fail(c, "list presence failed", docID, err)
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"document_id": docID, "members": members})
}

func (d Documents) ActiveDocuments(c *gin.Context) {
	if d.Presence == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "presence not configured"})
		return
	}
	docs, err := d.Presence.GetDocuments(c.Request.Context())
	if err != nil {
		d.fail(c, "list active documents failed", "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (d Documents) GetSession(c *gin.Context) {
	info, err := d.Sessions.Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (d Documents) fail(c *gin.Context, msg, docID string, err error) {
	if errors.Is(err, collab.ErrRoomClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	if d.Logger != nil {
		d.Logger.Error(msg, zap.String("document_id", docID), zap.Error(err))
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
