package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/warehouse-outbox/internal/repo"
	"github.com/richardliu001/warehouse-outbox/internal/service"
	"go.uber.org/zap"
)

func RegisterHandlers(r *gin.Engine, svc *service.OutboxService, log *zap.SugaredLogger) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	{
		v1.POST("/outbox", appendHandler(svc, log))
		v1.GET("/stats", statsHandler(svc, log))
		v1.GET("/outbox/:id", getHandler(svc, log))
	}
}

type appendReq struct {
	// pointer so a missing owner_id is rejected while 0 stays a valid id
	OwnerID *uint64 `json:"owner_id" binding:"required"`
	Payload string  `json:"payload" binding:"required"`
}

func appendHandler(svc *service.OutboxService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req appendReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := svc.Append(c, *req.OwnerID, req.Payload)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

func getHandler(svc *service.OutboxService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := svc.Get(c, c.Param("id"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

func statsHandler(svc *service.OutboxService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := svc.Stats(c)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, counts)
	}
}

func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidEntry):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrStorageUnavailable):
		log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
