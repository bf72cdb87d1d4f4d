package hostapi

import (
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"hostbox/internal/host/service"
	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/response"
)

// Controller exposes host operations over HTTP.
type Controller struct {
	svc            *service.HostService
	maxUploadBytes int64
	auditListLimit int
}

// NewController creates the HTTP controller.
func NewController(svc *service.HostService, maxUploadBytes int64) *Controller {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 60 << 20
	}
	return &Controller{svc: svc, maxUploadBytes: maxUploadBytes, auditListLimit: 100}
}

// Upload ingests a zip archive into a fresh slot. The archive arrives as a
// multipart file field named "archive".
func (ct *Controller) Upload(c *gin.Context) {
	tenant := tenantFrom(c)
	name := c.PostForm("name")

	file, header, err := c.Request.FormFile("archive")
	if err != nil {
		response.BadRequest(c, "archive file is required")
		return
	}
	defer file.Close()
	if header.Size > ct.maxUploadBytes {
		response.AbortWithErrorCode(c, appErr.ArchiveTooLarge, "")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, ct.maxUploadBytes+1))
	if err != nil {
		response.Error(c, appErr.Wrap(err, appErr.InvalidArchive))
		return
	}
	if int64(len(data)) > ct.maxUploadBytes {
		response.AbortWithErrorCode(c, appErr.ArchiveTooLarge, "")
		return
	}

	view, err := ct.svc.Provision(c.Request.Context(), tenant, name, data)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, view)
}

// Launch starts a slot's process.
func (ct *Controller) Launch(c *gin.Context) {
	tenant := tenantFrom(c)
	if err := ct.svc.Launch(c.Request.Context(), tenant, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	view, err := ct.svc.Slot(c.Request.Context(), tenant, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, view)
}

// Stop terminates a slot's process.
func (ct *Controller) Stop(c *gin.Context) {
	tenant := tenantFrom(c)
	if err := ct.svc.Stop(c.Request.Context(), tenant, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// Clear tears a slot down completely.
func (ct *Controller) Clear(c *gin.Context) {
	tenant := tenantFrom(c)
	if err := ct.svc.Clear(c.Request.Context(), tenant, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// ClearAll tears down every slot the tenant holds.
func (ct *Controller) ClearAll(c *gin.Context) {
	tenant := tenantFrom(c)
	if err := ct.svc.ClearAll(c.Request.Context(), tenant); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

type developRequest struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt" binding:"required"`
}

// Develop generates a project from a prompt and stabilizes it.
func (ct *Controller) Develop(c *gin.Context) {
	tenant := tenantFrom(c)
	var req developRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "prompt is required")
		return
	}
	result, err := ct.svc.Develop(c.Request.Context(), tenant, req.Name, req.Prompt)
	if err != nil {
		if result.Slot.ID != "" {
			// The slot survived; report both the failure and the state.
			response.Error(c, appErr.GetError(err).WithDetail("slot", result.Slot))
			return
		}
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// Status returns the tenant's slots plus host load.
func (ct *Controller) Status(c *gin.Context) {
	response.Success(c, ct.svc.Status(c.Request.Context(), tenantFrom(c)))
}

// Transcript returns the retained console output of a slot.
func (ct *Controller) Transcript(c *gin.Context) {
	text, truncated, err := ct.svc.Transcript(tenantFrom(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"text": text, "truncated": truncated})
}

// AuditLog lists recent audit entries for a slot.
func (ct *Controller) AuditLog(c *gin.Context) {
	limit := ct.auditListLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < ct.auditListLimit {
			limit = n
		}
	}
	entries, err := ct.svc.AuditLog(c.Request.Context(), tenantFrom(c), c.Param("id"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, entries)
}
