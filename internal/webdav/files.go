package webdav

import (
	"errors"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/filedav-server/internal/metadata"
	"github.com/filedav-server/internal/storage"
	"github.com/filedav-server/internal/webdav/davxml"
)

// ========================================
// GET / HEAD
// ========================================

func (h *Handler) HandleGet(c *gin.Context) {
	h.serveFile(c)
}

func (h *Handler) HandleHead(c *gin.Context) {
	h.serveFile(c)
}

// serveFile 读取文件。元数据存在但物理文件缺失时删除元数据并返回 410
func (h *Handler) serveFile(c *gin.Context) {
	req, ok := h.begin(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	rec, err := h.files.FindByPath(ctx, req.owner, req.loc.Logical)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}
	if rec == nil {
		h.notFound(c, req.loc.Logical)
		return
	}

	info, err := h.storage.Stat(req.loc.Physical)
	if err != nil || info == nil {
		h.repairOrphan(c, req, err)
		return
	}
	if info.IsDir() {
		c.Data(http.StatusMethodNotAllowed, "text/plain; charset=utf-8", []byte(browserMessage))
		return
	}

	f, err := h.storage.Open(req.loc.Physical)
	if err != nil {
		h.repairOrphan(c, req, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", rec.MimeType)
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Name}))
	c.Header("ETag", quoteETag(rec.ETag))
	http.ServeContent(c.Writer, c.Request, rec.Name, rec.ModTime(), f)
}

// repairOrphan 删除没有物理文件对应的元数据，返回 410
func (h *Handler) repairOrphan(c *gin.Context, req *request, cause error) {
	log := req.log
	if cause != nil {
		log = log.WithError(cause)
	}
	log.Warn("metadata without physical entry, removing record")

	if _, err := h.files.Delete(c.Request.Context(), req.owner, req.loc.Logical); err != nil {
		req.log.WithError(err).Error("failed to remove orphaned record")
	}
	c.Status(http.StatusGone)
}

// ========================================
// PUT
// ========================================

func (h *Handler) HandlePut(c *gin.Context) {
	req, ok := h.begin(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	body := c.Request.Body
	if !hasBody(c.Request) {
		if c.GetHeader("Content-Length") != "0" {
			h.writeError(c, http.StatusBadRequest, davxml.ExceptionBadRequest, "PUT requires a request body")
			return
		}
		body = http.NoBody
	}

	existing, err := h.storage.Stat(req.loc.Physical)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}
	if existing != nil && existing.IsDir() {
		h.writeError(c, http.StatusMethodNotAllowed, davxml.ExceptionMethodNotAllowed, "Cannot PUT to a collection")
		return
	}

	res, err := h.storage.WriteFile(req.loc.Physical, body)
	if err != nil {
		if errors.Is(err, storage.ErrOpen) && !h.storage.ParentIsDir(req.loc.Physical) {
			h.writeError(c, http.StatusConflict, davxml.ExceptionConflict, "Parent collection does not exist")
			return
		}
		req.log.WithError(err).Error("write failed")
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}

	mtime := declaredMTime(c)
	rec, err := h.files.Upsert(ctx, req.owner, metadata.UpsertParams{
		Parts:         req.loc.Parts,
		Info:          res.Info,
		MimeType:      storage.DetectMimeType(req.loc.Physical, res.Info),
		DeclaredMTime: mtime,
		ETag:          res.ETag,
	})
	if err != nil {
		req.log.WithError(err).Error("metadata upsert failed after write")
		if res.Created {
			if rmErr := h.storage.Remove(req.loc.Physical, nil); rmErr != nil {
				req.log.WithError(rmErr).Error("rollback of written file failed")
			}
		}
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}

	if mtime != 0 {
		c.Header(HeaderMTime, "accepted")
	}
	c.Header("ETag", quoteETag(rec.ETag))
	if res.Created {
		c.Status(http.StatusCreated)
		return
	}
	c.Status(http.StatusOK)
}

// ========================================
// DELETE
// ========================================

func (h *Handler) HandleDelete(c *gin.Context) {
	req, ok := h.begin(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if req.loc.IsRoot() {
		h.writeError(c, http.StatusForbidden, davxml.ExceptionForbidden, "The root collection cannot be deleted")
		return
	}

	info, err := h.storage.Stat(req.loc.Physical)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}

	if info == nil {
		// nothing on disk, drop whatever metadata is left
		n, err := h.files.Delete(ctx, req.owner, req.loc.Logical)
		if err != nil {
			h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
			return
		}
		if n == 0 {
			h.notFound(c, req.loc.Logical)
			return
		}
		req.log.Warn("removed record without physical entry")
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.storage.Remove(req.loc.Physical, info); err != nil {
		req.log.WithError(err).Error("physical delete failed")
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}

	if _, err := h.files.Delete(ctx, req.owner, req.loc.Logical); err != nil {
		// the next request on this path repairs the record
		req.log.WithError(err).Error("metadata delete failed after physical delete")
	}
	c.Status(http.StatusNoContent)
}

// ========================================
// MKCOL
// ========================================

func (h *Handler) HandleMkcol(c *gin.Context) {
	req, ok := h.begin(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if hasBody(c.Request) {
		h.writeError(c, http.StatusUnsupportedMediaType, davxml.ExceptionUnsupportedMedia, "MKCOL with a request body is not supported")
		return
	}

	existing, err := h.storage.Stat(req.loc.Physical)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}
	if existing != nil {
		h.writeError(c, http.StatusMethodNotAllowed, davxml.ExceptionMethodNotAllowed, "The resource you tried to create already exists")
		return
	}

	info, err := h.storage.Mkdir(req.loc.Physical)
	if err != nil {
		req.log.WithError(err).Info("mkcol failed")
		h.writeError(c, http.StatusConflict, davxml.ExceptionConflict, "Parent node does not exist")
		return
	}

	etag := storage.DirETag(info.ModTime())
	rec, err := h.files.Upsert(ctx, req.owner, metadata.UpsertParams{
		Parts:         req.loc.Parts,
		Info:          info,
		DeclaredMTime: declaredMTime(c),
		ETag:          etag,
	})
	if err != nil {
		req.log.WithError(err).Error("metadata upsert failed after mkcol")
		if rmErr := h.storage.Remove(req.loc.Physical, info); rmErr != nil {
			req.log.WithError(rmErr).Error("rollback of created directory failed")
		}
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}

	c.Header("ETag", quoteETag(rec.ETag))
	c.Status(http.StatusCreated)
}
