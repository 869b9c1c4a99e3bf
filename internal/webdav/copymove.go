package webdav

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/filedav-server/internal/models"
	"github.com/filedav-server/internal/storage"
	"github.com/filedav-server/internal/webdav/davxml"
)

// transfer 是 COPY 和 MOVE 共用的前置检查结果
type transfer struct {
	*request
	src      *models.FileRecord
	srcInfo  os.FileInfo
	dest     storage.Location
	replaced bool
}

// prepareTransfer 解析 Destination，检查源与目标，并在允许覆盖时清理目标。
// 返回 false 时响应已经写出。
func (h *Handler) prepareTransfer(c *gin.Context, req *request) (*transfer, bool) {
	ctx := c.Request.Context()

	dest, err := h.storage.Resolver().ResolveDestination(req.owner, c.GetHeader("Destination"), req.prefix)
	if err != nil {
		h.writeError(c, http.StatusBadRequest, davxml.ExceptionBadRequest, err.Error())
		return nil, false
	}

	switch {
	case req.loc.IsRoot() || dest.IsRoot():
		h.writeError(c, http.StatusForbidden, davxml.ExceptionForbidden, "The root collection cannot be copied, moved or replaced")
		return nil, false
	case dest.Logical == req.loc.Logical:
		h.writeError(c, http.StatusForbidden, davxml.ExceptionForbidden, "Source and destination are the same")
		return nil, false
	case strings.HasPrefix(dest.Logical, req.loc.Logical+"/"):
		h.writeError(c, http.StatusConflict, davxml.ExceptionConflict, "Destination is inside the source collection")
		return nil, false
	}

	src, err := h.files.FindByPath(ctx, req.owner, req.loc.Logical)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return nil, false
	}
	if src == nil {
		h.notFound(c, req.loc.Logical)
		return nil, false
	}

	srcInfo, err := h.storage.Stat(req.loc.Physical)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return nil, false
	}
	if srcInfo == nil {
		h.repairOrphan(c, req, nil)
		return nil, false
	}

	destInfo, err := h.storage.Stat(dest.Physical)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return nil, false
	}

	t := &transfer{request: req, src: src, srcInfo: srcInfo, dest: dest, replaced: destInfo != nil}
	log := req.log.WithField("destination", dest.Logical)

	if destInfo != nil {
		if strings.EqualFold(strings.TrimSpace(c.GetHeader("Overwrite")), "F") {
			h.writeError(c, http.StatusPreconditionFailed, davxml.ExceptionPreconditionFailed,
				"Destination "+dest.Logical+" already exists and Overwrite is F")
			return nil, false
		}
		if err := h.storage.Remove(dest.Physical, destInfo); err != nil {
			log.WithError(err).Error("failed to remove overwritten destination")
			h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
			return nil, false
		}
	}

	// also clears records left behind by an earlier divergence
	if _, err := h.files.Delete(ctx, req.owner, dest.Logical); err != nil {
		log.WithError(err).Error("failed to remove destination record")
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return nil, false
	}

	return t, true
}

// physicalFailure 区分目标父目录缺失(409)和其他 I/O 错误(500)
func (h *Handler) physicalFailure(c *gin.Context, t *transfer, err error) {
	if !h.storage.ParentIsDir(t.dest.Physical) {
		h.writeError(c, http.StatusConflict, davxml.ExceptionConflict, "The destination node is not found")
		return
	}
	t.log.WithError(err).Error("physical transfer failed")
	h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
}

func (t *transfer) status() int {
	if t.replaced {
		return http.StatusNoContent
	}
	return http.StatusCreated
}

// ========================================
// COPY
// ========================================

func (h *Handler) HandleCopy(c *gin.Context) {
	req, ok := h.begin(c)
	if !ok {
		return
	}
	t, ok := h.prepareTransfer(c, req)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if t.srcInfo.IsDir() {
		info, err := h.storage.Mkdir(t.dest.Physical)
		if err != nil {
			h.physicalFailure(c, t, err)
			return
		}
		if err := h.storage.CopyTree(t.loc.Physical, t.dest.Physical); err != nil {
			h.rollbackCopy(t, info)
			h.physicalFailure(c, t, err)
			return
		}
		if err := h.files.CopySubtree(ctx, t.owner, t.loc.Logical, t.dest.Parts); err != nil {
			t.log.WithError(err).Error("metadata copy failed")
			h.rollbackCopy(t, info)
			h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
			return
		}
		c.Status(t.status())
		return
	}

	if err := h.storage.CopyFile(t.loc.Physical, t.dest.Physical); err != nil {
		// a partial copy must not stay behind
		if info, _ := h.storage.Stat(t.dest.Physical); info != nil {
			h.rollbackCopy(t, info)
		}
		h.physicalFailure(c, t, err)
		return
	}

	if err := h.files.CopySubtree(ctx, t.owner, t.loc.Logical, t.dest.Parts); err != nil {
		t.log.WithError(err).Error("metadata copy failed")
		h.rollbackCopy(t, nil)
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}

	c.Status(t.status())
}

func (h *Handler) rollbackCopy(t *transfer, info os.FileInfo) {
	if err := h.storage.Remove(t.dest.Physical, info); err != nil {
		t.log.WithError(err).Error("rollback of copied entry failed")
	}
}

// ========================================
// MOVE
// ========================================

// HandleMove 重命名物理文件后改写元数据路径；元数据失败时尽力把文件改回原位。
// 改回也失败时两边会不一致，由 GET/DELETE 的修复逻辑兜底。
func (h *Handler) HandleMove(c *gin.Context) {
	req, ok := h.begin(c)
	if !ok {
		return
	}
	t, ok := h.prepareTransfer(c, req)
	if !ok {
		return
	}

	if err := h.storage.Rename(t.loc.Physical, t.dest.Physical); err != nil {
		h.physicalFailure(c, t, err)
		return
	}

	n, err := h.files.Move(c.Request.Context(), t.owner, t.loc.Logical, t.dest.Logical, t.dest.Name())
	if err == nil && n == 1 {
		c.Status(t.status())
		return
	}

	msg := "source record disappeared during move"
	if err != nil {
		msg = err.Error()
	}
	t.log.WithField("error", msg).Error("metadata move failed, renaming back")
	if rbErr := h.storage.Rename(t.dest.Physical, t.loc.Physical); rbErr != nil {
		t.log.WithError(rbErr).Error("rename back failed, stores diverged")
	}
	h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, msg)
}
