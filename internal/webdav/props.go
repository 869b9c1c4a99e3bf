package webdav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/filedav-server/internal/models"
	"github.com/filedav-server/internal/properties"
	"github.com/filedav-server/internal/storage"
	"github.com/filedav-server/internal/types"
	"github.com/filedav-server/internal/webdav/davxml"
	"github.com/filedav-server/internal/webdav/validators"
)

const depthInfinity = -1

// parseDepth 解析 Depth 头，缺省为 0
func parseDepth(v string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0":
		return 0, true
	case "1":
		return 1, true
	case "infinity":
		return depthInfinity, true
	}
	return 0, false
}

// ========================================
// PROPFIND
// ========================================

// propfind 一次 PROPFIND 的状态，属性会话与剩余空间在整个请求内复用
type propfind struct {
	req     *request
	pf      *davxml.PropfindRequest
	session properties.Session
	free    *int64
}

func (h *Handler) HandlePropfind(c *gin.Context) {
	req, ok := h.begin(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	depth, ok := parseDepth(c.GetHeader("Depth"))
	if !ok {
		h.writeError(c, http.StatusBadRequest, davxml.ExceptionBadRequest, "Invalid Depth header: "+c.GetHeader("Depth"))
		return
	}

	pf, err := davxml.ParsePropfind(c.Request.Body)
	if err != nil {
		if davxml.IsSyntaxError(err) {
			h.writeError(c, http.StatusBadRequest, davxml.ExceptionBadRequest, err.Error())
			return
		}
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}

	rec, err := h.files.FindByPath(ctx, req.owner, req.loc.Logical)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}
	if rec == nil {
		h.notFound(c, req.loc.Logical)
		return
	}

	p := &propfind{req: req, pf: pf, session: h.props.NewSession()}

	c.Header("Content-Type", davxml.ContentType)
	c.Status(http.StatusMultiStatus)
	w := davxml.NewMultistatusWriter(c.Writer)

	if err := h.writeTree(ctx, w, p, rec, depth); err != nil {
		// the status line is already out, all that is left is to end the document
		req.log.WithError(err).Error("propfind aborted")
	}
	if err := w.Close(); err != nil {
		req.log.WithError(err).Warn("failed to finish multistatus")
	}
}

// writeTree 写出 rec，并按 depth 递归写出子节点
func (h *Handler) writeTree(ctx context.Context, w *davxml.MultistatusWriter, p *propfind, rec *models.FileRecord, depth int) error {
	resp, err := h.buildResponse(ctx, p, rec)
	if err != nil {
		return err
	}
	if err := w.Write(resp); err != nil {
		return err
	}

	if depth == 0 || !rec.IsDir() {
		return nil
	}

	children, err := h.files.ListChildren(ctx, p.req.owner, rec.ID)
	if err != nil {
		return err
	}
	next := depth - 1
	if depth == depthInfinity {
		next = depthInfinity
	}
	for _, child := range children {
		if err := h.writeTree(ctx, w, p, child, next); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) buildResponse(ctx context.Context, p *propfind, rec *models.FileRecord) (davxml.Response, error) {
	resp := davxml.Response{Href: storage.HrefFor(p.req.prefix, storage.PartsOf(rec.Path), rec.IsDir())}

	if p.pf.Mode == davxml.ModePropName {
		names, err := h.propNames(ctx, p, rec)
		if err != nil {
			return resp, err
		}
		props := make([]davxml.Property, len(names))
		for i, n := range names {
			props[i] = davxml.Property{Name: n}
		}
		resp.Propstats = []davxml.Propstat{{Status: http.StatusOK, Props: props}}
		return resp, nil
	}

	requested := p.pf.Props
	if p.pf.Mode == davxml.ModeAllProp {
		requested = types.AllProps
	}

	var found, missing []davxml.Property
	var dead map[string]string
	for _, name := range requested {
		if prop, ok := h.computedProperty(p, rec, name); ok {
			found = append(found, prop)
			continue
		}

		if dead == nil {
			var err error
			if dead, err = p.session.Values(ctx, rec.ID); err != nil {
				return resp, fmt.Errorf("load properties of %s: %w", rec.Path, err)
			}
		}
		if v, ok := dead[name.Key()]; ok {
			found = append(found, davxml.Property{Name: name, Value: v})
		} else {
			missing = append(missing, davxml.Property{Name: name})
		}
	}

	resp.Propstats = []davxml.Propstat{
		{Status: http.StatusOK, Props: found},
		{Status: http.StatusNotFound, Props: missing},
	}
	return resp, nil
}

// propNames 列出资源上所有属性名：计算属性加上已保存的死属性
func (h *Handler) propNames(ctx context.Context, p *propfind, rec *models.FileRecord) ([]types.PropName, error) {
	names := append([]types.PropName(nil), types.AllProps...)

	dead, err := p.session.Values(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load properties of %s: %w", rec.Path, err)
	}
	keys := make([]string, 0, len(dead))
	for k := range dead {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, err := types.ParseKey(k)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// computedProperty 解析由文件记录直接得出的属性，这些属性不访问属性存储
func (h *Handler) computedProperty(p *propfind, rec *models.FileRecord, name types.PropName) (davxml.Property, bool) {
	prop := davxml.Property{Name: name}

	switch name {
	case types.PropQuotaUsedBytes:
		if rec.IsDir() {
			prop.Value = strconv.FormatInt(rec.Size, 10)
		}
	case types.PropQuotaAvailableBytes:
		if rec.IsDir() {
			if free := h.freeBytes(p); free >= 0 {
				prop.Value = strconv.FormatInt(free, 10)
			}
		}
	case types.PropGetContentType:
		prop.Value = rec.MimeType
	case types.PropGetLastModified:
		prop.Value = time.Unix(rec.MTime, 0).UTC().Format(http.TimeFormat)
	case types.PropGetContentLength:
		prop.Value = strconv.FormatInt(rec.Size, 10)
	case types.PropGetETag:
		prop.Value = quoteETag(rec.ETag)
	case types.PropResourceType:
		if rec.IsDir() {
			prop.Children = []types.PropName{types.DAV("collection")}
		}

	case types.PropOCID:
		prop.Value = fmt.Sprintf("%08d", rec.ID)
	case types.PropOCPermissions:
		if rec.IsDir() {
			prop.Value = "RDNVCK"
		} else {
			prop.Value = "RDNVW"
		}
	case types.PropOCDownloadURL, types.PropOCDataFingerprint, types.PropOCShareTypes,
		types.PropOCDDC, types.PropOCChecksums:
		// answered empty

	default:
		return prop, false
	}
	return prop, true
}

func (h *Handler) freeBytes(p *propfind) int64 {
	if p.free == nil {
		free := h.storage.FreeBytes(p.req.owner)
		p.free = &free
	}
	return *p.free
}

// ========================================
// PROPPATCH
// ========================================

// HandleProppatch 在一个属性事务里应用全部 set/remove，解析失败则整体回滚
func (h *Handler) HandleProppatch(c *gin.Context) {
	req, ok := h.begin(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if !hasBody(c.Request) {
		h.writeError(c, http.StatusBadRequest, davxml.ExceptionBadRequest, "PROPPATCH requires a request body")
		return
	}

	rec, err := h.files.FindByPath(ctx, req.owner, req.loc.Logical)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}
	if rec == nil {
		req.log.Info("proppatch on missing resource")
		h.notFound(c, req.loc.Logical)
		return
	}

	session := h.props.NewSession()
	var touched []types.PropName
	seen := make(map[types.PropName]bool)

	err = davxml.DecodeProppatch(c.Request.Body, h.maxValue, func(op davxml.PatchOp) error {
		if err := h.validator.Validate(op); err != nil {
			return err
		}
		if !seen[op.Name] {
			seen[op.Name] = true
			touched = append(touched, op.Name)
		}
		if op.Remove {
			return session.Remove(ctx, rec.ID, op.Name.Key())
		}
		return session.SetValue(ctx, rec.ID, op.Name.Key(), op.Value)
	})
	if err != nil {
		if rbErr := session.Rollback(ctx); rbErr != nil {
			req.log.WithError(rbErr).Error("property rollback failed")
		}
		var verr *validators.ValidationError
		switch {
		case davxml.IsSyntaxError(err):
			h.writeError(c, http.StatusBadRequest, davxml.ExceptionBadRequest, err.Error())
		case errors.Is(err, davxml.ErrValueTooLong):
			req.log.WithError(err).Info("proppatch value rejected")
			h.writeError(c, http.StatusRequestEntityTooLarge, davxml.ExceptionGeneric, err.Error())
		case errors.As(err, &verr):
			req.log.WithField("rule", verr.Rule).Info(verr.Message)
			h.writeError(c, verr.Status, verr.Exception, verr.Message)
		default:
			req.log.WithError(err).Error("property update failed")
			h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		}
		return
	}

	if err := session.Commit(ctx); err != nil {
		req.log.WithError(err).Error("property commit failed")
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return
	}

	props := make([]davxml.Property, len(touched))
	for i, n := range touched {
		props[i] = davxml.Property{Name: n}
	}

	c.Header("Content-Type", davxml.ContentType)
	c.Status(http.StatusMultiStatus)
	w := davxml.NewMultistatusWriter(c.Writer)
	err = w.Write(davxml.Response{
		Href:      req.loc.Href(req.prefix, rec.IsDir()),
		Propstats: []davxml.Propstat{{Status: http.StatusOK, Props: props}},
	})
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		req.log.WithError(err).Warn("failed to write proppatch response")
	}
}
