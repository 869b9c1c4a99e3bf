package webdav

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/filedav-server/internal/metadata"
	"github.com/filedav-server/internal/properties"
	"github.com/filedav-server/internal/storage"
	"github.com/filedav-server/internal/webdav/davxml"
	"github.com/filedav-server/internal/webdav/validators"
)

const (
	// HeaderMTime carries a client-declared modification time in unix seconds.
	HeaderMTime = "X-OC-Mtime"

	allowedMethods = "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, COPY, MOVE, PROPFIND, PROPPATCH"
	browserMessage = "This is the WebDAV interface. It can only be accessed by WebDAV clients."
)

// Handler 处理 WebDAV 方法，负责文件系统与元数据库之间的一致性
type Handler struct {
	files     metadata.Store
	props     properties.Store
	storage   *storage.Service
	validator *validators.CompositeValidator
	maxValue  int
	logger    logrus.FieldLogger
}

func NewHandler(files metadata.Store, props properties.Store, storage *storage.Service, logger logrus.FieldLogger) *Handler {
	return &Handler{
		files:     files,
		props:     props,
		storage:   storage,
		validator: validators.NewDefaultValidator(validators.DefaultMaxValueLength),
		maxValue:  validators.DefaultMaxValueLength,
		logger:    logger,
	}
}

// request 单次请求解析后的上下文
type request struct {
	owner  uuid.UUID
	loc    storage.Location
	prefix string
	log    logrus.FieldLogger
}

// begin 解析用户与路径，并确保用户根目录在两个存储中都存在。
// 返回 false 时响应已经写出。
func (h *Handler) begin(c *gin.Context) (*request, bool) {
	owner, err := uuid.Parse(c.GetString("userID"))
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return nil, false
	}

	log := h.logger.WithFields(logrus.Fields{
		"owner":  owner,
		"method": c.Request.Method,
	})

	home, err := h.storage.EnsureHome(owner)
	if err != nil {
		log.WithError(err).Error("failed to provision home directory")
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return nil, false
	}
	if _, err := h.files.EnsureRoot(c.Request.Context(), owner, home); err != nil {
		log.WithError(err).Error("failed to provision root record")
		h.writeError(c, http.StatusInternalServerError, davxml.ExceptionGeneric, err.Error())
		return nil, false
	}

	// URL.Path is already decoded; segments have to be decoded one by one
	prefix := routePrefix(c)
	escaped := strings.TrimPrefix(c.Request.URL.EscapedPath(), prefix)
	loc, err := h.storage.Resolver().ResolveURIPath(owner, escaped)
	if err != nil {
		h.writeError(c, http.StatusBadRequest, davxml.ExceptionBadRequest, err.Error())
		return nil, false
	}

	return &request{
		owner:  owner,
		loc:    loc,
		prefix: prefix,
		log:    log.WithField("path", loc.Logical),
	}, true
}

// routePrefix 返回请求命中的路由前缀，例如 /webdav 或 /remote.php/webdav
func routePrefix(c *gin.Context) string {
	full := c.FullPath()
	if idx := strings.Index(full, "/*"); idx >= 0 {
		return full[:idx]
	}
	return strings.TrimSuffix(full, "/")
}

func (h *Handler) writeError(c *gin.Context, status int, exception, message string) {
	c.Header("Content-Type", davxml.ContentType)
	c.Status(status)
	if err := davxml.WriteError(c.Writer, exception, message); err != nil {
		h.logger.WithError(err).Warn("failed to write error body")
	}
}

func (h *Handler) notFound(c *gin.Context, logical string) {
	h.writeError(c, http.StatusNotFound, davxml.ExceptionNotFound,
		"File with name "+logical+" could not be located")
}

// hasBody 判断请求是否带有请求体。没有 Content-Length 的分块请求视为有
func hasBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	return r.ContentLength != 0
}

// declaredMTime 解析客户端声明的修改时间，无效时返回 0
func declaredMTime(c *gin.Context) int64 {
	v := strings.TrimSpace(c.GetHeader(HeaderMTime))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func quoteETag(etag string) string {
	return `"` + etag + `"`
}

// HandleOptions 返回支持的方法
func (h *Handler) HandleOptions(c *gin.Context) {
	c.Header("DAV", "1")
	c.Header("MS-Author-Via", "DAV")
	c.Header("Allow", allowedMethods)
	c.Status(http.StatusOK)
}

// HandleLock 锁协议未实现
func (h *Handler) HandleLock(c *gin.Context) {
	h.writeError(c, http.StatusNotImplemented, davxml.ExceptionNotImplemented, "Locking is not supported")
}

// HandleUnlock 锁协议未实现
func (h *Handler) HandleUnlock(c *gin.Context) {
	h.writeError(c, http.StatusNotImplemented, davxml.ExceptionNotImplemented, "Locking is not supported")
}

// Register 在路由组上注册全部 WebDAV 方法。组前缀本身(不带斜杠)指向用户根目录
func (h *Handler) Register(r gin.IRoutes) {
	routes := []struct {
		method  string
		handler gin.HandlerFunc
	}{
		{http.MethodOptions, h.HandleOptions},
		{"PROPFIND", h.HandlePropfind},
		{"PROPPATCH", h.HandleProppatch},
		{http.MethodGet, h.HandleGet},
		{http.MethodHead, h.HandleHead},
		{http.MethodPut, h.HandlePut},
		{http.MethodDelete, h.HandleDelete},
		{"MKCOL", h.HandleMkcol},
		{"MOVE", h.HandleMove},
		{"COPY", h.HandleCopy},
		{"LOCK", h.HandleLock},
		{"UNLOCK", h.HandleUnlock},
	}
	for _, route := range routes {
		r.Handle(route.method, "", route.handler)
		r.Handle(route.method, "/*path", route.handler)
	}
}
