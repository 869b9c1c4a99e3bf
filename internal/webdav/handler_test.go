package webdav

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filedav-server/internal/database"
	"github.com/filedav-server/internal/metadata"
	"github.com/filedav-server/internal/properties"
	"github.com/filedav-server/internal/storage"
)

// ========================================
// Test Helpers
// ========================================

type testEnv struct {
	t       *testing.T
	router  *gin.Engine
	owner   uuid.UUID
	files   *metadata.SQLStore
	props   properties.Store
	storage *storage.Service
}

// envOptions 调整测试环境。wrap* 包装交给 Handler 的存储，
// props 为空时使用 SQL 属性存储
type envOptions struct {
	wrapFiles func(metadata.Store) metadata.Store
	wrapProps func(properties.Store) properties.Store
	props     properties.Store
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, envOptions{})
}

func newTestEnvWith(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.MigrateUp())

	owner := uuid.New()
	_, err = db.Exec(
		"INSERT INTO users (id, username, display_name, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		owner.String(), "alice", "Alice", "x", 0, 0)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	files := metadata.NewSQLStore(db, logger)
	props := opts.props
	if props == nil {
		props = properties.NewSQLStore(db)
	}
	if opts.wrapProps != nil {
		props = opts.wrapProps(props)
	}
	files.OnDelete(func(ctx context.Context, ids []int64) {
		_ = props.Purge(ctx, ids)
	})

	var store metadata.Store = files
	if opts.wrapFiles != nil {
		store = opts.wrapFiles(files)
	}
	svc := storage.NewService(storage.NewResolver(t.TempDir()))
	h := NewHandler(store, props, svc, logger)

	router := gin.New()
	router.UseRawPath = true
	router.UnescapePathValues = false
	for _, prefix := range []string{"/webdav", "/remote.php/webdav"} {
		group := router.Group(prefix)
		group.Use(func(c *gin.Context) {
			c.Set("userID", owner.String())
			c.Next()
		})
		h.Register(group)
	}

	return &testEnv{t: t, router: router, owner: owner, files: files, props: props, storage: svc}
}

func (e *testEnv) do(method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) put(target, content string) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.do(http.MethodPut, target, strings.NewReader(content), nil)
}

func (e *testEnv) physical(parts ...string) string {
	return filepath.Join(append([]string{e.storage.Resolver().Home(e.owner)}, parts...)...)
}

func (e *testEnv) record(logical string) bool {
	e.t.Helper()
	rec, err := e.files.FindByPath(context.Background(), e.owner, logical)
	require.NoError(e.t, err)
	return rec != nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

type xmlProp struct {
	XMLName  xml.Name
	Value    string    `xml:",chardata"`
	Children []xmlProp `xml:",any"`
}

type xmlPropstat struct {
	Prop struct {
		Props []xmlProp `xml:",any"`
	} `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type xmlResponse struct {
	Href      string        `xml:"DAV: href"`
	Propstats []xmlPropstat `xml:"DAV: propstat"`
}

type xmlMultistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []xmlResponse `xml:"DAV: response"`
}

func parseMultistatus(t *testing.T, w *httptest.ResponseRecorder) xmlMultistatus {
	t.Helper()
	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())
	var ms xmlMultistatus
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &ms))
	return ms
}

// props 返回指定状态下的属性，键为 local name
func (r xmlResponse) props(status int) map[string]xmlProp {
	out := make(map[string]xmlProp)
	line := fmt.Sprintf("HTTP/1.1 %d ", status)
	for _, ps := range r.Propstats {
		if !strings.HasPrefix(ps.Status, line) {
			continue
		}
		for _, p := range ps.Prop.Props {
			out[p.XMLName.Local] = p
		}
	}
	return out
}

func (m xmlMultistatus) find(href string) (xmlResponse, bool) {
	for _, r := range m.Responses {
		if r.Href == href {
			return r, true
		}
	}
	return xmlResponse{}, false
}

// ========================================
// GET / PUT
// ========================================

func TestPutThenGet(t *testing.T) {
	env := newTestEnv(t)

	w := env.put("/webdav/hello.txt", "hello world")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	etag := `"` + md5Hex("hello world") + `"`
	assert.Equal(t, etag, w.Header().Get("ETag"))

	w = env.do(http.MethodGet, "/webdav/hello.txt", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, etag, w.Header().Get("ETag"))
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, `attachment; filename=hello.txt`, w.Header().Get("Content-Disposition"))

	w = env.do(http.MethodHead, "/webdav/hello.txt", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, etag, w.Header().Get("ETag"))
	assert.Empty(t, w.Body.String())
}

func TestPutOverwriteReturns200(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "one").Code)
	w := env.put("/webdav/a.txt", "two")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `"`+md5Hex("two")+`"`, w.Header().Get("ETag"))

	data, err := os.ReadFile(env.physical("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestPutEmptyBody(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/webdav/empty.txt", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, env.record("files/empty.txt"))

	w = env.do(http.MethodPut, "/webdav/empty.txt", nil, map[string]string{"Content-Length": "0"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, `"d41d8cd98f00b204e9800998ecf8427e"`, w.Header().Get("ETag"))
}

func TestPutMissingParent(t *testing.T) {
	env := newTestEnv(t)

	w := env.put("/webdav/nope/a.txt", "x")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, env.record("files/nope/a.txt"))
}

func TestPutOntoCollection(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do("MKCOL", "/webdav/dir", nil, nil).Code)

	w := env.put("/webdav/dir", "x")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestWriteBelowRegularFile(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "x").Code)

	assert.Equal(t, http.StatusConflict, env.put("/webdav/a.txt/child", "y").Code)
	assert.Equal(t, http.StatusConflict, env.do("MKCOL", "/webdav/a.txt/sub", nil, nil).Code)

	require.Equal(t, http.StatusCreated, env.put("/webdav/b.txt", "b").Code)
	w := env.do("COPY", "/webdav/b.txt", nil, map[string]string{"Destination": "http://localhost/webdav/a.txt/copy"})
	assert.Equal(t, http.StatusConflict, w.Code)

	data, err := os.ReadFile(env.physical("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
	assert.False(t, env.record("files/a.txt/child"))
	assert.False(t, env.record("files/a.txt/sub"))
}

func TestPutDeclaredMTime(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/webdav/old.txt", strings.NewReader("x"), map[string]string{HeaderMTime: "1700000000"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "accepted", w.Header().Get(HeaderMTime))

	ms := parseMultistatus(t, env.do("PROPFIND", "/webdav/old.txt", nil, nil))
	require.Len(t, ms.Responses, 1)
	found := ms.Responses[0].props(http.StatusOK)
	assert.Equal(t, time.Unix(1700000000, 0).UTC().Format(http.TimeFormat), found["getlastmodified"].Value)
}

func TestGetDirectory(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/webdav/", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, browserMessage, w.Body.String())
}

func TestGetMissing(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/webdav/missing.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Sabre\\DAV\\Exception\\NotFound")
}

func TestGetOrphanedRecordIsRemoved(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/gone.txt", "bye").Code)
	require.NoError(t, os.Remove(env.physical("gone.txt")))

	w := env.do(http.MethodGet, "/webdav/gone.txt", nil, nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.False(t, env.record("files/gone.txt"))

	w = env.do(http.MethodGet, "/webdav/gone.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPathEncoding(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusCreated, env.put("/webdav/a%20b%C3%BC.txt", "u").Code)
	require.Equal(t, http.StatusCreated, env.put("/webdav/100%25.txt", "p").Code)

	_, err := os.Stat(env.physical("a bü.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(env.physical("100%.txt"))
	assert.NoError(t, err)

	ms := parseMultistatus(t, env.do("PROPFIND", "/webdav/", nil, map[string]string{"Depth": "1"}))
	_, ok := ms.find("/webdav/a%20b%C3%BC.txt")
	assert.True(t, ok)
	_, ok = ms.find("/webdav/100%25.txt")
	assert.True(t, ok)

	w := env.do(http.MethodGet, "/webdav/100%25.txt", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p", w.Body.String())
}

func TestEncodedSeparatorRejected(t *testing.T) {
	env := newTestEnv(t)

	w := env.put("/webdav/a%2Fb.txt", "x")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.put("/webdav/%2E%2E", "x")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ========================================
// DELETE / MKCOL
// ========================================

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "x").Code)

	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/webdav/a.txt", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/webdav/a.txt", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/webdav/a.txt", nil, nil).Code)
}

func TestDeleteCollection(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do("MKCOL", "/webdav/d", nil, nil).Code)
	require.Equal(t, http.StatusCreated, env.do("MKCOL", "/webdav/d/e", nil, nil).Code)
	require.Equal(t, http.StatusCreated, env.put("/webdav/d/e/f.txt", "x").Code)

	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/webdav/d", nil, nil).Code)
	assert.False(t, env.record("files/d"))
	assert.False(t, env.record("files/d/e/f.txt"))
	_, err := os.Stat(env.physical("d"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteRoot(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodDelete, "/webdav/", nil, nil).Code)
}

func TestDeleteRecordWithoutFile(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "x").Code)
	require.NoError(t, os.Remove(env.physical("a.txt")))

	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/webdav/a.txt", nil, nil).Code)
	assert.False(t, env.record("files/a.txt"))
}

func TestMkcol(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("MKCOL", "/webdav/docs", nil, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, w.Header().Get("ETag"))
	assert.True(t, env.record("files/docs"))

	assert.Equal(t, http.StatusMethodNotAllowed, env.do("MKCOL", "/webdav/docs", nil, nil).Code)
	assert.Equal(t, http.StatusConflict, env.do("MKCOL", "/webdav/x/y", nil, nil).Code)
	assert.Equal(t, http.StatusUnsupportedMediaType,
		env.do("MKCOL", "/webdav/body", strings.NewReader("<x/>"), nil).Code)
	assert.False(t, env.record("files/body"))
}

// ========================================
// COPY / MOVE
// ========================================

func TestCopyFile(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "copy me").Code)

	w := env.do("COPY", "/webdav/a.txt", nil, map[string]string{"Destination": "/webdav/b.txt"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(http.MethodGet, "/webdav/b.txt", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "copy me", w.Body.String())
	assert.Equal(t, `"`+md5Hex("copy me")+`"`, w.Header().Get("ETag"))
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/webdav/a.txt", nil, nil).Code)
}

func TestCopyOverwrite(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "new").Code)
	require.Equal(t, http.StatusCreated, env.put("/webdav/b.txt", "old").Code)

	w := env.do("COPY", "/webdav/a.txt", nil, map[string]string{"Destination": "/webdav/b.txt", "Overwrite": "F"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "old", env.do(http.MethodGet, "/webdav/b.txt", nil, nil).Body.String())

	w = env.do("COPY", "/webdav/a.txt", nil, map[string]string{"Destination": "/webdav/b.txt"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "new", env.do(http.MethodGet, "/webdav/b.txt", nil, nil).Body.String())
}

func TestCopyCollectionSkipsHidden(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do("MKCOL", "/webdav/src", nil, nil).Code)
	require.Equal(t, http.StatusCreated, env.do("MKCOL", "/webdav/src/sub", nil, nil).Code)
	require.Equal(t, http.StatusCreated, env.put("/webdav/src/sub/a.txt", "a").Code)
	require.NoError(t, os.WriteFile(env.physical("src", ".hidden"), []byte("h"), 0o644))

	w := env.do("COPY", "/webdav/src", nil, map[string]string{"Destination": "/webdav/dst"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, "a", env.do(http.MethodGet, "/webdav/dst/sub/a.txt", nil, nil).Body.String())
	_, err := os.Stat(env.physical("dst", ".hidden"))
	assert.True(t, os.IsNotExist(err))

	ms := parseMultistatus(t, env.do("PROPFIND", "/webdav/dst", nil, map[string]string{"Depth": "infinity"}))
	assert.Len(t, ms.Responses, 3)
}

func TestCopyRejections(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do("MKCOL", "/webdav/d", nil, nil).Code)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "x").Code)

	tests := []struct {
		name   string
		source string
		dest   string
		status int
	}{
		{"same path", "/webdav/a.txt", "/webdav/a.txt", http.StatusForbidden},
		{"root source", "/webdav/", "/webdav/x", http.StatusForbidden},
		{"into itself", "/webdav/d", "/webdav/d/inner", http.StatusConflict},
		{"missing source", "/webdav/nope.txt", "/webdav/b.txt", http.StatusNotFound},
		{"missing parent", "/webdav/a.txt", "/webdav/x/y/a.txt", http.StatusConflict},
		{"foreign prefix", "/webdav/a.txt", "/other/a.txt", http.StatusBadRequest},
		{"no destination", "/webdav/a.txt", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("COPY", tt.source, nil, map[string]string{"Destination": tt.dest})
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestMoveFile(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "moving").Code)

	w := env.do("MOVE", "/webdav/a.txt", nil, map[string]string{"Destination": "http://example.com/webdav/b.txt"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/webdav/a.txt", nil, nil).Code)
	w = env.do(http.MethodGet, "/webdav/b.txt", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "moving", w.Body.String())
	assert.Equal(t, `"`+md5Hex("moving")+`"`, w.Header().Get("ETag"))
}

func TestMoveCollectionKeepsProperties(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do("MKCOL", "/webdav/d", nil, nil).Code)
	require.Equal(t, http.StatusCreated, env.put("/webdav/d/a.txt", "a").Code)
	patch := `<d:propertyupdate xmlns:d="DAV:" xmlns:x="urn:x"><d:set><d:prop><x:color>red</x:color></d:prop></d:set></d:propertyupdate>`
	require.Equal(t, http.StatusMultiStatus, env.do("PROPPATCH", "/webdav/d/a.txt", strings.NewReader(patch), nil).Code)

	w := env.do("MOVE", "/webdav/d", nil, map[string]string{"Destination": "/webdav/e"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.False(t, env.record("files/d/a.txt"))
	assert.Equal(t, "a", env.do(http.MethodGet, "/webdav/e/a.txt", nil, nil).Body.String())

	body := `<d:propfind xmlns:d="DAV:" xmlns:x="urn:x"><d:prop><x:color/></d:prop></d:propfind>`
	ms := parseMultistatus(t, env.do("PROPFIND", "/webdav/e/a.txt", strings.NewReader(body), nil))
	require.Len(t, ms.Responses, 1)
	assert.Equal(t, "red", ms.Responses[0].props(http.StatusOK)["color"].Value)
}

func TestMoveOverwriteForbidden(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "a").Code)
	require.Equal(t, http.StatusCreated, env.put("/webdav/b.txt", "b").Code)

	w := env.do("MOVE", "/webdav/a.txt", nil, map[string]string{"Destination": "/webdav/b.txt", "Overwrite": "F"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "a", env.do(http.MethodGet, "/webdav/a.txt", nil, nil).Body.String())
	assert.Equal(t, "b", env.do(http.MethodGet, "/webdav/b.txt", nil, nil).Body.String())
}

func TestMoveOrphanedSource(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "a").Code)
	require.NoError(t, os.Remove(env.physical("a.txt")))

	w := env.do("MOVE", "/webdav/a.txt", nil, map[string]string{"Destination": "/webdav/b.txt"})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.False(t, env.record("files/a.txt"))
	assert.False(t, env.record("files/b.txt"))
}

func TestMoveUnderAlternatePrefix(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/remote.php/webdav/a.txt", "a").Code)

	w := env.do("MOVE", "/remote.php/webdav/a.txt", nil,
		map[string]string{"Destination": "https://cloud.example.com/remote.php/webdav/b.txt"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "a", env.do(http.MethodGet, "/webdav/b.txt", nil, nil).Body.String())
}

// ========================================
// PROPFIND / PROPPATCH
// ========================================

func TestPropfindDepth(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do("MKCOL", "/webdav/d", nil, nil).Code)
	require.Equal(t, http.StatusCreated, env.put("/webdav/d/a.txt", "aa").Code)
	require.Equal(t, http.StatusCreated, env.put("/webdav/d/b.txt", "b").Code)
	require.Equal(t, http.StatusCreated, env.do("MKCOL", "/webdav/d/c", nil, nil).Code)
	require.Equal(t, http.StatusCreated, env.put("/webdav/d/c/deep.txt", "x").Code)

	ms := parseMultistatus(t, env.do("PROPFIND", "/webdav/d", nil, nil))
	assert.Len(t, ms.Responses, 1)

	ms = parseMultistatus(t, env.do("PROPFIND", "/webdav/d", nil, map[string]string{"Depth": "1"}))
	require.Len(t, ms.Responses, 4)
	for _, r := range ms.Responses {
		assert.Len(t, r.props(http.StatusOK), 7, r.Href)
		assert.Empty(t, r.props(http.StatusNotFound), r.Href)
	}

	dir, ok := ms.find("/webdav/d/")
	require.True(t, ok)
	rt := dir.props(http.StatusOK)["resourcetype"]
	require.Len(t, rt.Children, 1)
	assert.Equal(t, "collection", rt.Children[0].XMLName.Local)
	assert.Equal(t, "0", dir.props(http.StatusOK)["quota-used-bytes"].Value)

	file, ok := ms.find("/webdav/d/a.txt")
	require.True(t, ok)
	assert.Equal(t, "2", file.props(http.StatusOK)["getcontentlength"].Value)
	assert.Equal(t, `"`+md5Hex("aa")+`"`, file.props(http.StatusOK)["getetag"].Value)

	ms = parseMultistatus(t, env.do("PROPFIND", "/webdav/d", nil, map[string]string{"Depth": "infinity"}))
	assert.Len(t, ms.Responses, 5)
}

func TestPropfindErrors(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusNotFound, env.do("PROPFIND", "/webdav/nope", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do("PROPFIND", "/webdav/", nil, map[string]string{"Depth": "2"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do("PROPFIND", "/webdav/", strings.NewReader("<d:propfind xmlns:d=\"DAV:\"><d:prop>"), nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do("PROPFIND", "/webdav/", strings.NewReader(`<d:other xmlns:d="DAV:"/>`), nil).Code)
}

func TestPropfindNamedProperties(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "x").Code)

	body := `<?xml version="1.0"?>
<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns" xmlns:x="urn:x">
  <d:prop><d:getetag/><oc:permissions/><oc:id/><x:color/></d:prop>
</d:propfind>`
	ms := parseMultistatus(t, env.do("PROPFIND", "/webdav/a.txt", strings.NewReader(body), nil))
	require.Len(t, ms.Responses, 1)

	found := ms.Responses[0].props(http.StatusOK)
	assert.Contains(t, found, "getetag")
	assert.Equal(t, "RDNVW", found["permissions"].Value)
	assert.Len(t, found["id"].Value, 8)

	missing := ms.Responses[0].props(http.StatusNotFound)
	assert.Contains(t, missing, "color")
	assert.Len(t, missing, 1)
}

func TestProppatchSetAndRemove(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "x").Code)

	set := `<d:propertyupdate xmlns:d="DAV:" xmlns:x="urn:x">
  <d:set><d:prop><x:color>red</x:color><x:size>big</x:size></d:prop></d:set>
</d:propertyupdate>`
	w := env.do("PROPPATCH", "/webdav/a.txt", strings.NewReader(set), nil)
	ms := parseMultistatus(t, w)
	require.Len(t, ms.Responses, 1)
	assert.Len(t, ms.Responses[0].props(http.StatusOK), 2)

	query := `<d:propfind xmlns:d="DAV:" xmlns:x="urn:x"><d:prop><x:color/><x:size/></d:prop></d:propfind>`
	ms = parseMultistatus(t, env.do("PROPFIND", "/webdav/a.txt", strings.NewReader(query), nil))
	found := ms.Responses[0].props(http.StatusOK)
	assert.Equal(t, "red", found["color"].Value)
	assert.Equal(t, "big", found["size"].Value)

	remove := `<d:propertyupdate xmlns:d="DAV:" xmlns:x="urn:x"><d:remove><d:prop><x:color/></d:prop></d:remove></d:propertyupdate>`
	require.Equal(t, http.StatusMultiStatus, env.do("PROPPATCH", "/webdav/a.txt", strings.NewReader(remove), nil).Code)

	ms = parseMultistatus(t, env.do("PROPFIND", "/webdav/a.txt", strings.NewReader(query), nil))
	assert.Contains(t, ms.Responses[0].props(http.StatusNotFound), "color")
	assert.Equal(t, "big", ms.Responses[0].props(http.StatusOK)["size"].Value)

	ms = parseMultistatus(t, env.do("PROPFIND", "/webdav/a.txt",
		strings.NewReader(`<d:propfind xmlns:d="DAV:"><d:propname/></d:propfind>`), nil))
	names := ms.Responses[0].props(http.StatusOK)
	assert.Contains(t, names, "size")
	assert.Contains(t, names, "getetag")
	assert.Empty(t, names["size"].Value)
}

func TestProppatchMalformedRollsBack(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "x").Code)

	bad := `<d:propertyupdate xmlns:d="DAV:" xmlns:x="urn:x"><d:set><d:prop><x:color>red</x:color></d:prop></d:set><d:set>`
	assert.Equal(t, http.StatusBadRequest, env.do("PROPPATCH", "/webdav/a.txt", strings.NewReader(bad), nil).Code)

	protected := `<d:propertyupdate xmlns:d="DAV:" xmlns:x="urn:x"><d:set><d:prop><x:color>red</x:color><d:getetag>x</d:getetag></d:prop></d:set></d:propertyupdate>`
	assert.Equal(t, http.StatusForbidden, env.do("PROPPATCH", "/webdav/a.txt", strings.NewReader(protected), nil).Code)

	query := `<d:propfind xmlns:d="DAV:" xmlns:x="urn:x"><d:prop><x:color/></d:prop></d:propfind>`
	ms := parseMultistatus(t, env.do("PROPFIND", "/webdav/a.txt", strings.NewReader(query), nil))
	assert.Contains(t, ms.Responses[0].props(http.StatusNotFound), "color")
}

func TestProppatchErrors(t *testing.T) {
	env := newTestEnv(t)

	patch := `<d:propertyupdate xmlns:d="DAV:" xmlns:x="urn:x"><d:set><d:prop><x:color>red</x:color></d:prop></d:set></d:propertyupdate>`
	assert.Equal(t, http.StatusNotFound, env.do("PROPPATCH", "/webdav/nope.txt", strings.NewReader(patch), nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do("PROPPATCH", "/webdav/", nil, nil).Code)
}

// ========================================
// OPTIONS / LOCK
// ========================================

func TestOptionsAndLocking(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodOptions, "/webdav/", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Allow"), "PROPFIND")
	assert.Equal(t, "1", w.Header().Get("DAV"))

	assert.Equal(t, http.StatusNotImplemented, env.do("LOCK", "/webdav/a.txt", nil, nil).Code)
	assert.Equal(t, http.StatusNotImplemented, env.do("UNLOCK", "/webdav/a.txt", nil, nil).Code)
}

func TestBarePrefixIsOwnerRoot(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.put("/webdav/a.txt", "x").Code)

	for _, prefix := range []string{"/webdav", "/remote.php/webdav"} {
		t.Run(prefix, func(t *testing.T) {
			ms := parseMultistatus(t, env.do("PROPFIND", prefix, nil, map[string]string{"Depth": "0"}))
			require.Len(t, ms.Responses, 1)
			assert.Equal(t, prefix+"/", ms.Responses[0].Href)

			ms = parseMultistatus(t, env.do("PROPFIND", prefix, nil, map[string]string{"Depth": "1"}))
			_, ok := ms.find(prefix + "/a.txt")
			assert.True(t, ok)

			assert.Equal(t, http.StatusOK, env.do(http.MethodOptions, prefix, nil, nil).Code)
			assert.Equal(t, http.StatusForbidden, env.do(http.MethodDelete, prefix, nil, nil).Code)
		})
	}
}

func TestUnauthenticatedRequest(t *testing.T) {
	env := newTestEnv(t)
	r := gin.New()
	h := NewHandler(env.files, properties.NewMemoryStore(), env.storage, logrus.New())
	h.Register(r.Group("/webdav"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PROPFIND", "/webdav/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ========================================
// Concurrency
// ========================================

func TestConcurrentMkcol(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusMultiStatus, env.do("PROPFIND", "/webdav/", nil, nil).Code)

	const n = 8
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("MKCOL", "/webdav/race", nil)
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)

	created := 0
	for code := range codes {
		if code == http.StatusCreated {
			created++
			continue
		}
		assert.Contains(t, []int{http.StatusMethodNotAllowed, http.StatusConflict}, code)
	}
	assert.Equal(t, 1, created)
	assert.True(t, env.record("files/race"))
}

func TestConcurrentPutSamePath(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusMultiStatus, env.do("PROPFIND", "/webdav/", nil, nil).Code)

	const n = 6
	payloads := make([]string, n)
	for i := range payloads {
		payloads[i] = strings.Repeat(fmt.Sprintf("%d", i), 1024*(i+1))
	}

	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPut, "/webdav/race.bin", strings.NewReader(p))
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			assert.Contains(t, []int{http.StatusCreated, http.StatusOK}, w.Code)
		}(p)
	}
	wg.Wait()

	data, err := os.ReadFile(env.physical("race.bin"))
	require.NoError(t, err)
	assert.Contains(t, payloads, string(data))

	entries, err := os.ReadDir(env.physical())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
