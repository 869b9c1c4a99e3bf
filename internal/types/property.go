package types

import (
	"errors"
	"strings"
)

// ========================================
// Namespaces - 命名空间
// ========================================

const (
	NamespaceDAV      = "DAV:"
	NamespaceSabre    = "http://sabredav.org/ns"
	NamespaceOwnCloud = "http://owncloud.org/ns"
)

// ========================================
// Property Names - 属性名
// ========================================

// PropName 带命名空间的属性名
type PropName struct {
	Space string
	Local string
}

// DAV 构造 DAV: 命名空间下的属性名
func DAV(local string) PropName {
	return PropName{Space: NamespaceDAV, Local: local}
}

// OC 构造 ownCloud 命名空间下的属性名
func OC(local string) PropName {
	return PropName{Space: NamespaceOwnCloud, Local: local}
}

// Key 返回存储用的 "{namespace}local" 形式
func (p PropName) Key() string {
	return "{" + p.Space + "}" + p.Local
}

func (p PropName) String() string {
	return p.Key()
}

var ErrInvalidKey = errors.New("invalid property key")

// ParseKey 解析 "{namespace}local"，没有命名空间时 Space 为空
func ParseKey(key string) (PropName, error) {
	if !strings.HasPrefix(key, "{") {
		if key == "" {
			return PropName{}, ErrInvalidKey
		}
		return PropName{Local: key}, nil
	}
	end := strings.IndexByte(key, '}')
	if end < 0 || end == len(key)-1 {
		return PropName{}, ErrInvalidKey
	}
	return PropName{Space: key[1:end], Local: key[end+1:]}, nil
}

// Live properties computed from the file record.
var (
	PropQuotaUsedBytes      = DAV("quota-used-bytes")
	PropQuotaAvailableBytes = DAV("quota-available-bytes")
	PropGetContentType      = DAV("getcontenttype")
	PropGetLastModified     = DAV("getlastmodified")
	PropGetContentLength    = DAV("getcontentlength")
	PropGetETag             = DAV("getetag")
	PropResourceType        = DAV("resourcetype")
)

// AllProps 是 allprop 和空请求体返回的属性集合，顺序固定
var AllProps = []PropName{
	PropQuotaUsedBytes,
	PropQuotaAvailableBytes,
	PropGetContentType,
	PropGetLastModified,
	PropGetContentLength,
	PropGetETag,
	PropResourceType,
}

// ownCloud client properties that are answered without touching the property store.
var (
	PropOCID              = OC("id")
	PropOCDownloadURL     = OC("downloadURL")
	PropOCPermissions     = OC("permissions")
	PropOCDataFingerprint = OC("data-fingerprint")
	PropOCShareTypes      = OC("share-types")
	PropOCDDC             = OC("dDC")
	PropOCChecksums       = OC("checksums")
)

var computed = map[PropName]struct{}{}

func init() {
	for _, p := range AllProps {
		computed[p] = struct{}{}
	}
	for _, p := range []PropName{
		PropOCID, PropOCDownloadURL, PropOCPermissions, PropOCDataFingerprint,
		PropOCShareTypes, PropOCDDC, PropOCChecksums,
	} {
		computed[p] = struct{}{}
	}
}

// IsComputed 判断属性是否由服务端计算（非死属性）
func IsComputed(p PropName) bool {
	_, ok := computed[p]
	return ok
}
