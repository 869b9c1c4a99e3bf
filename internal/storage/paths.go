package storage

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// RootSegment prefixes every logical path.
const RootSegment = "files"

var (
	ErrInvalidSegment     = errors.New("invalid path segment")
	ErrInvalidDestination = errors.New("invalid destination")
)

// Location is one resource seen from both stores.
type Location struct {
	Parts    []string
	Logical  string
	Physical string
}

func (l Location) IsRoot() bool {
	return len(l.Parts) == 0
}

// Name returns the last segment, empty for the owner root.
func (l Location) Name() string {
	if len(l.Parts) == 0 {
		return ""
	}
	return l.Parts[len(l.Parts)-1]
}

// ParentParts drops the last segment.
func (l Location) ParentParts() []string {
	if len(l.Parts) == 0 {
		return nil
	}
	return l.Parts[:len(l.Parts)-1]
}

// Href renders the location under a route prefix, escaping every segment.
// Collections get a trailing slash.
func (l Location) Href(prefix string, collection bool) string {
	return HrefFor(prefix, l.Parts, collection)
}

// HrefFor escapes parts one by one and joins them under prefix.
func HrefFor(prefix string, parts []string, collection bool) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	href := strings.TrimSuffix(prefix, "/") + "/" + strings.Join(escaped, "/")
	if collection && !strings.HasSuffix(href, "/") {
		href += "/"
	}
	return href
}

// LogicalPath joins parts under RootSegment: "files" for the root, "files/a/b" otherwise.
func LogicalPath(parts []string) string {
	if len(parts) == 0 {
		return RootSegment
	}
	return RootSegment + "/" + strings.Join(parts, "/")
}

// PartsOf is the inverse of LogicalPath.
func PartsOf(logical string) []string {
	rest := strings.TrimPrefix(logical, RootSegment)
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// SplitURIPath splits an escaped URI path on "/" and percent-decodes each
// segment on its own. Empty segments are dropped.
func SplitURIPath(escaped string) ([]string, error) {
	raw := strings.Split(escaped, "/")
	parts := make([]string, 0, len(raw))
	for _, seg := range raw {
		if seg == "" {
			continue
		}
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSegment, seg, err)
		}
		if err := checkSegment(decoded); err != nil {
			return nil, err
		}
		parts = append(parts, decoded)
	}
	return parts, nil
}

func checkSegment(seg string) error {
	switch {
	case seg == "." || seg == "..":
		return fmt.Errorf("%w: %q", ErrInvalidSegment, seg)
	case strings.ContainsAny(seg, "/\x00"):
		return fmt.Errorf("%w: %q contains a separator", ErrInvalidSegment, seg)
	case filepath.Separator != '/' && strings.ContainsRune(seg, filepath.Separator):
		return fmt.Errorf("%w: %q contains a separator", ErrInvalidSegment, seg)
	}
	return nil
}

// Resolver maps decoded segments and an owner onto logical and physical paths.
// Physical layout: <dataDir>/<owner-id>/files/<parts...>
type Resolver struct {
	dataDir string
}

func NewResolver(dataDir string) *Resolver {
	return &Resolver{dataDir: filepath.Clean(dataDir)}
}

// Home is the owner's physical root.
func (r *Resolver) Home(owner uuid.UUID) string {
	return filepath.Join(r.dataDir, owner.String(), RootSegment)
}

// Resolve builds a Location from already decoded segments.
func (r *Resolver) Resolve(owner uuid.UUID, parts []string) (Location, error) {
	for _, p := range parts {
		if p == "" {
			return Location{}, fmt.Errorf("%w: empty segment", ErrInvalidSegment)
		}
		if err := checkSegment(p); err != nil {
			return Location{}, err
		}
	}

	cp := append([]string(nil), parts...)
	return Location{
		Parts:    cp,
		Logical:  LogicalPath(cp),
		Physical: filepath.Join(append([]string{r.Home(owner)}, cp...)...),
	}, nil
}

// ResolveURIPath resolves an escaped request path relative to the route.
func (r *Resolver) ResolveURIPath(owner uuid.UUID, escaped string) (Location, error) {
	parts, err := SplitURIPath(escaped)
	if err != nil {
		return Location{}, err
	}
	return r.Resolve(owner, parts)
}

// ResolveDestination resolves a Destination header (absolute URI or absolute
// path) against the route prefix the request came in on.
func (r *Resolver) ResolveDestination(owner uuid.UUID, destination, routePrefix string) (Location, error) {
	if destination == "" {
		return Location{}, fmt.Errorf("%w: missing Destination header", ErrInvalidDestination)
	}

	u, err := url.Parse(destination)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}

	escaped := u.EscapedPath()
	prefix := strings.TrimSuffix(routePrefix, "/")
	if !strings.HasPrefix(escaped, prefix) {
		return Location{}, fmt.Errorf("%w: %q is outside %q", ErrInvalidDestination, escaped, prefix)
	}
	rest := strings.TrimPrefix(escaped, prefix)
	if rest != "" && !strings.HasPrefix(rest, "/") {
		return Location{}, fmt.Errorf("%w: %q is outside %q", ErrInvalidDestination, escaped, prefix)
	}
	rest = strings.TrimRight(rest, "/")

	return r.ResolveURIPath(owner, rest)
}
