package davxml

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filedav-server/internal/types"
)

func TestParsePropfindEmptyBodyIsAllProp(t *testing.T) {
	for _, body := range []string{"", "   \n", `<?xml version="1.0"?>`} {
		req, err := ParsePropfind(strings.NewReader(body))
		require.NoError(t, err, body)
		assert.Equal(t, ModeAllProp, req.Mode)
		assert.Empty(t, req.Props)
	}
}

func TestParsePropfindModes(t *testing.T) {
	req, err := ParsePropfind(strings.NewReader(`<?xml version="1.0"?><d:propfind xmlns:d="DAV:"><d:allprop/></d:propfind>`))
	require.NoError(t, err)
	assert.Equal(t, ModeAllProp, req.Mode)

	req, err = ParsePropfind(strings.NewReader(`<propfind xmlns="DAV:"><propname/></propfind>`))
	require.NoError(t, err)
	assert.Equal(t, ModePropName, req.Mode)
}

func TestParsePropfindProp(t *testing.T) {
	body := `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns" xmlns:x="urn:x">
  <d:prop>
    <d:getetag/>
    <d:resourcetype/>
    <oc:permissions/>
    <x:color><ignored>nested</ignored></x:color>
  </d:prop>
</d:propfind>`

	req, err := ParsePropfind(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, ModeProp, req.Mode)
	assert.Equal(t, []types.PropName{
		types.PropGetETag,
		types.PropResourceType,
		types.PropOCPermissions,
		{Space: "urn:x", Local: "color"},
	}, req.Props)
}

func TestParsePropfindErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		root bool
	}{
		{"unclosed", `<d:propfind xmlns:d="DAV:"><d:prop><d:getetag/>`, false},
		{"mismatched", `<d:propfind xmlns:d="DAV:"></d:prop>`, false},
		{"wrong root", `<d:propertyupdate xmlns:d="DAV:"/>`, true},
		{"wrong namespace", `<propfind xmlns="urn:other"/>`, true},
		{"garbage", `not xml at all <`, false},
		{"two roots", `<d:propfind xmlns:d="DAV:"/><d:propfind xmlns:d="DAV:"/>`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePropfind(strings.NewReader(tt.body))
			require.Error(t, err)
			assert.True(t, IsSyntaxError(err), err.Error())
			assert.Equal(t, tt.root, errors.Is(err, ErrMissingRoot))
		})
	}
}

func TestParsePropfindReadError(t *testing.T) {
	boom := errors.New("boom")
	_, err := ParsePropfind(iotest.ErrReader(boom))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsSyntaxError(err))
}
