package mimesniff_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omalloc/scangate/pkg/mimesniff"
)

func TestValidateGeneric(t *testing.T) {
	for _, declared := range []string{
		"application/octet-stream",
		"application/binary",
		"binary/octet-stream",
		"Application/Octet-Stream; charset=binary",
	} {
		ok, reason := mimesniff.Validate("image/png", declared)
		assert.True(t, ok, declared)
		assert.Equal(t, mimesniff.ReasonGenericHeader, reason)
	}
}

func TestValidateExact(t *testing.T) {
	ok, reason := mimesniff.Validate("image/png", "image/png")
	assert.True(t, ok)
	assert.Equal(t, mimesniff.ReasonExactMatch, reason)

	// case and parameters are ignored
	ok, reason = mimesniff.Validate("image/png", "IMAGE/PNG; q=1")
	assert.True(t, ok)
	assert.Equal(t, mimesniff.ReasonExactMatch, reason)
}

func TestValidateAliases(t *testing.T) {
	cases := [][2]string{
		{"image/jpeg", "image/jpg"},
		{"application/javascript", "text/javascript"},
		{"application/x-sh", "text/x-shellscript"},
		{"text/xml", "application/xml"},
		{"application/x-ole-storage", "application/msword"},
		{"application/x-dosexec", "application/x-msdownload"},
	}
	for _, c := range cases {
		ok, reason := mimesniff.Validate(c[0], c[1])
		assert.True(t, ok, "%s vs %s", c[0], c[1])
		assert.Equal(t, mimesniff.ReasonAliasMatch, reason)

		// symmetric
		ok, _ = mimesniff.Validate(c[1], c[0])
		assert.True(t, ok)
	}
}

func TestValidateMismatch(t *testing.T) {
	ok, reason := mimesniff.Validate("application/x-dosexec", "image/png")
	assert.False(t, ok)
	assert.Equal(t, mimesniff.ReasonMimeMismatch, reason)

	ok, _ = mimesniff.Validate("image/jpeg", "application/pdf")
	assert.False(t, ok)
}
