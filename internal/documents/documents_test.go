package documents

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("lab-report.PDF", 1024))
	assert.NoError(t, Validate("xray.jpeg", MaxSize))
	assert.ErrorIs(t, Validate("xray.jpeg", MaxSize+1), ErrTooLarge)
	assert.ErrorIs(t, Validate("script.exe", 10), ErrUnsupportedType)
	assert.ErrorIs(t, Validate("noext", 10), ErrUnsupportedType)
	assert.ErrorIs(t, Validate("empty.png", 0), ErrEmptyDocument)
}

func TestNewKey(t *testing.T) {
	a, b := NewKey("Scan.PNG"), NewKey("Scan.PNG")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "appointments/"))
	assert.True(t, strings.HasSuffix(a, ".png"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", ContentType("a.pdf", ""))
	assert.Equal(t, "application/octet-stream", ContentType("a.unknownext", ""))
	assert.Equal(t, "text/x-custom", ContentType("a.unknownext", "text/x-custom"))
}
