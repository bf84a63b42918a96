package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromDataURIDeterministic(t *testing.T) {
	uri := "data:image/jpeg;base64," + strings.Repeat("A", 2000)
	assert.Equal(t, FromDataURI(uri), FromDataURI(uri))
}

func TestFromDataURILength(t *testing.T) {
	for _, in := range []string{"", "x", strings.Repeat("z", 5000)} {
		fp := FromDataURI(in)
		assert.Len(t, fp, Length)
		assert.Regexp(t, "^[0-9a-f]{16}$", fp)
	}
}

func TestFromDataURIOnlyPrefixMatters(t *testing.T) {
	base := "data:image/jpeg;base64," + strings.Repeat("Q", PrefixBytes)
	a := base + "tail-one"
	b := base + "completely-different-tail"
	assert.Equal(t, FromDataURI(a), FromDataURI(b),
		"bytes past the prefix must not affect the fingerprint")
}

func TestFromDataURIPrefixSensitivity(t *testing.T) {
	a := "data:image/jpeg;base64,AAAA" + strings.Repeat("x", 500)
	b := "data:image/jpeg;base64,AAAB" + strings.Repeat("x", 500)
	assert.NotEqual(t, FromDataURI(a), FromDataURI(b))
}

func TestFromDataURIShortInput(t *testing.T) {
	assert.NotEqual(t, FromDataURI("ab"), FromDataURI("ac"))
	assert.NotPanics(t, func() { FromDataURI("") })
}
