package to

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestPtr(t *testing.T) {
	assert.Equal(t, "value", *Ptr("value"))
	assert.Equal(t, 5, *Ptr(5))
}

func TestEmptyString(t *testing.T) {
	assert.Equal(t, "", EmptyString(nil))
	assert.Equal(t, "x", EmptyString(Ptr("x")))
}
