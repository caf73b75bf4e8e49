package idgen_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/llvs-go/llvs/internal/idgen"
)

func TestNewCommitIDIsUniqueAcrossCalls(t *testing.T) {
	at := time.Unix(100, 0)
	a := idgen.NewCommitID([]string{"p1"}, at)
	b := idgen.NewCommitID([]string{"p1"}, at)
	assert.Len(t, a, 20)
	assert.NotEqual(t, a, b) // nonce guarantees distinct ids even for identical inputs
}

func TestNewValueIDIsContentAddressed(t *testing.T) {
	a := idgen.NewValueID([]byte("hello"))
	b := idgen.NewValueID([]byte("hello"))
	c := idgen.NewValueID([]byte("goodbye"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 20)
}

func TestEncodeBase36PadsAndTruncates(t *testing.T) {
	assert.Equal(t, "00000000", idgen.EncodeBase36([]byte{0}, 8))
	assert.Len(t, idgen.EncodeBase36([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 4), 4)
}
