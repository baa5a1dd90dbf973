package mqlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesBufferPool(t *testing.T) {
	t.Run("reused buffers come back empty", func(t *testing.T) {
		b := getBytesBuffer()
		b.Write([]byte("leftover"))
		putBytesBuffer(b)

		assert.Empty(t, getBytesBuffer().data)
	})

	t.Run("oversized buffers are not retained", func(t *testing.T) {
		big := &bytesBuffer{data: make([]byte, maxPooledBufferSize+1)}
		putBytesBuffer(big)

		got := getBytesBuffer()
		assert.LessOrEqual(t, cap(got.data), maxPooledBufferSize)
		putBytesBuffer(got)
	})
}
