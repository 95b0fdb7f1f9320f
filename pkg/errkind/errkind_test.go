package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindClassifiesWrappedErrors(t *testing.T) {
	err := fmt.Errorf("send chunk 3: %w", fmt.Errorf("write: %w", ErrTransport))
	assert.Equal(t, ErrTransport, Kind(err))
	assert.Equal(t, ErrNotFound, Kind(fmt.Errorf("open report.pdf: %w", ErrNotFound)))
}

func TestKindUnclassified(t *testing.T) {
	assert.Nil(t, Kind(nil))
	assert.Nil(t, Kind(errors.New("boom")))
}
