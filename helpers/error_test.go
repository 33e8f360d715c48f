package helpers

import (
	"fmt"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()
	e1 := errors.NotFoundf("robot1")
	e2 := fmt.Errorf("listen tcp :9000: address in use")
	cases := []struct {
		name   string
		input  []error
		expect string
	}{
		{"empty", nil, ""},
		{"all-nil", []error{nil, nil}, ""},
		{"single", []error{nil, e1}, "robot1 not found"},
		{"many", []error{e1, nil, e2}, "robot1 not found\nlisten tcp :9000: address in use"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			err := FoldErrors(c.input)
			if c.expect == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, c.expect)
		})
	}
	// single error keeps its kind
	assert.True(t, errors.IsNotFound(FoldErrors([]error{e1})))
	assert.Equal(t, "", ErrorStack(nil))
}
