package digits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSpoken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"one two triple three", "12333"},
		{"One Two Three Four", "1234"},
		{"double seven nine", "779"},
		{"zero oh five", "005"},
		{"my code is 1234", "1234"},
		{"four two, four two.", "4242"},
		{"it's 12-34", "1234"},
		{"triple 8", "888"},
		{"no digits here", ""},
		{"", ""},
		// A filler between the multiplier and the digit drops the multiplier.
		{"double um three", "3"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeSpoken(tc.in))
		})
	}
}
