//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "busy text", err: errors.New("SQLITE_BUSY: cannot commit"), want: true},
		{name: "locked text", err: fmt.Errorf("exec: %w", errors.New("database is locked (5)")), want: true},
		{name: "other", err: errors.New("no such table: users"), want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsSQLiteConflictError(tt.err), tt.name)
	}
}
