package auth

import (
	"context"
	"testing"

	"dropshop/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTokens(t *testing.T) {
	set, err := ParseTokens("s3cret=alice:admin, peek=bob:viewer,legacy=carol")
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())

	op, ok := set.Lookup("s3cret")
	require.True(t, ok)
	assert.Equal(t, Operator{ID: "alice", Role: RoleAdmin}, op)

	op, ok = set.Lookup("peek")
	require.True(t, ok)
	assert.Equal(t, RoleViewer, op.Role)

	op, ok = set.Lookup("legacy")
	require.True(t, ok)
	assert.Equal(t, RoleAdmin, op.Role)

	_, ok = set.Lookup("wrong")
	assert.False(t, ok)
	_, ok = set.Lookup("")
	assert.False(t, ok)
}

func TestParseTokensRejectsBadEntries(t *testing.T) {
	_, err := ParseTokens("novalue")
	assert.Error(t, err)

	_, err = ParseTokens("tok=dave:root")
	assert.Error(t, err)

	set, err := ParseTokens("")
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
}

func TestAuthorize(t *testing.T) {
	assert.NoError(t, Operator{ID: "alice", Role: RoleAdmin}.Authorize())
	assert.NoError(t, System("intake").Authorize())

	err := Operator{ID: "bob", Role: RoleViewer}.Authorize()
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.NoError(t, Operator{ID: "bob", Role: RoleViewer}.AuthorizeRead())

	assert.ErrorIs(t, Operator{}.Authorize(), models.ErrUnauthorized)
	assert.ErrorIs(t, Operator{}.AuthorizeRead(), models.ErrUnauthorized)
}

func TestOperatorContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithOperator(context.Background(), Operator{ID: "alice", Role: RoleAdmin})
	op, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", op.ID)
}
