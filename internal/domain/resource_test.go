package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceTypeName(t *testing.T) {
	assert.Equal(t, "SourcesService", ResourceTypeName("SourcesService"))
	assert.Equal(t, "Source", ResourceTypeName(`Source["abc"]`))
	assert.Equal(t, "Scene", ResourceTypeName(`Scene["a","b"]`))
	assert.Equal(t, "", ResourceTypeName(""))
}

func TestNewResourceIDAndArgs(t *testing.T) {
	id := NewResourceID("Source", "abc", 2)
	assert.Equal(t, `Source["abc",2]`, id)
	assert.Equal(t, "SourcesService", NewResourceID("SourcesService"))

	args, err := ResourceArgs(id)
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.JSONEq(t, `"abc"`, string(args[0]))
	assert.JSONEq(t, `2`, string(args[1]))

	args, err = ResourceArgs("SourcesService")
	require.NoError(t, err)
	assert.Nil(t, args)

	_, err = ResourceArgs(`Source[abc`)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResourceSchemeIsFunction(t *testing.T) {
	s := ResourceScheme{"getSource": MemberFunction, "name": "string"}
	assert.True(t, s.IsFunction("getSource"))
	assert.False(t, s.IsFunction("name"))
	assert.False(t, s.IsFunction("missing"))
}
