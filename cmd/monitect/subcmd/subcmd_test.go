package subcmd

import (
	"context"
	"testing"

	"github.com/kentonj/monitect/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, *config.Config) error { return nil }
	mods := []Mod{{Name: "sample", Main: noop}, {Name: "publish", Main: noop}}

	m, err := Parse("publish", mods)
	require.NoError(t, err)
	assert.Equal(t, "publish", m.Name)

	_, err = Parse("", mods)
	assert.EqualError(t, err, "empty command")
	_, err = Parse("vend", mods)
	assert.EqualError(t, err, "unknown command='vend' known=[publish sample]")

	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{Main: noop}}) })
}
