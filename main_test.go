package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"databento-ingest/internal/config"
)

func TestFilterVendor(t *testing.T) {
	t.Parallel()

	jobs := []config.Job{
		{Name: "a", Vendor: "databento"},
		{Name: "b", Vendor: "polygon"},
		{Name: "c", Vendor: "databento"},
	}

	out, err := filterVendor(jobs, "databento")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Name)
	assert.Equal(t, "c", out[1].Name)

	_, err = filterVendor(jobs, "polygon")
	assert.Error(t, err, "only the databento adapter is wired")

	_, err = filterVendor([]config.Job{{Name: "b", Vendor: "polygon"}}, "databento")
	assert.Error(t, err, "no runnable jobs left")
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	assert.Nil(t, splitList(""))
	assert.Nil(t, splitList("  "))
	assert.Equal(t, []string{"ESH4"}, splitList("ESH4"))
	assert.Equal(t, []string{"ESH4", "NQH4"}, splitList(" ESH4, NQH4 ,"))
}
