package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCriteria(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crit.sc")
	require.NoError(t, os.WriteFile(path, []byte("DRS_SINCE: now - 1 day\nDCP_ADDRESS: CE123456\n"), 0o644))

	c, err := buildCriteria(options{critFile: path, until: "now", netlists: []string{"/etc/dds/basin.nl"}})
	require.NoError(t, err)
	assert.Equal(t, "now - 24h0m0s", c.Since.String())
	assert.True(t, c.Until.IsSet())
	assert.Equal(t, []string{"basin.nl"}, c.Netlists)
	assert.Len(t, c.Addresses, 1)

	_, err = buildCriteria(options{since: "yesterday-ish"})
	assert.Error(t, err)
	_, err = buildCriteria(options{critFile: filepath.Join(dir, "missing")})
	assert.Error(t, err)
}
