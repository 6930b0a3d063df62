package netlist

import (
	"testing"

	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/ddserrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basin = `# basin gauges
CE123456:LKCITY  Lake City stage gauge
CE2A41F0

CE2A5002:dam	tailwater
`

func TestParse(t *testing.T) {
	l, err := Parse("basin.nl", basin)
	require.NoError(t, err)
	require.Len(t, l.Items, 3)
	assert.Equal(t, Item{Address: 0xCE123456, Name: "LKCITY", Description: "Lake City stage gauge"}, l.Items[0])
	assert.Equal(t, Item{Address: 0xCE2A41F0}, l.Items[1])
	assert.Equal(t, "dam", l.Items[2].Name)
	assert.Equal(t, "tailwater", l.Items[2].Description)
	assert.Equal(t, []dcp.Address{0xCE123456, 0xCE2A41F0, 0xCE2A5002}, l.Addresses())

	again, err := Parse("basin.nl", l.String())
	require.NoError(t, err)
	assert.Equal(t, l, again)
}

func TestParseBad(t *testing.T) {
	_, err := Parse("bad.nl", "CE123456\nnot-an-address\n")
	require.Error(t, err)
	assert.Equal(t, ddserrors.DBADNLIST, ddserrors.CodeOf(err))
}

func TestMapper(t *testing.T) {
	l, err := Parse("basin.nl", basin)
	require.NoError(t, err)
	m := NewMapper()
	m.Add(l)
	assert.Equal(t, 2, m.Size())

	a, ok := m.Lookup("lkcity")
	assert.True(t, ok)
	assert.Equal(t, dcp.Address(0xCE123456), a)

	addrs, err := m.Resolve([]string{"DAM", "LkCity"})
	require.NoError(t, err)
	assert.Equal(t, []dcp.Address{0xCE2A5002, 0xCE123456}, addrs)

	_, err = m.Resolve([]string{"nowhere"})
	assert.Equal(t, ddserrors.DBADDCPNAME, ddserrors.CodeOf(err))
}

func TestResolveFirstMapperWins(t *testing.T) {
	own, err := Parse("own.nl", "CE000001:DAM private dam\n")
	require.NoError(t, err)
	site, err := Parse("basin.nl", basin)
	require.NoError(t, err)
	mine, shared := NewMapper(), NewMapper()
	mine.Add(own)
	shared.Add(site)

	addrs, err := Resolve([]string{"dam", "lkcity"}, mine, nil, shared)
	require.NoError(t, err)
	assert.Equal(t, []dcp.Address{0xCE000001, 0xCE123456}, addrs)

	_, err = Resolve([]string{"lkcity"}, mine)
	assert.Equal(t, ddserrors.DBADDCPNAME, ddserrors.CodeOf(err))
}
