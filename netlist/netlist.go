// Package netlist parses network lists: named sets of platform addresses
// a client uploads once and then references from its criteria.
//
// Text form, one platform per line, '#' comments:
//
//	CE123456:LKCITY  Lake City stage gauge
//	CE2A41F0
package netlist

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/ddserrors"
	"github.com/puzpuzpuz/xsync/v3"
)

type Item struct {
	Address     dcp.Address
	Name        string
	Description string
}

type List struct {
	Name  string
	Items []Item
}

func Parse(name, text string) (*List, error) {
	l := &List{Name: name}
	sc := bufio.NewScanner(strings.NewReader(text))
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		var it Item
		head, desc := line, ""
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			head, desc = line[:i], line[i+1:]
		}
		addr, nm, _ := strings.Cut(head, ":")
		a, err := dcp.ParseAddress(addr)
		if err != nil {
			return nil, ddserrors.NewServerError(ddserrors.DBADNLIST, "%s line %d: bad address %q", name, lineno, addr)
		}
		it.Address = a
		it.Name = strings.TrimSpace(nm)
		it.Description = strings.TrimSpace(desc)
		l.Items = append(l.Items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, ddserrors.NewServerError(ddserrors.DBADNLIST, "%s: %v", name, err)
	}
	return l, nil
}

func (l *List) Addresses() []dcp.Address {
	out := make([]dcp.Address, len(l.Items))
	for i, it := range l.Items {
		out[i] = it.Address
	}
	return out
}

func (l *List) String() string {
	var b strings.Builder
	for _, it := range l.Items {
		b.WriteString(it.Address.String())
		if it.Name != "" {
			b.WriteString(":" + it.Name)
		}
		if it.Description != "" {
			b.WriteString(" " + it.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Mapper resolves DCP names to addresses. Lists are merged in the order
// they are added; a later list overrides earlier names.
type Mapper struct {
	names *xsync.MapOf[string, dcp.Address]
}

func NewMapper() *Mapper {
	return &Mapper{names: xsync.NewMapOf[string, dcp.Address]()}
}

func (m *Mapper) Add(l *List) {
	for _, it := range l.Items {
		if it.Name != "" {
			m.names.Store(strings.ToUpper(it.Name), it.Address)
		}
	}
}

func (m *Mapper) Lookup(name string) (dcp.Address, bool) {
	return m.names.Load(strings.ToUpper(name))
}

func (m *Mapper) Resolve(names []string) ([]dcp.Address, error) {
	return Resolve(names, m)
}

// Resolve looks every name up in the mappers in order; the first one that
// knows a name wins. Nil mappers are skipped.
func Resolve(names []string, mappers ...*Mapper) ([]dcp.Address, error) {
	out := make([]dcp.Address, 0, len(names))
next:
	for _, n := range names {
		for _, m := range mappers {
			if m == nil {
				continue
			}
			if a, ok := m.Lookup(n); ok {
				out = append(out, a)
				continue next
			}
		}
		return nil, ddserrors.NewServerError(ddserrors.DBADDCPNAME, "unknown DCP name %q", n)
	}
	return out, nil
}

func (m *Mapper) Size() int {
	return m.names.Size()
}

func (i Item) String() string {
	return fmt.Sprintf("%s:%s", i.Address, i.Name)
}
