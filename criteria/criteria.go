// Package criteria holds the search criteria a client submits to a session
// and its line-oriented text form.
package criteria

import (
	"bufio"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/ddserrors"
)

// Selector is the accept/reject/only switch used by several attributes.
type Selector byte

const (
	Unspecified Selector = 0
	Accept      Selector = 'A'
	Reject      Selector = 'R'
	Only        Selector = 'O'
)

func parseSelector(s string) (Selector, bool) {
	if s == "" {
		return 0, false
	}
	switch s[0] {
	case 'A', 'a', 'Y', 'y':
		return Accept, true
	case 'R', 'r', 'N', 'n':
		return Reject, true
	case 'O', 'o':
		return Only, true
	}
	return 0, false
}

type Spacecraft byte

const (
	AnySpacecraft Spacecraft = 0
	East          Spacecraft = 'E'
	West          Spacecraft = 'W'
)

// Channel is a channel reference. And channels must match together with
// the address list, the others match on their own.
type Channel struct {
	Num uint16
	And bool
}

// Criteria is an immutable description of one retrieval. The With*
// methods return modified copies.
type Criteria struct {
	Since     TimeSpec
	Until     TimeSpec
	DapsSince TimeSpec
	DapsUntil TimeSpec

	Addresses []dcp.Address
	Netlists  []string
	DcpNames  []string
	Channels  []Channel
	Sources   []dcp.Flags
	Bauds     []int

	Spacecraft    Spacecraft
	Parity        Selector
	DapsStatus    Selector
	Retransmitted Selector

	SeqStart, SeqEnd uint64
	HasSeq           bool

	Ascending   bool
	SettleDelay bool
	Single      bool
}

func (c Criteria) clone() Criteria {
	c.Addresses = slices.Clone(c.Addresses)
	c.Netlists = slices.Clone(c.Netlists)
	c.DcpNames = slices.Clone(c.DcpNames)
	c.Channels = slices.Clone(c.Channels)
	c.Sources = slices.Clone(c.Sources)
	c.Bauds = slices.Clone(c.Bauds)
	return c
}

func (c Criteria) WithSince(t TimeSpec) Criteria {
	n := c.clone()
	n.Since = t
	return n
}

func (c Criteria) WithUntil(t TimeSpec) Criteria {
	n := c.clone()
	n.Until = t
	return n
}

func (c Criteria) WithAddresses(addrs ...dcp.Address) Criteria {
	n := c.clone()
	n.Addresses = append(n.Addresses, addrs...)
	return n
}

func (c Criteria) WithNetlists(names ...string) Criteria {
	n := c.clone()
	n.Netlists = append(n.Netlists, names...)
	return n
}

func (c Criteria) WithAscending(on bool) Criteria {
	n := c.clone()
	n.Ascending = on
	return n
}

// HasAddressList reports whether any kind of address selection is present.
func (c Criteria) HasAddressList() bool {
	return len(c.Addresses) > 0 || len(c.Netlists) > 0 || len(c.DcpNames) > 0
}

type parseFunc func(c *Criteria, args []string, rest string) error

func bad(code ddserrors.Code, format string, args ...any) error {
	return ddserrors.NewServerError(code, format, args...)
}

func boolArg(kw string, args []string) (bool, error) {
	if len(args) == 0 {
		return false, bad(ddserrors.DBADSEARCHCRIT, "%s without true/false argument", kw)
	}
	switch strings.ToLower(args[0]) {
	case "true", "yes", "on", "y", "t", "1":
		return true, nil
	case "false", "no", "off", "n", "f", "0":
		return false, nil
	}
	return false, bad(ddserrors.DBADSEARCHCRIT, "%s: bad boolean %q", kw, args[0])
}

func timeArg(code ddserrors.Code, kw string, rest string, allowLast bool) (TimeSpec, error) {
	ts, err := ParseTime(rest)
	if err != nil {
		return ts, bad(code, "%s: %v", kw, err)
	}
	if ts.IsLast() && !allowLast {
		return ts, bad(code, "%s: 'last' not allowed", kw)
	}
	return ts, nil
}

func selectorArg(kw string, args []string) (Selector, error) {
	if len(args) > 0 {
		if s, ok := parseSelector(args[0]); ok {
			return s, nil
		}
	}
	return 0, bad(ddserrors.DBADSEARCHCRIT, "%s: expected A, R or O", kw)
}

func addChannels(c *Criteria, args []string) error {
	if len(args) == 0 {
		return bad(ddserrors.DBADCHANNEL, "expected channel number")
	}
	tok := strings.Join(args, "")
	and := false
	switch tok[0] {
	case '&':
		and = true
		tok = tok[1:]
	case '|':
		tok = tok[1:]
	}
	lo, hi, isRange := strings.Cut(tok, "-")
	start, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return bad(ddserrors.DBADCHANNEL, "bad channel %q", tok)
	}
	end := start
	if isRange {
		if end, err = strconv.ParseUint(hi, 10, 16); err != nil || end < start {
			return bad(ddserrors.DBADCHANNEL, "bad channel range %q", tok)
		}
		// ranges always combine with the address list
		and = true
	}
	for ch := start; ch <= end; ch++ {
		c.Channels = append(c.Channels, Channel{Num: uint16(ch), And: and})
	}
	return nil
}

var keywords = map[string]parseFunc{
	"DRS_SINCE": func(c *Criteria, _ []string, rest string) (err error) {
		c.Since, err = timeArg(ddserrors.DBADSINCE, "DRS_SINCE", rest, true)
		return
	},
	"DRS_UNTIL": func(c *Criteria, _ []string, rest string) (err error) {
		c.Until, err = timeArg(ddserrors.DBADUNTIL, "DRS_UNTIL", rest, false)
		return
	},
	"DAPS_SINCE": func(c *Criteria, _ []string, rest string) (err error) {
		c.DapsSince, err = timeArg(ddserrors.DBADSINCE, "DAPS_SINCE", rest, false)
		return
	},
	"DAPS_UNTIL": func(c *Criteria, _ []string, rest string) (err error) {
		c.DapsUntil, err = timeArg(ddserrors.DBADUNTIL, "DAPS_UNTIL", rest, false)
		return
	},
	"NETWORKLIST": func(c *Criteria, args []string, _ string) error {
		if len(args) == 0 {
			return bad(ddserrors.DBADNLIST, "expected network list name")
		}
		c.Netlists = append(c.Netlists, args[0])
		return nil
	},
	"DCP_NAME": func(c *Criteria, args []string, _ string) error {
		if len(args) == 0 {
			return bad(ddserrors.DBADDCPNAME, "expected DCP name")
		}
		c.DcpNames = append(c.DcpNames, args[0])
		return nil
	},
	"DCP_ADDRESS": func(c *Criteria, args []string, _ string) error {
		if len(args) == 0 {
			return bad(ddserrors.DBADADDR, "expected DCP address")
		}
		a, err := dcp.ParseAddress(args[0])
		if err != nil {
			return bad(ddserrors.DBADADDR, "bad DCP address %q", args[0])
		}
		c.Addresses = append(c.Addresses, a)
		return nil
	},
	"CHANNEL": func(c *Criteria, args []string, _ string) error {
		return addChannels(c, args)
	},
	"SOURCE": func(c *Criteria, args []string, _ string) error {
		if len(args) == 0 {
			return bad(ddserrors.DBADSEARCHCRIT, "expected source name")
		}
		src, ok := dcp.ParseSource(args[0])
		if !ok {
			return bad(ddserrors.DBADSEARCHCRIT, "unknown source %q", args[0])
		}
		c.Sources = append(c.Sources, src)
		return nil
	},
	"SPACECRAFT": func(c *Criteria, args []string, _ string) error {
		if len(args) > 0 {
			switch args[0][0] {
			case 'e', 'E':
				c.Spacecraft = East
				return nil
			case 'w', 'W':
				c.Spacecraft = West
				return nil
			case 'a', 'A':
				c.Spacecraft = AnySpacecraft
				return nil
			}
		}
		return bad(ddserrors.DBADSEARCHCRIT, "SPACECRAFT: expected E or W")
	},
	"PARITY_ERROR": func(c *Criteria, args []string, _ string) (err error) {
		c.Parity, err = selectorArg("PARITY_ERROR", args)
		return
	},
	"DAPS_STATUS": func(c *Criteria, args []string, _ string) (err error) {
		c.DapsStatus, err = selectorArg("DAPS_STATUS", args)
		return
	},
	"RETRANSMITTED": func(c *Criteria, args []string, _ string) (err error) {
		c.Retransmitted, err = selectorArg("RETRANSMITTED", args)
		return
	},
	"BAUD": func(c *Criteria, args []string, _ string) error {
		if len(args) == 0 {
			return bad(ddserrors.DBADSEARCHCRIT, "expected baud rate")
		}
		for _, a := range args {
			for _, b := range strings.Split(a, ",") {
				if b == "" {
					continue
				}
				n, err := strconv.Atoi(b)
				if _, ok := dcp.BaudFlags(n); err != nil || !ok || n == 0 {
					return bad(ddserrors.DBADSEARCHCRIT, "bad baud rate %q", b)
				}
				c.Bauds = append(c.Bauds, n)
			}
		}
		return nil
	},
	"SEQUENCE": func(c *Criteria, args []string, _ string) error {
		if len(args) < 2 {
			return bad(ddserrors.DBADSEARCHCRIT, "SEQUENCE: expected start and end")
		}
		start, err1 := strconv.ParseUint(args[0], 10, 64)
		end, err2 := strconv.ParseUint(args[1], 10, 64)
		if err1 != nil || err2 != nil || end < start {
			return bad(ddserrors.DBADSEARCHCRIT, "SEQUENCE: bad range %s %s", args[0], args[1])
		}
		c.SeqStart, c.SeqEnd, c.HasSeq = start, end, true
		return nil
	},
	"ASCENDING_TIME": func(c *Criteria, args []string, _ string) (err error) {
		c.Ascending, err = boolArg("ASCENDING_TIME", args)
		return
	},
	"RT_SETTLE_DELAY": func(c *Criteria, args []string, _ string) (err error) {
		c.SettleDelay, err = boolArg("RT_SETTLE_DELAY", args)
		return
	},
	"SINGLE": func(c *Criteria, args []string, _ string) (err error) {
		c.Single, err = boolArg("SINGLE", args)
		return
	},
	// bulletins and mail have no meaning for this archive
	"GLOB_BUL":        func(*Criteria, []string, string) error { return nil },
	"DCP_BUL":         func(*Criteria, []string, string) error { return nil },
	"ELECTRONIC_MAIL": func(*Criteria, []string, string) error { return nil },
}

var aliases = map[string]string{
	"LRGS_SINCE":   "DRS_SINCE",
	"DRSSINCE":     "DRS_SINCE",
	"LRGSSINCE":    "DRS_SINCE",
	"LRGS_UNTIL":   "DRS_UNTIL",
	"DRSUNTIL":     "DRS_UNTIL",
	"LRGSUNTIL":    "DRS_UNTIL",
	"DAPSSINCE":    "DAPS_SINCE",
	"DAPSUNTIL":    "DAPS_UNTIL",
	"NETWORK_LIST": "NETWORKLIST",
	"DCPADDRESS":   "DCP_ADDRESS",
}

// Parse reads the text form. Errors are *ddserrors.ServerError carrying
// the code to report to the client.
func Parse(text string) (c Criteria, err error) {
	sc := bufio.NewScanner(strings.NewReader(text))
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		kw, rest := line, ""
		if i := strings.IndexAny(line, ": \t"); i >= 0 {
			kw, rest = line[:i], line[i+1:]
		}
		rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":"))
		kw = strings.ToUpper(kw)
		if a, ok := aliases[kw]; ok {
			kw = a
		}
		fn, ok := keywords[kw]
		if !ok {
			return Criteria{}, bad(ddserrors.DBADKEYWORD, "line %d: unrecognized criteria name %q", lineno, kw)
		}
		if err = fn(&c, strings.Fields(rest), rest); err != nil {
			return Criteria{}, err
		}
	}
	if err = sc.Err(); err != nil {
		return Criteria{}, bad(ddserrors.DBADSEARCHCRIT, "%v", err)
	}
	return c, nil
}

// Format renders the criteria in the form Parse accepts.
func Format(c Criteria) string {
	var b strings.Builder
	b.WriteString("#\n# DDS Search Criteria\n#\n")
	line := func(kw string, v any) {
		fmt.Fprintf(&b, "%s: %v\n", kw, v)
	}
	if c.Since.IsSet() {
		line("DRS_SINCE", c.Since)
	}
	if c.Until.IsSet() {
		line("DRS_UNTIL", c.Until)
	}
	if c.DapsSince.IsSet() {
		line("DAPS_SINCE", c.DapsSince)
	}
	if c.DapsUntil.IsSet() {
		line("DAPS_UNTIL", c.DapsUntil)
	}
	for _, n := range c.Netlists {
		line("NETWORKLIST", n)
	}
	for _, n := range c.DcpNames {
		line("DCP_NAME", n)
	}
	for _, a := range c.Addresses {
		line("DCP_ADDRESS", a)
	}
	for _, ch := range c.Channels {
		op := "|"
		if ch.And {
			op = "&"
		}
		line("CHANNEL", op+strconv.Itoa(int(ch.Num)))
	}
	for _, s := range c.Sources {
		line("SOURCE", dcp.SourceName(s))
	}
	if c.Spacecraft != AnySpacecraft {
		line("SPACECRAFT", string(rune(c.Spacecraft)))
	}
	if c.Parity != Unspecified {
		line("PARITY_ERROR", string(rune(c.Parity)))
	}
	if c.DapsStatus != Unspecified {
		line("DAPS_STATUS", string(rune(c.DapsStatus)))
	}
	if c.Retransmitted != Unspecified {
		line("RETRANSMITTED", string(rune(c.Retransmitted)))
	}
	if len(c.Bauds) > 0 {
		bauds := make([]string, len(c.Bauds))
		for i, n := range c.Bauds {
			bauds[i] = strconv.Itoa(n)
		}
		line("BAUD", strings.Join(bauds, " "))
	}
	if c.HasSeq {
		line("SEQUENCE", fmt.Sprintf("%d %d", c.SeqStart, c.SeqEnd))
	}
	if c.Ascending {
		line("ASCENDING_TIME", true)
	}
	if c.SettleDelay {
		line("RT_SETTLE_DELAY", true)
	}
	if c.Single {
		line("SINGLE", true)
	}
	return b.String()
}
