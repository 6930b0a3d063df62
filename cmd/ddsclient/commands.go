package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/drpcorg/dds/client"
	"github.com/drpcorg/dds/criteria"
)

const help = `connect [addr [user [password]]]   log in, defaults come from the flags
bye                                 end the session
put <netlist file>                  upload a netlist under its file name
get <netlist name>                  show a netlist stored on the server
criteria <KEY: value; KEY: value>   start a search, lines separated by ';'
next                                fetch one message
block                               fetch a block of messages
stop                                drop the current search
status                              server status
exit                                leave`

var (
	HelpConnect  = errors.New("connect [addr [user [password]]]")
	HelpPut      = errors.New("put <netlist file>")
	HelpGet      = errors.New("get <netlist name>")
	HelpCriteria = errors.New("criteria DRS_SINCE: now - 1 hour; DCP_ADDRESS: CE123456")
)

func (repl *REPL) CommandHelp(string) error {
	fmt.Println(help)
	return nil
}

func (repl *REPL) CommandConnect(arg string) (err error) {
	o := repl.opts
	fields := strings.Fields(arg)
	if len(fields) > 3 {
		return HelpConnect
	}
	for i, f := range fields {
		switch i {
		case 0:
			o.server = f
		case 1:
			o.user = f
			o.password = ""
		case 2:
			o.password = f
		}
	}
	if repl.conn != nil {
		_ = repl.conn.Goodbye()
		repl.conn = nil
	}
	repl.conn, err = login(context.Background(), repl.log, o)
	if err == nil {
		fmt.Printf("connected to %s as %s, protocol version %d\n", o.server, repl.conn.User(), repl.conn.Version())
	}
	return
}

func (repl *REPL) CommandBye(string) error {
	if repl.conn == nil {
		return nil
	}
	err := repl.conn.Goodbye()
	repl.conn = nil
	return err
}

func (repl *REPL) CommandPut(arg string) error {
	if arg == "" {
		return HelpPut
	}
	text, err := os.ReadFile(arg)
	if err != nil {
		return err
	}
	name := netlistName(arg)
	if err = repl.conn.SendNetlist(name, string(text)); err == nil {
		fmt.Printf("netlist %s stored\n", name)
	}
	return err
}

func (repl *REPL) CommandGet(arg string) error {
	if arg == "" {
		return HelpGet
	}
	text, err := repl.conn.GetNetlist(arg)
	if err == nil {
		fmt.Print(text)
	}
	return err
}

func (repl *REPL) CommandCriteria(arg string) error {
	if arg == "" {
		return HelpCriteria
	}
	c, err := criteria.Parse(strings.ReplaceAll(arg, ";", "\n"))
	if err != nil {
		return err
	}
	if err = repl.conn.SendCriteria(c); err == nil {
		fmt.Print(criteria.Format(c))
	}
	return err
}

func (repl *REPL) CommandNext(string) error {
	m, err := repl.conn.GetMessage()
	if err != nil {
		return err
	}
	return repl.sink().Deliver(context.Background(), m)
}

func (repl *REPL) CommandBlock(string) error {
	msgs, err := repl.conn.GetBlock()
	if err != nil {
		return err
	}
	sink := repl.sink()
	for _, m := range msgs {
		if err := sink.Deliver(context.Background(), m); err != nil {
			return err
		}
	}
	fmt.Printf("%d messages\n", len(msgs))
	return nil
}

func (repl *REPL) CommandStatus(string) error {
	status, err := repl.conn.Status()
	if err == nil {
		fmt.Print(status)
	}
	return err
}

func (repl *REPL) sink() *client.WriterSink {
	s := client.NewWriterSink(os.Stdout)
	s.HeaderOnly = repl.opts.headerOnly
	return s
}
