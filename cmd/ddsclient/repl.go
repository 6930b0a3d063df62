package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drpcorg/dds/client"
	"github.com/drpcorg/dds/utils"
	"github.com/ergochat/readline"
)

// REPL per se.
type REPL struct {
	log  utils.Logger
	opts options
	rl   *readline.Instance
	conn *client.Conn
}

var ErrNotConnected = errors.New("not connected, try: connect")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("connect"),
	readline.PcItem("bye"),

	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("criteria"),
	readline.PcItem("next"),
	readline.PcItem("block"),
	readline.PcItem("stop"),
	readline.PcItem("status"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".dds_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.conn != nil {
		_ = repl.conn.Goodbye()
		repl.conn = nil
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) Loop() error {
	for {
		err := repl.REPL()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
		}
	}
}

// REPL reads and runs one command.
func (repl *REPL) REPL() (err error) {
	var line string
	line, err = repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	if cmd != "connect" && cmd != "help" && cmd != "exit" && cmd != "quit" && repl.conn == nil {
		return ErrNotConnected
	}
	switch cmd {
	case "help":
		err = repl.CommandHelp(arg)
	case "connect":
		err = repl.CommandConnect(arg)
	case "bye":
		err = repl.CommandBye(arg)
	case "exit", "quit":
		_ = repl.CommandBye(arg)
		err = io.EOF
	// ----- netlists -----
	case "put":
		err = repl.CommandPut(arg)
	case "get":
		err = repl.CommandGet(arg)
	// ----- retrieval -----
	case "criteria":
		err = repl.CommandCriteria(arg)
	case "next":
		err = repl.CommandNext(arg)
	case "block":
		err = repl.CommandBlock(arg)
	case "stop":
		err = repl.conn.Stop()
	case "status":
		err = repl.CommandStatus(arg)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return
}
