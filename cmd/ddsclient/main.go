// ddsclient retrieves DCP messages from a DDS server. With a criteria it
// runs one retrieval to completion and prints the messages; without one it
// opens an interactive shell.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/drpcorg/dds/client"
	"github.com/drpcorg/dds/criteria"
	"github.com/drpcorg/dds/utils"
	"github.com/spf13/pflag"
)

type options struct {
	server     string
	user       string
	password   string
	insecure   bool
	critFile   string
	since      string
	until      string
	netlists   []string
	block      bool
	timeout    time.Duration
	reconnect  bool
	headerOnly bool
	out        string
	verbose    bool
	shell      bool
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "ddsclient: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var o options
	flags := pflag.NewFlagSet("ddsclient", pflag.ContinueOnError)
	flags.StringVarP(&o.server, "server", "s", "localhost:16003", "server address, tcp://host:port or tls://host:port")
	flags.StringVarP(&o.user, "user", "u", os.Getenv("USER"), "user name")
	flags.StringVarP(&o.password, "password", "p", os.Getenv("DDS_PASSWORD"), "password, empty for an unauthenticated hello")
	flags.BoolVar(&o.insecure, "insecure", false, "skip TLS certificate verification")
	flags.StringVarP(&o.critFile, "criteria", "f", "", "criteria file")
	flags.StringVar(&o.since, "since", "", "start time, overrides the criteria file")
	flags.StringVar(&o.until, "until", "", "end time, overrides the criteria file")
	flags.StringSliceVarP(&o.netlists, "netlist", "n", nil, "netlist files to upload and select")
	flags.BoolVarP(&o.block, "block", "b", true, "retrieve messages in blocks")
	flags.DurationVarP(&o.timeout, "timeout", "t", client.DefaultRetrievalTimeout, "give up after this long without a message")
	flags.BoolVar(&o.reconnect, "reconnect-on-timeout", false, "treat a timeout like a lost connection")
	flags.BoolVar(&o.headerOnly, "header-only", false, "print message headers only")
	flags.StringVarP(&o.out, "out", "o", "", "write messages to this file instead of stdout")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	flags.BoolVarP(&o.shell, "interactive", "i", false, "open the interactive shell")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)

	if o.shell || (o.critFile == "" && o.since == "" && len(o.netlists) == 0) {
		repl := &REPL{log: log, opts: o}
		if err := repl.Open(); err != nil {
			return err
		}
		defer repl.Close()
		return repl.Loop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return retrieve(ctx, log, o)
}

func buildCriteria(o options) (criteria.Criteria, error) {
	var c criteria.Criteria
	if o.critFile != "" {
		data, err := os.ReadFile(o.critFile)
		if err != nil {
			return c, err
		}
		if c, err = criteria.Parse(string(data)); err != nil {
			return c, err
		}
	}
	if o.since != "" {
		t, err := criteria.ParseTime(o.since)
		if err != nil {
			return c, err
		}
		c = c.WithSince(t)
	}
	if o.until != "" {
		t, err := criteria.ParseTime(o.until)
		if err != nil {
			return c, err
		}
		c = c.WithUntil(t)
	}
	for _, path := range o.netlists {
		c = c.WithNetlists(netlistName(path))
	}
	return c, nil
}

func netlistName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func tlsConfig(o options) *tls.Config {
	return &tls.Config{InsecureSkipVerify: o.insecure}
}

// login dials, logs in and uploads the netlists named on the command line.
func login(ctx context.Context, log utils.Logger, o options) (*client.Conn, error) {
	c, err := client.Dial(ctx, log, o.server, tlsConfig(o))
	if err != nil {
		return nil, err
	}
	if o.password != "" {
		err = c.AuthHello(o.user, o.password)
	} else {
		err = c.Hello(o.user)
	}
	for _, path := range o.netlists {
		if err != nil {
			break
		}
		var text []byte
		if text, err = os.ReadFile(path); err == nil {
			err = c.SendNetlist(netlistName(path), string(text))
		}
	}
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func retrieve(ctx context.Context, log utils.Logger, o options) error {
	crit, err := buildCriteria(o)
	if err != nil {
		return err
	}
	var w io.Writer = os.Stdout
	if o.out != "" {
		f, err := os.OpenFile(o.out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	sink := client.NewWriterSink(w)
	sink.HeaderOnly = o.headerOnly

	r := client.NewRetriever(log,
		func(ctx context.Context) (*client.Conn, error) { return login(ctx, log, o) },
		crit, sink,
		&client.RetrievalTimeoutOpt{Timeout: o.timeout},
		&client.BlockOpt{On: o.block},
		&client.ReconnectOnTimeoutOpt{On: o.reconnect},
	)
	err = r.Run(ctx)
	fmt.Fprintf(os.Stderr, "%d messages retrieved\n", r.Delivered())
	return err
}
