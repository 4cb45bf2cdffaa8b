// Program chirp is a command-line utility for interacting with chirp peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/chirplink"
	"github.com/creachadair/chirplink/catalog"
	"github.com/creachadair/chirplink/link"
	"github.com/creachadair/chirplink/packet"
	"github.com/creachadair/chirplink/peers"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var flags struct {
	Addr      string        `flag:"addr,default=localhost:7300,Network address of the peer"`
	BlockSize int           `flag:"block,default=64,Chunk size for data sent on the link"`
	EC        bool          `flag:"ec,Treat the link as error-corrected (single-frame messages)"`
	Hints     bool          `flag:"hints,Keep argument hints sent by the peer"`
	Timeout   time.Duration `flag:"timeout,default=5s,Dial timeout"`
	LogLevel  string        `flag:"log-level,Log level (default from CHIRP_LOG_LEVEL, else WARNING)"`
}

var unpackFlags struct {
	Response bool `flag:"response,Treat the first 4 bytes of the payload as a result code"`
}

const patternHelp = `The pattern specifies the sequence of values to encode. Whitespace in the
pattern is ignored; otherwise each letter consumes one argument:

  b, B : an int8 or uint8 value
  h, H : an int16 or uint16 value
  i, I : an int32 or uint32 value
  f    : a float32 value
  s    : a string

A letter may be prefixed by "*" to encode a comma-separated list of values as
an array (string arrays are not supported), and by "~" to mark the value as a
hint. Integers may be written in any base accepted by Go syntax.
`

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for interacting with chirp peers.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Init: func(env *command.Env) error {
			return setupLogging(flags.LogLevel)
		},
		Commands: []*command.C{
			{
				Name:  "pack",
				Usage: "<pattern> <argument>...",
				Help:  "Pack arguments into a binary payload.\n\n" + patternHelp,
				Run:   runPack,
			},
			{
				Name:     "unpack",
				Help:     "Decode a binary payload from stdin and print its arguments.",
				SetFlags: command.Flags(flax.MustBind, &unpackFlags),
				Run:      runUnpack,
			},
			{
				Name: "serve",
				Help: `Serve demonstration procedures to peers at --addr.

The server offers the following procedures:

` + demoHelp(),
				Run: runServe,
			},
			{
				Name:  "call",
				Usage: "<procedure> [<pattern> <argument>...]",
				Help:  "Call a procedure on the peer at --addr.\n\n" + patternHelp,
				Run:   runCall,
			},
			{
				Name: "procs",
				Help: "List the procedures offered by the peer at --addr.",
				Run:  runProcs,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func linkConfig() link.Config {
	return link.Config{BlockSize: flags.BlockSize, ErrorCorrected: flags.EC}
}

func runPack(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing pattern argument")
	}
	vals, rest, err := formatValues(env.Args[0], env.Args[1:])
	if err != nil {
		return err
	} else if len(rest) != 0 {
		return fmt.Errorf("extra arguments: %q", rest)
	}
	buf := packet.NewBuffer(0)
	if err := buf.Assemble(vals...); err != nil {
		return err
	}
	_, err = os.Stdout.Write(buf.Payload())
	return err
}

func runUnpack(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("Extra arguments: %q", env.Args)
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	var pf packet.ParseFlag
	if unpackFlags.Response {
		pf |= packet.ParseResponse
	}
	if !flags.Hints {
		pf |= packet.SkipHints
	}
	args, err := packet.Parse(data, 0, pf)
	if err != nil {
		return err
	}
	for i, a := range args {
		fmt.Printf("%d\t%v\t%s\n", i+1, a.Type, formatArg(a))
	}
	return nil
}

// dial connects to the peer at --addr and performs the connection handshake.
func dial(ctx context.Context) (*chirplink.Engine, error) {
	d := net.Dialer{Timeout: flags.Timeout}
	conn, err := d.DialContext(ctx, "tcp", flags.Addr)
	if err != nil {
		return nil, err
	}
	e := chirplink.NewEngine(engineOptions(flags.Hints)).Attach(link.Stream(conn, linkConfig()))
	if err := e.Connect(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	log.Infof("Connected to %s (block size %d)", flags.Addr, e.BlockSize())
	return e, nil
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing procedure name")
	}
	name := env.Args[0]
	var vals []packet.Value
	if len(env.Args) > 1 {
		var rest []string
		var err error
		vals, rest, err = formatValues(env.Args[1], env.Args[2:])
		if err != nil {
			return err
		} else if len(rest) != 0 {
			return fmt.Errorf("extra arguments: %q", rest)
		}
	}

	e, err := dial(context.Background())
	if err != nil {
		return err
	}
	defer e.Link().Close()

	rsp, err := e.CallName(name, vals...)
	if err != nil {
		return err
	}
	code := fmt.Sprintf("code %d", rsp.Code)
	if rsp.Code == chirplink.ResultOK {
		fmt.Println(green(code))
	} else {
		fmt.Println(red(code))
	}
	for i, a := range rsp.Args {
		fmt.Printf("%d\t%v\t%s\n", i+1, a.Type, formatArg(a))
	}
	return nil
}

func runProcs(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("Extra arguments: %q", env.Args)
	}
	e, err := dial(context.Background())
	if err != nil {
		return err
	}
	defer e.Link().Close()

	cat, err := catalog.Fetch(e)
	if err != nil {
		return err
	}
	for _, name := range cat.Names() {
		p, _ := cat.Lookup(name)
		line := cyan(name)
		if p.ArgTypes != "" {
			line += "(" + p.ArgTypes + ")"
		}
		if p.Info != "" {
			line += "\t" + magenta(p.Info)
		}
		fmt.Println(line)
	}
	return nil
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("Extra arguments: %q", env.Args)
	}
	lst, err := net.Listen("tcp", flags.Addr)
	if err != nil {
		return err
	}
	defer lst.Close()
	log.Noticef("Serving at %s", lst.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cat := demoCatalog()
	err = peers.Loop(ctx, peers.NetAccepter(lst, linkConfig()), func() *chirplink.Engine {
		e := chirplink.NewEngine(engineOptions(flags.Hints))
		if err := cat.Bind(e).Register(); err != nil {
			panic(err)
		}
		return e
	})
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Noticef("Server exited, err=%v", err)
	return err
}

func demoHelp() string {
	var sb strings.Builder
	cat := demoCatalog()
	for _, name := range cat.Names() {
		p, _ := cat.Lookup(name)
		fmt.Fprintf(&sb, "  %-8s %-6s %s\n", name, p.ArgTypes, p.Info)
	}
	return sb.String()
}
