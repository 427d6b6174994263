// emberdb-cli sends single commands to a running EmberDB server and prints
// the reply.
//
// Usage:
//
//	emberdb-cli [--addr host:port] ping
//	emberdb-cli set key value [--px ms]
//	emberdb-cli get key
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/emberdb/emberdb/internal/protocol"
	"github.com/emberdb/emberdb/internal/version"
)

func main() {
	app := &cli.App{
		Name:    "emberdb-cli",
		Usage:   "EmberDB command-line client",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Usage:   "server address",
				EnvVars: []string{"EMBERDB_ADDR"},
				Value:   "127.0.0.1:6379",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "dial and reply timeout",
				Value: 5 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "ping",
				Usage: "check server liveness",
				Action: func(c *cli.Context) error {
					return roundTrip(c, "PING")
				},
			},
			{
				Name:      "echo",
				Usage:     "echo the given arguments back",
				ArgsUsage: "message...",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return errors.New("echo requires at least one argument")
					}
					return roundTrip(c, append([]string{"ECHO"}, c.Args().Slice()...)...)
				},
			},
			{
				Name:      "set",
				Usage:     "store a value under a key",
				ArgsUsage: "key value",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "px", Usage: "expiry in milliseconds"},
					&cli.Int64Flag{Name: "ex", Usage: "expiry in seconds"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return errors.New("set requires a key and a value")
					}
					args := []string{"SET", c.Args().Get(0), c.Args().Get(1)}
					if c.IsSet("px") {
						args = append(args, "PX", strconv.FormatInt(c.Int64("px"), 10))
					} else if c.IsSet("ex") {
						args = append(args, "EX", strconv.FormatInt(c.Int64("ex"), 10))
					}
					return roundTrip(c, args...)
				},
			},
			{
				Name:      "get",
				Usage:     "fetch the value stored under a key",
				ArgsUsage: "key",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("get requires a key")
					}
					return roundTrip(c, "GET", c.Args().Get(0))
				},
			},
			{
				Name:  "dbsize",
				Usage: "count live keys",
				Action: func(c *cli.Context) error {
					return roundTrip(c, "DBSIZE")
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// roundTrip sends one command and prints the decoded reply.
func roundTrip(c *cli.Context, args ...string) error {
	addr := c.String("addr")
	timeout := c.Duration("timeout")

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	writer := protocol.NewWriter(conn)
	if err := writer.WriteStringArray(args); err != nil {
		return err
	}

	reply, err := readReply(conn)
	if err != nil {
		return err
	}
	fmt.Println(format(reply))
	if reply.Type == protocol.TypeError {
		os.Exit(1)
	}
	return nil
}

// readReply accumulates bytes until one complete frame decodes.
func readReply(conn net.Conn) (protocol.Value, error) {
	var pending []byte
	chunk := make([]byte, 4096)
	for {
		if len(pending) > 0 {
			val, _, err := protocol.DecodeReply(pending)
			if err == nil {
				return val, nil
			}
			if !errors.Is(err, protocol.ErrIncomplete) {
				return protocol.Value{}, err
			}
		}
		n, err := conn.Read(chunk)
		if err != nil {
			return protocol.Value{}, err
		}
		pending = append(pending, chunk[:n]...)
	}
}

func format(v protocol.Value) string {
	switch v.Type {
	case protocol.TypeSimpleString:
		return v.Str
	case protocol.TypeError:
		return "(error) " + v.Str
	case protocol.TypeInteger:
		return "(integer) " + strconv.FormatInt(v.Num, 10)
	case protocol.TypeBulkString:
		if v.Null {
			return "(nil)"
		}
		return v.Str
	case protocol.TypeArray:
		if v.Null {
			return "(nil)"
		}
		out := ""
		for i, item := range v.Array {
			if i > 0 {
				out += "\n"
			}
			out += fmt.Sprintf("%d) %s", i+1, format(item))
		}
		return out
	default:
		return fmt.Sprintf("(unknown reply type %q)", v.Type)
	}
}
