// Package command interprets decoded RESP values as commands and executes
// them against the store.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emberdb/emberdb/internal/protocol"
	"github.com/emberdb/emberdb/internal/store"
)

// ErrBadCommand indicates a frame that is not a well-formed command: the root
// value is not an array, the array is empty, or an element is not a string.
var ErrBadCommand = errors.New("command: malformed command")

// Command is a parsed client request.
type Command struct {
	Name string
	Args []string
}

// Parse interprets a decoded value as (command name, argument list). The root
// must be a non-empty array whose elements are all string-typed (simple or
// bulk).
func Parse(v protocol.Value) (Command, error) {
	if v.Type != protocol.TypeArray {
		return Command{}, fmt.Errorf("%w: expected array, got %q", ErrBadCommand, v.Type)
	}
	if len(v.Array) == 0 {
		return Command{}, fmt.Errorf("%w: empty array", ErrBadCommand)
	}

	for i, elem := range v.Array {
		if !elem.IsString() {
			return Command{}, fmt.Errorf("%w: element %d is not a string", ErrBadCommand, i)
		}
	}

	args := make([]string, len(v.Array)-1)
	for i, elem := range v.Array[1:] {
		args[i] = elem.Str
	}
	return Command{Name: v.Array[0].Str, Args: args}, nil
}

// Executor dispatches commands against a shared Store. It holds no mutable
// state of its own and is safe for concurrent use from every connection.
type Executor struct {
	store *store.Store
}

// NewExecutor creates an Executor bound to st.
func NewExecutor(st *store.Store) *Executor {
	return &Executor{store: st}
}

// Execute runs cmd and writes the reply. Name matching is case-insensitive.
// Argument mistakes and unknown commands become error replies; the returned
// error is non-nil only when the reply could not be written.
func (e *Executor) Execute(w *protocol.Writer, cmd Command) error {
	switch strings.ToUpper(cmd.Name) {
	case "PING":
		return e.cmdPing(w, cmd.Args)
	case "ECHO":
		return e.cmdEcho(w, cmd.Args)
	case "SET":
		return e.cmdSet(w, cmd.Args)
	case "GET":
		return e.cmdGet(w, cmd.Args)
	case "DBSIZE":
		return e.cmdDBSize(w, cmd.Args)
	default:
		return w.WriteError(fmt.Sprintf("unknown command '%s'", cmd.Name))
	}
}

func (e *Executor) cmdPing(w *protocol.Writer, args []string) error {
	if len(args) != 0 {
		return w.WriteError("wrong number of arguments for 'PING' command")
	}
	return w.WriteSimpleString("PONG")
}

// cmdEcho concatenates every argument with no separator. Canonical Redis
// takes a single argument; the multi-argument concatenation is kept from the
// reference behavior.
func (e *Executor) cmdEcho(w *protocol.Writer, args []string) error {
	if len(args) == 0 {
		return w.WriteError("wrong number of arguments for 'ECHO' command")
	}
	return w.WriteSimpleString(strings.Join(args, ""))
}

func (e *Executor) cmdSet(w *protocol.Writer, args []string) error {
	if len(args) < 2 {
		return w.WriteError("wrong number of arguments for 'SET' command")
	}

	key := args[0]
	value := args[1]

	// Optional expiry: PX <milliseconds> or EX <seconds>, case-insensitive.
	// Any numeric value is accepted; PX 0 stores an entry that is expired
	// from the first read on.
	var ttl time.Duration
	hasTTL := false
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "PX":
			if i+1 >= len(args) {
				return w.WriteError("syntax error")
			}
			millis, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return w.WriteError("invalid expire time in 'SET' command")
			}
			ttl = time.Duration(millis) * time.Millisecond
			hasTTL = true
			i++
		case "EX":
			if i+1 >= len(args) {
				return w.WriteError("syntax error")
			}
			seconds, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return w.WriteError("invalid expire time in 'SET' command")
			}
			ttl = time.Duration(seconds) * time.Second
			hasTTL = true
			i++
		default:
			return w.WriteError("syntax error")
		}
	}

	if hasTTL {
		e.store.SetWithTTL(key, value, ttl)
	} else {
		e.store.Set(key, value)
	}
	return w.WriteSimpleString("OK")
}

func (e *Executor) cmdGet(w *protocol.Writer, args []string) error {
	if len(args) != 1 {
		return w.WriteError("wrong number of arguments for 'GET' command")
	}

	value, ok := e.store.Get(args[0])
	if !ok {
		return w.WriteNull()
	}
	return w.WriteBulkString(value)
}

func (e *Executor) cmdDBSize(w *protocol.Writer, args []string) error {
	if len(args) != 0 {
		return w.WriteError("wrong number of arguments for 'DBSIZE' command")
	}
	return w.WriteInteger(int64(e.store.Len()))
}
