package command

import (
	"errors"
	"strings"

	"github.com/SharefulNetworks/shareful-dkv/types"
)

// Op - The operation a command line asks for.
type Op int

const (
	Get Op = iota + 1
	Put
	GetProviders
	PutProvider
)

func (o Op) String() string {
	switch o {
	case Get:
		return "GET"
	case Put:
		return "PUT"
	case GetProviders:
		return "GET_PROVIDERS"
	case PutProvider:
		return "PUT_PROVIDER"
	default:
		return "UNKNOWN"
	}
}

// Command - A parsed operator command. Value is only set for Put.
type Command struct {
	Op    Op
	Key   types.RecordKey
	Value []byte
}

// ErrorKind - Classifies a ParseError.
type ErrorKind int

const (
	MissingKey ErrorKind = iota + 1
	MissingValue
	UnknownCommand
)

var (
	ErrMissingKey     = errors.New("missing key")
	ErrMissingValue   = errors.New("missing value")
	ErrUnknownCommand = errors.New("unknown command")
)

// ParseError - Reports why a line could not be turned into a Command.
// errors.Is matches it against ErrMissingKey, ErrMissingValue and ErrUnknownCommand.
type ParseError struct {
	Kind    ErrorKind
	Command string //the command word as typed, empty for a blank line
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case MissingKey:
		return "Missing key for " + strings.ToUpper(e.Command)
	case MissingValue:
		return "Missing value for " + strings.ToUpper(e.Command)
	default:
		return "Unknown command, expected one of: " + Usage
	}
}

func (e *ParseError) Is(target error) bool {
	switch target {
	case ErrMissingKey:
		return e.Kind == MissingKey
	case ErrMissingValue:
		return e.Kind == MissingValue
	case ErrUnknownCommand:
		return e.Kind == UnknownCommand
	}
	return false
}

// Usage - The commands Parse accepts.
const Usage = "GET, PUT, GET_PROVIDERS, PUT_PROVIDER"

// Parse - Splits line on whitespace into a Command. Command words are case
// sensitive. Tokens beyond those a command takes are ignored.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, &ParseError{Kind: UnknownCommand}
	}

	word := fields[0]
	var op Op
	switch word {
	case "GET":
		op = Get
	case "PUT":
		op = Put
	case "GET_PROVIDERS":
		op = GetProviders
	case "PUT_PROVIDER":
		op = PutProvider
	default:
		return Command{}, &ParseError{Kind: UnknownCommand, Command: word}
	}

	if len(fields) < 2 {
		return Command{}, &ParseError{Kind: MissingKey, Command: word}
	}
	cmd := Command{Op: op, Key: types.RecordKey(fields[1])}

	if op == Put {
		if len(fields) < 3 {
			return Command{}, &ParseError{Kind: MissingValue, Command: word}
		}
		cmd.Value = []byte(fields[2])
	}
	return cmd, nil
}
