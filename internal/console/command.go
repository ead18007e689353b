package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind names what an input line asks for.
type Kind int

const (
	Say Kind = iota
	Retry
	Disconnect
	Reconnect
	Rename
	Help
	Quit
)

// Command is one parsed input line.
type Command struct {
	Kind Kind
	Text string
	// Index of the failed message to retry, counting from 1 at the most
	// recent. Zero means the most recent.
	Index int
}

var errEmpty = errors.New("empty input")

// Parse turns an input line into a Command. Lines that do not start with
// "/" are chat text, kept as typed; "//" escapes a leading slash.
func Parse(line string) (Command, error) {
	if line == "" {
		return Command{}, errEmpty
	}
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "//") {
		return Command{Kind: Say, Text: strings.Replace(line, "/", "", 1)}, nil
	}
	if !strings.HasPrefix(trimmed, "/") {
		return Command{Kind: Say, Text: line}, nil
	}

	name, rest, _ := strings.Cut(trimmed[1:], " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case "retry", "r":
		if rest == "" {
			return Command{Kind: Retry}, nil
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 {
			return Command{}, fmt.Errorf("usage: /retry [n]")
		}
		return Command{Kind: Retry, Index: n}, nil
	case "disconnect":
		return Command{Kind: Disconnect}, nil
	case "reconnect":
		return Command{Kind: Reconnect}, nil
	case "name", "nick":
		if rest == "" {
			return Command{}, fmt.Errorf("usage: /name <display name>")
		}
		return Command{Kind: Rename, Text: rest}, nil
	case "help", "?":
		return Command{Kind: Help}, nil
	case "quit", "exit":
		return Command{Kind: Quit}, nil
	default:
		return Command{}, fmt.Errorf("unknown command /%s", name)
	}
}

const helpText = "/retry [n]  /disconnect  /reconnect  /name <name>  /quit"
