package main

import (
	"fmt"
	"strconv"
	"strings"
)

// command is one parsed line of user input. Lines not starting with "/" are chat.
type command struct {
	name string
	args []string
	text string
}

const usage = `commands:
  <text>                      send a chat message
  /start | /end               start or end the session (teacher)
  /poll Question? | A | B     open a poll (teacher)
  /vote N                     vote for option N (1-based)
  /close                      close the poll (teacher)
  /rec [title]                start recording (teacher)
  /stop [title] [url]         stop recording (teacher)
  /recordings                 list recordings
  /who                        list members
  /retry                      reconnect after the connection failed
  /quit                       leave and exit`

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, fmt.Errorf("empty input")
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "chat", text: line}, nil
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	cmd := command{name: name, text: rest}
	switch name {
	case "start", "end", "close", "recordings", "who", "retry", "quit", "help", "rec":
		return cmd, nil
	case "poll":
		parts := strings.Split(rest, "|")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) < 3 || parts[0] == "" {
			return command{}, fmt.Errorf("usage: /poll Question? | A | B")
		}
		cmd.args = parts
		return cmd, nil
	case "vote":
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 {
			return command{}, fmt.Errorf("usage: /vote N with N starting at 1")
		}
		cmd.args = []string{strconv.Itoa(n - 1)}
		return cmd, nil
	case "stop":
		fields := strings.Fields(rest)
		if len(fields) > 0 && strings.Contains(fields[len(fields)-1], "://") {
			cmd.args = []string{strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]}
		} else {
			cmd.args = []string{rest, ""}
		}
		return cmd, nil
	}
	return command{}, fmt.Errorf("unknown command /%s", name)
}
