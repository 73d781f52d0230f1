package bridge

import (
	"fmt"
	"strings"

	"github.com/mossy-p/telepresence/internal/protocol"
)

const (
	maxTextLen = 40
	maxJSONLen = 60

	stopLine = "CMD STOP 1"
	testLine = "TEST"
)

// Encode renders a peer message as one device line.
func Encode(m protocol.Message) string {
	switch v := m.(type) {
	case protocol.Command:
		return fmt.Sprintf("CMD %s %s", v.Direction, flag(v.Pressed))
	case protocol.Button:
		return fmt.Sprintf("BTN %s %s", v.Button, flag(v.Pressed))
	case protocol.Text:
		return "TXT " + truncate(v.Body, maxTextLen)
	}

	kind := string(m.Kind())
	if kind == "" {
		kind = "unknown"
	}
	raw, err := protocol.Encode(m)
	if err != nil {
		return "MSG " + kind
	}
	return fmt.Sprintf("MSG %s %s", kind, truncate(string(raw), maxJSONLen))
}

// Tag prefixes line with a bridge id so the firmware echo can be matched.
func Tag(id int, line string) string {
	return fmt.Sprintf("ID %d %s", id, line)
}

// ParseAck reports whether line is an ack from the device. The firmware
// echoes each received line as "ACK <line>"; for tagged lines that is
// "ACK ID <id> ...". A bare "ACK <id>" is accepted too. id is empty when
// the ack carries none.
func ParseAck(line string) (id string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "ACK" {
		return "", false
	}
	rest := fields[1:]
	switch {
	case len(rest) >= 2 && rest[0] == "ID":
		return rest[1], true
	case len(rest) == 1:
		return rest[0], true
	}
	return "", true
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
