package proxy

import (
	"bufio"
	"io"
	"strings"
)

// Event represents a server-sent event frame.
type Event struct {
	ID    string
	Event string
	Data  string
}

// readEvent consumes lines until one complete frame has been assembled.
// io.EOF is returned once the stream ends with no frame in progress.
func readEvent(reader *bufio.Reader) (*Event, error) {
	event := &Event{}
	var hasData bool
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && hasData {
				return event, nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData || event.Event != "" {
				return event, nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			event.Event = fieldValue(line, "event:")
		case strings.HasPrefix(line, "data:"):
			if hasData {
				event.Data += "\n"
			}
			event.Data += fieldValue(line, "data:")
			hasData = true
		case strings.HasPrefix(line, "id:"):
			event.ID = fieldValue(line, "id:")
		}
	}
}

// fieldValue strips the field prefix and the single optional space after the
// colon, leaving any further whitespace intact.
func fieldValue(line, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(line, prefix), " ")
}

// formatEvent renders one frame in wire format.
func formatEvent(event *Event) string {
	var b strings.Builder
	if event.ID != "" {
		b.WriteString("id: ")
		b.WriteString(event.ID)
		b.WriteString("\n")
	}
	if event.Event != "" {
		b.WriteString("event: ")
		b.WriteString(event.Event)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(event.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}
