package cloud

import (
	"bufio"
	"io"
	"strings"
)

const maxSSELine = 1 << 20

// readSSE calls fn for every complete server-sent event in r. fn returns
// false to stop reading early.
func readSSE(r io.Reader, fn func(event, data string) (bool, error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxSSELine)

	var event string
	var data []string
	flush := func() (bool, error) {
		if len(data) == 0 {
			event = ""
			return true, nil
		}
		cont, err := fn(event, strings.Join(data, "\n"))
		event, data = "", data[:0]
		return cont, err
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			cont, err := flush()
			if err != nil || !cont {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	_, err := flush()
	return err
}
