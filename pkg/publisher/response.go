package publisher

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errMalformedStatus = errors.New("malformed status line")

// statusInfo is everything the publisher needs from a collector response:
// the typed status code and whether the server asked to drop the session.
type statusInfo struct {
	Code      int
	ConnClose bool
}

// responseParser consumes the status line and header block of an HTTP/1.1
// response incrementally. The body carries no meaning for the publisher;
// parsing stops at the blank line that ends the headers.
type responseParser struct {
	buf       []byte
	info      statusInfo
	gotStatus bool
	finished  bool
}

func (p *responseParser) feed(data []byte) error {
	if p.finished {
		return nil
	}
	p.buf = append(p.buf, data...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			return nil
		}
		line := strings.TrimRight(string(p.buf[:i]), "\r")
		p.buf = p.buf[i+1:]

		if !p.gotStatus {
			code, err := parseStatusLine(line)
			if err != nil {
				return err
			}
			p.info.Code = code
			p.gotStatus = true
			continue
		}
		if line == "" {
			p.finished = true
			p.buf = nil
			return nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Connection") &&
			strings.EqualFold(strings.TrimSpace(value), "close") {
			p.info.ConnClose = true
		}
	}
}

func (p *responseParser) complete() bool { return p.finished }

func parseStatusLine(line string) (int, error) {
	if !strings.HasPrefix(line, "HTTP/1.") {
		return 0, fmt.Errorf("%w: %q", errMalformedStatus, line)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("%w: %q", errMalformedStatus, line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, fmt.Errorf("%w: %q", errMalformedStatus, line)
	}
	return code, nil
}
