// Package redisrtest provides an in-process mock redis server for
// tests. Handlers return plain Go values and the server takes care of
// the wire encoding, as defined by the redis serialization protocol
// (http://redis.io/topics/protocol).
package redisrtest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Sentinel and conversion types for handler return values. A plain
// string encodes as a bulk string, the default for redis replies.
type (
	// OK encodes the +OK simple string.
	OK struct{}
	// Pong encodes the +PONG simple string.
	Pong struct{}
	// NoReply suppresses the reply entirely, leaving the client
	// waiting. Useful to simulate a stalled or blocking command.
	NoReply struct{}
	// Error encodes a redis error reply.
	Error string
	// SimpleString encodes a simple (status) string reply.
	SimpleString string
	// Array encodes a multi-bulk reply; elements are encoded
	// recursively.
	Array []interface{}
)

var errBadValue = errors.New("redisrtest: unencodable reply value")

func encodeRESP(w io.Writer, v interface{}) error {
	switch v := v.(type) {
	case OK:
		_, err := io.WriteString(w, "+OK\r\n")
		return err
	case Pong:
		_, err := io.WriteString(w, "+PONG\r\n")
		return err
	case SimpleString:
		_, err := fmt.Fprintf(w, "+%s\r\n", string(v))
		return err
	case Error:
		_, err := fmt.Fprintf(w, "-%s\r\n", string(v))
		return err
	case int:
		_, err := fmt.Fprintf(w, ":%d\r\n", v)
		return err
	case int64:
		_, err := fmt.Fprintf(w, ":%d\r\n", v)
		return err
	case bool:
		n := 0
		if v {
			n = 1
		}
		_, err := fmt.Fprintf(w, ":%d\r\n", n)
		return err
	case nil:
		_, err := io.WriteString(w, "$-1\r\n")
		return err
	case string:
		return encodeBulk(w, []byte(v))
	case []byte:
		return encodeBulk(w, v)
	case []string:
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, el := range v {
			if err := encodeBulk(w, []byte(el)); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		return encodeRESP(w, Array(v))
	case Array:
		if v == nil {
			_, err := io.WriteString(w, "*-1\r\n")
			return err
		}
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, el := range v {
			if err := encodeRESP(w, el); err != nil {
				return err
			}
		}
		return nil
	}
	return errBadValue
}

func encodeBulk(w io.Writer, b []byte) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n", len(b)); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// decodeCommand reads one client request, which the protocol requires
// to be an array of bulk strings.
func decodeCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("redisrtest: bad request prefix %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 1 {
		return nil, fmt.Errorf("redisrtest: bad request length %q", line)
	}

	args := make([]string, n)
	for i := range args {
		line, err = readLine(r)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, fmt.Errorf("redisrtest: bad argument prefix %q", line)
		}
		sz, err := strconv.Atoi(line[1:])
		if err != nil || sz < 0 {
			return nil, fmt.Errorf("redisrtest: bad argument length %q", line)
		}
		buf := make([]byte, sz+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args[i] = string(buf[:sz])
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
