package redisr

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
)

// RedirError is a cluster redirection error as returned by a node that
// does not hold the requested slot. Type is either "MOVED", for a slot
// whose ownership changed permanently, or "ASK", for a slot that is
// being migrated and must be requested with a preceding ASKING command.
type RedirError struct {
	Type    string
	NewSlot int
	Addr    string

	raw string
}

func (e *RedirError) Error() string { return e.raw }

// ParseRedir parses err into a *RedirError if it is a well-formed MOVED
// or ASK error reply ("MOVED <slot> <host>:<port>"). It returns nil for
// any other error.
func ParseRedir(err error) *RedirError {
	var re redis.Error
	if !errors.As(err, &re) {
		return nil
	}

	parts := strings.Fields(string(re))
	if len(parts) != 3 || (parts[0] != "MOVED" && parts[0] != "ASK") {
		return nil
	}
	slot, err2 := strconv.Atoi(parts[1])
	if err2 != nil || slot < 0 || slot >= hashSlots {
		return nil
	}
	if !strings.Contains(parts[2], ":") {
		return nil
	}
	return &RedirError{
		Type:    parts[0],
		NewSlot: slot,
		Addr:    parts[2],
		raw:     string(re),
	}
}
