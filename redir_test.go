package redisr

import (
	"errors"
	"testing"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedir(t *testing.T) {
	cases := []struct {
		err  error
		typ  string
		slot int
		addr string
	}{
		{redis.Error("MOVED 3999 127.0.0.1:6381"), "MOVED", 3999, "127.0.0.1:6381"},
		{redis.Error("ASK 42 10.0.0.5:7002"), "ASK", 42, "10.0.0.5:7002"},
		{redis.Error("MOVED 0 :7000"), "MOVED", 0, ":7000"},
		{redis.Error("MOVED 16383 h:1"), "MOVED", 16383, "h:1"},

		{redis.Error("MOVED 16384 127.0.0.1:6381"), "", 0, ""}, // slot out of range
		{redis.Error("MOVED -1 127.0.0.1:6381"), "", 0, ""},
		{redis.Error("MOVED abc 127.0.0.1:6381"), "", 0, ""},
		{redis.Error("MOVED 3999"), "", 0, ""},
		{redis.Error("MOVED 3999 127.0.0.1"), "", 0, ""}, // no port separator
		{redis.Error("MOVING 3999 127.0.0.1:6381"), "", 0, ""},
		{redis.Error("ERR unknown command"), "", 0, ""},
		{errors.New("MOVED 3999 127.0.0.1:6381"), "", 0, ""}, // not an error reply
		{nil, "", 0, ""},
	}

	for _, c := range cases {
		re := ParseRedir(c.err)
		if c.typ == "" {
			assert.Nil(t, re, "%v", c.err)
			continue
		}
		require.NotNil(t, re, "%v", c.err)
		assert.Equal(t, c.typ, re.Type)
		assert.Equal(t, c.slot, re.NewSlot)
		assert.Equal(t, c.addr, re.Addr)
		assert.Equal(t, c.err.Error(), re.Error())
	}
}
