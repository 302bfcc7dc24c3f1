package sqliteutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsurePragmas(t *testing.T) {
	var testCases = []struct {
		description string
		dsn         string
		expect      string
	}{
		{description: "memory untouched", dsn: ":memory:", expect: ":memory:"},
		{description: "shared memory untouched", dsn: "file:x?mode=memory&cache=shared", expect: "file:x?mode=memory&cache=shared"},
		{description: "file", dsn: "/tmp/a.db", expect: "/tmp/a.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"},
		{description: "existing query", dsn: "/tmp/a.db?_pragma=busy_timeout(10)", expect: "/tmp/a.db?_pragma=busy_timeout(10)&_pragma=journal_mode(WAL)"},
	}
	for _, testCase := range testCases {
		assert.Equal(t, testCase.expect, EnsurePragmas(testCase.dsn, true, 5000), testCase.description)
	}
}
