package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSimpleCommand(t *testing.T) {
	p := Parse("connect db1")
	assert.Equal(t, "connect", p.Command)
	assert.Equal(t, []string{"db1"}, p.Args)
}

func TestParseQuotedArguments(t *testing.T) {
	p := Parse(`query "select * from users" 'second arg'`)
	assert.Equal(t, "query", p.Command)
	assert.Equal(t, []string{"select * from users", "second arg"}, p.Args)
}

func TestParseEscapedQuoteInsideQuotes(t *testing.T) {
	p := Parse(`echo "say \"hi\""`)
	assert.Equal(t, "echo", p.Command)
	assert.Equal(t, []string{`say "hi"`}, p.Args)
}

func TestParseEmptyLine(t *testing.T) {
	p := Parse("   ")
	assert.Equal(t, "", p.Command)
	assert.Nil(t, p.Args)
}

func TestJoinContinuationsMergesBackslashLines(t *testing.T) {
	joined := JoinContinuations([]string{"query select * \\", "from users"})
	assert.Equal(t, "query select * from users", joined)
}

func TestJoinContinuationsPreservesLinesWithoutBackslash(t *testing.T) {
	joined := JoinContinuations([]string{"first", "second"})
	assert.Equal(t, "first\nsecond", joined)
}
