package clause

import (
	"fmt"
	"strings"
)

// Clause represents an SQL clause in a SQL query
type Clause struct {
	str  string
	args []interface{}
}

func (c *Clause) Text() string {
	return c.str
}

func (c *Clause) Args() []interface{} {
	return c.args
}

// New creates a Clause from the given arguments
func New(clause string, args ...interface{}) *Clause {
	return &Clause{
		str:  clause,
		args: args,
	}
}

// Where creates a where clause; ex. Where("id = ?", 1)
func Where(condition string, args ...interface{}) *Clause {
	return New(fmt.Sprintf("where %s", condition), args...)
}

// In creates an "in (...)" clause with one placeholder per argument
func In(args ...interface{}) *Clause {
	params := make([]string, len(args))
	for i := range params {
		params[i] = "?"
	}

	return New(fmt.Sprintf("in (%s)", strings.Join(params, ",")), args...)
}

func OrderBy(order string) *Clause {
	return New(fmt.Sprintf("order by %s", order))
}

func Limit(n int) *Clause {
	return New("limit ?", n)
}
