package ast

import (
	"strconv"
	"strings"
)

func unquoteString(value string) string {
	if len(value) < 2 {
		return value
	}
	if value[0] == '\'' && value[len(value)-1] == '\'' {
		inner := value[1 : len(value)-1]
		inner = strings.ReplaceAll(inner, `\'`, `'`)
		return strings.ReplaceAll(inner, `\\`, `\`)
	}
	unquoted, err := strconv.Unquote(value)
	if err != nil {
		return value
	}
	return unquoted
}

// PostProcess normalizes string literals.
func (l *textLiteral) PostProcess() {
	if l == nil || l.String == nil {
		return
	}
	value := unquoteString(*l.String)
	l.String = &value
}
