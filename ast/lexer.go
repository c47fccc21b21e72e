package ast

import "github.com/alecthomas/participle/v2/lexer"

// Lexer defines the token rules for stored rule text such as
// (age > 30) AND (department = 'Sales').
var Lexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{Name: "Whitespace", Pattern: `\s+`, Action: nil},
		{Name: "Number", Pattern: `-?\d+(?:\.\d+)?`, Action: nil},
		{Name: "String", Pattern: `"(?:\\.|[^"])*"|'(?:\\.|[^'])*'`, Action: nil},
		{Name: "Operator", Pattern: `>=|<=|>|<|=`, Action: nil},
		{Name: "And", Pattern: `(?i)AND\b`, Action: nil},
		{Name: "Or", Pattern: `(?i)OR\b`, Action: nil},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`, Action: nil},
		{Name: "Punct", Pattern: `[()]`, Action: nil},
	},
})
