package hosts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/hazyhaar/liaison/hl7"
)

// Routing rule conditions are written against the parsed HL7 message:
//
//	{MSH-9.1} = "ADT" AND ({PV1-2} IN ("I", "E") OR {OBX(2)-5} Contains "POS")
//
// Field accessors use terser paths in braces. Operators: = != < <= > >=,
// Contains, StartsWith, EndsWith, IN (list), AND, OR, NOT (applies to a
// parenthesised group), parentheses. Literals are double- or single-quoted
// strings and integers; comparing a field against an integer literal coerces
// the field through integer parsing, where non-numeric content reads as 0.
//
// CompileCondition translates a condition into an expr program once, at
// deploy time; EvalCondition runs the program per message. Accessor paths
// are validated during translation, so a bad path fails the deploy instead
// of a message.

// ConditionError reports a condition that does not translate or compile.
type ConditionError struct {
	Condition string
	Pos       int // byte offset of the offending token, -1 when unknown
	Reason    string
}

func (e *ConditionError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("condition %q: %s (at offset %d)", e.Condition, e.Reason, e.Pos)
	}
	return fmt.Sprintf("condition %q: %s", e.Condition, e.Reason)
}

// CompileCondition translates and compiles a rule condition.
func CompileCondition(src string) (*vm.Program, error) {
	translated, err := translateCondition(src)
	if err != nil {
		return nil, err
	}
	prog, err := expr.Compile(translated, expr.Env(conditionEnv(nil)), expr.AsBool())
	if err != nil {
		return nil, &ConditionError{Condition: src, Pos: -1, Reason: err.Error()}
	}
	return prog, nil
}

// EvalCondition runs a compiled condition against one message.
func EvalCondition(prog *vm.Program, msg *hl7.Message) (bool, error) {
	out, err := expr.Run(prog, conditionEnv(msg))
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition yielded %T, want bool", out)
	}
	return b, nil
}

func conditionEnv(msg *hl7.Message) map[string]any {
	return map[string]any{
		"field": func(path string) string {
			if msg == nil {
				return ""
			}
			return msg.MustField(path)
		},
		"num": func(s string) int {
			n, _ := strconv.Atoi(strings.TrimSpace(s))
			return n
		},
	}
}

type condTokKind int

const (
	tokAccessor condTokKind = iota
	tokString
	tokInt
	tokOp   // == != < <= > >=
	tokWord // && || ! in contains startsWith endsWith true false
	tokLParen
	tokRParen
	tokComma
)

type condTok struct {
	kind condTokKind
	text string // rendered expr fragment
}

func translateCondition(src string) (string, error) {
	toks, err := scanCondition(src)
	if err != nil {
		return "", err
	}
	coerceNumeric(toks)
	out, err := renderCondition(toks)
	if err != nil {
		return "", &ConditionError{Condition: src, Pos: -1, Reason: err.Error()}
	}
	return out, nil
}

func scanCondition(src string) ([]condTok, error) {
	var toks []condTok
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c == '{':
			end := strings.IndexByte(src[i:], '}')
			if end < 0 {
				return nil, &ConditionError{Condition: src, Pos: i, Reason: "unterminated field accessor"}
			}
			path := strings.TrimSpace(src[i+1 : i+end])
			if _, err := hl7.ParsePath(path); err != nil {
				return nil, &ConditionError{Condition: src, Pos: i, Reason: err.Error()}
			}
			toks = append(toks, condTok{kind: tokAccessor, text: fmt.Sprintf("field(%q)", path)})
			i += end + 1
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(src) && src[j] != c {
				j++
			}
			if j >= len(src) {
				return nil, &ConditionError{Condition: src, Pos: i, Reason: "unterminated string literal"}
			}
			toks = append(toks, condTok{kind: tokString, text: strconv.Quote(src[i+1 : j])})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && src[j] >= '0' && src[j] <= '9' {
				j++
			}
			toks = append(toks, condTok{kind: tokInt, text: src[i:j]})
			i = j
		case c == '(':
			toks = append(toks, condTok{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, condTok{kind: tokRParen, text: ")"})
			i++
		case c == ',':
			toks = append(toks, condTok{kind: tokComma, text: ","})
			i++
		case c == '=':
			toks = append(toks, condTok{kind: tokOp, text: "=="})
			i++
			if i < len(src) && src[i] == '=' {
				i++
			}
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, condTok{kind: tokOp, text: "!="})
				i += 2
				break
			}
			return nil, &ConditionError{Condition: src, Pos: i, Reason: "expected != (use NOT for negation)"}
		case c == '<':
			switch {
			case i+1 < len(src) && src[i+1] == '=':
				toks = append(toks, condTok{kind: tokOp, text: "<="})
				i += 2
			case i+1 < len(src) && src[i+1] == '>':
				toks = append(toks, condTok{kind: tokOp, text: "!="})
				i += 2
			default:
				toks = append(toks, condTok{kind: tokOp, text: "<"})
				i++
			}
		case c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, condTok{kind: tokOp, text: ">="})
				i += 2
			} else {
				toks = append(toks, condTok{kind: tokOp, text: ">"})
				i++
			}
		case isCondWordByte(c):
			j := i
			for j < len(src) && isCondWordByte(src[j]) {
				j++
			}
			tok, err := condWord(src[i:j])
			if err != nil {
				return nil, &ConditionError{Condition: src, Pos: i, Reason: err.Error()}
			}
			toks = append(toks, tok)
			i = j
		default:
			return nil, &ConditionError{Condition: src, Pos: i, Reason: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	if len(toks) == 0 {
		return nil, &ConditionError{Condition: src, Pos: 0, Reason: "empty condition"}
	}
	return toks, nil
}

func isCondWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func condWord(w string) (condTok, error) {
	switch strings.ToUpper(w) {
	case "AND":
		return condTok{kind: tokWord, text: "&&"}, nil
	case "OR":
		return condTok{kind: tokWord, text: "||"}, nil
	case "NOT":
		return condTok{kind: tokWord, text: "!"}, nil
	case "IN":
		return condTok{kind: tokWord, text: "in"}, nil
	case "CONTAINS":
		return condTok{kind: tokWord, text: "contains"}, nil
	case "STARTSWITH":
		return condTok{kind: tokWord, text: "startsWith"}, nil
	case "ENDSWITH":
		return condTok{kind: tokWord, text: "endsWith"}, nil
	case "TRUE":
		return condTok{kind: tokWord, text: "true"}, nil
	case "FALSE":
		return condTok{kind: tokWord, text: "false"}, nil
	}
	return condTok{}, fmt.Errorf("unknown word %q", w)
}

// coerceNumeric wraps field accessors compared against integer literals in
// num(), so "{PID-25} > 2" compares integers rather than strings.
func coerceNumeric(toks []condTok) {
	for i := range toks {
		if toks[i].kind != tokOp || i == 0 || i+1 >= len(toks) {
			continue
		}
		l, r := &toks[i-1], &toks[i+1]
		if l.kind == tokInt && r.kind == tokAccessor {
			r.text = "num(" + r.text + ")"
		}
		if r.kind == tokInt && l.kind == tokAccessor {
			l.text = "num(" + l.text + ")"
		}
	}
}

// renderCondition joins the tokens into expr source. IN lists become array
// literals: the parenthesis following "in" opens a bracket, and the matching
// close becomes its closing bracket.
func renderCondition(toks []condTok) (string, error) {
	var b strings.Builder
	var stack []byte
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.kind {
		case tokWord:
			if t.text == "in" {
				if i+1 >= len(toks) || toks[i+1].kind != tokLParen {
					return "", fmt.Errorf("IN must be followed by a parenthesised list")
				}
				b.WriteString(" in [")
				stack = append(stack, '[')
				i++
				continue
			}
			b.WriteString(" ")
			b.WriteString(t.text)
		case tokLParen:
			stack = append(stack, '(')
			b.WriteString(" (")
		case tokRParen:
			if len(stack) == 0 {
				return "", fmt.Errorf("unbalanced parentheses")
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top == '[' {
				b.WriteString(" ]")
			} else {
				b.WriteString(" )")
			}
		default:
			b.WriteString(" ")
			b.WriteString(t.text)
		}
	}
	if len(stack) != 0 {
		return "", fmt.Errorf("unbalanced parentheses")
	}
	return strings.TrimSpace(b.String()), nil
}
