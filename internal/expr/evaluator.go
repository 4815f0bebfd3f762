package expr

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// The evaluator backs condition transitions, templated configuration and
// script assignments. It must never abort workflow execution: every failure
// path maps to a safe default (false, nil or empty string) plus a warning.

var variablePattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)
var directVariablePattern = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
var methodCallPattern = regexp.MustCompile(`^(.+)\.(contains|startsWith|endsWith)\((.*)\)$`)

// ReplaceVariables substitutes every {{path}} occurrence in the template.
// Missing variables resolve to an empty string.
func ReplaceVariables(template string, vars map[string]any) string {
	return variablePattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := variablePattern.FindStringSubmatch(match)
		if len(groups) < 2 || groups[1] == "" {
			return ""
		}
		v, ok := Lookup(groups[1], vars)
		if !ok {
			return ""
		}
		return FormatValue(v)
	})
}

// EvaluateCondition evaluates a boolean expression against the variable bag.
// Malformed expressions evaluate to false, never to an error.
func EvaluateCondition(expression string, vars map[string]any) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Condition evaluation panicked, treating as false", "expression", expression, "panic", r)
			result = false
		}
	}()
	return evalCondition(strings.TrimSpace(expression), vars)
}

func evalCondition(s string, vars map[string]any) bool {
	s = stripOuterParens(strings.TrimSpace(s))
	if s == "" {
		return false
	}

	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}

	// leftmost logical operator outside parens and quotes wins
	if idx, op := findLogicalOperator(s); idx >= 0 {
		left := s[:idx]
		right := s[idx+len(op.token):]
		if op.or {
			return evalCondition(left, vars) || evalCondition(right, vars)
		}
		return evalCondition(left, vars) && evalCondition(right, vars)
	}

	if strings.HasPrefix(s, "!") {
		return !evalCondition(s[1:], vars)
	}
	if len(s) > 4 && strings.EqualFold(s[:4], "not ") {
		return !evalCondition(s[4:], vars)
	}

	if idx, op := findComparisonOperator(s); idx >= 0 {
		leftRaw := strings.TrimSpace(s[:idx])
		rightRaw := strings.TrimSpace(s[idx+len(op.token):])
		if leftRaw == "" || rightRaw == "" {
			return false
		}
		return compare(resolveOperand(leftRaw, vars), resolveOperand(rightRaw, vars), op.name)
	}

	if ok, matched := evalMethodCall(s, vars); matched {
		return ok
	}

	// bare reference falls back to truthiness; unresolvable text is not a value
	if v, ok := resolveReference(s, vars); ok {
		return Truthy(v)
	}
	return false
}

func stripOuterParens(s string) string {
	for strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		depth := 0
		wrapped := true
		for i, c := range s {
			switch c {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 && i != len(s)-1 {
					wrapped = false
				}
			}
		}
		if !wrapped || depth != 0 {
			return s
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

type logicalOp struct {
	token string
	or    bool
	word  bool
}

var logicalOps = []logicalOp{
	{token: "&&"},
	{token: "||", or: true},
	{token: "and", word: true},
	{token: "or", or: true, word: true},
}

func findLogicalOperator(s string) (int, logicalOp) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			continue
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		for _, op := range logicalOps {
			if i+len(op.token) > len(s) {
				continue
			}
			if !strings.EqualFold(s[i:i+len(op.token)], op.token) {
				continue
			}
			if op.word && !isWordBoundary(s, i, len(op.token)) {
				continue
			}
			return i, op
		}
	}
	return -1, logicalOp{}
}

func isWordBoundary(s string, idx, length int) bool {
	if idx > 0 && !isSpace(s[idx-1]) {
		return false
	}
	if end := idx + length; end < len(s) && !isSpace(s[end]) {
		return false
	}
	return true
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' }

type comparisonOp struct {
	token string
	name  string
	word  bool
}

// order matters: longer tokens must match before their prefixes
var comparisonOps = []comparisonOp{
	{token: ">=", name: "gte"},
	{token: "<=", name: "lte"},
	{token: "==", name: "eq"},
	{token: "!=", name: "ne"},
	{token: ">", name: "gt"},
	{token: "<", name: "lt"},
	{token: "gte", name: "gte", word: true},
	{token: "lte", name: "lte", word: true},
	{token: "eq", name: "eq", word: true},
	{token: "ne", name: "ne", word: true},
	{token: "gt", name: "gt", word: true},
	{token: "lt", name: "lt", word: true},
}

func findComparisonOperator(s string) (int, comparisonOp) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			continue
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		for _, op := range comparisonOps {
			if i+len(op.token) > len(s) {
				continue
			}
			if !strings.EqualFold(s[i:i+len(op.token)], op.token) {
				continue
			}
			if op.word && !isWordBoundary(s, i, len(op.token)) {
				continue
			}
			return i, op
		}
	}
	return -1, comparisonOp{}
}

func compare(left, right any, op string) bool {
	ln, lok := ToNumber(left)
	rn, rok := ToNumber(right)
	if lok && rok {
		switch op {
		case "eq":
			return ln == rn
		case "ne":
			return ln != rn
		case "gt":
			return ln > rn
		case "lt":
			return ln < rn
		case "gte":
			return ln >= rn
		case "lte":
			return ln <= rn
		}
		return false
	}
	ls := strings.ToLower(FormatValue(left))
	rs := strings.ToLower(FormatValue(right))
	switch op {
	case "eq":
		return ls == rs
	case "ne":
		return ls != rs
	case "gt":
		return ls > rs
	case "lt":
		return ls < rs
	case "gte":
		return ls >= rs
	case "lte":
		return ls <= rs
	}
	return false
}

func evalMethodCall(s string, vars map[string]any) (result bool, matched bool) {
	groups := methodCallPattern.FindStringSubmatch(strings.TrimSpace(s))
	if groups == nil {
		return false, false
	}
	receiver := strings.ToLower(FormatValue(resolveOperand(groups[1], vars)))
	arg := strings.ToLower(FormatValue(resolveOperand(groups[3], vars)))
	switch groups[2] {
	case "contains":
		return strings.Contains(receiver, arg), true
	case "startsWith":
		return strings.HasPrefix(receiver, arg), true
	case "endsWith":
		return strings.HasSuffix(receiver, arg), true
	}
	return false, false
}

// resolveOperand turns one side of a comparison into a value: a quoted or
// numeric or boolean literal, a {{var}} reference, a variable path, or, when
// nothing resolves, the raw text itself as a string literal.
func resolveOperand(s string, vars map[string]any) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	if groups := directVariablePattern.FindStringSubmatch(s); groups != nil {
		v, ok := Lookup(groups[1], vars)
		if !ok {
			return nil
		}
		return v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}
	if ok, matched := evalMethodCall(s, vars); matched {
		return ok
	}
	if v, ok := Lookup(s, vars); ok {
		return v
	}
	return s
}

// resolveReference is resolveOperand without the literal-string fallback:
// text that is neither a literal nor a known variable reports no value.
func resolveReference(s string, vars map[string]any) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], true
		}
	}
	if groups := directVariablePattern.FindStringSubmatch(s); groups != nil {
		v, ok := Lookup(groups[1], vars)
		if !ok {
			return nil, true // a missing variable is a value, a falsey one
		}
		return v, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	return Lookup(s, vars)
}

// EvaluateExpression resolves an expression to a typed value. A direct
// {{var}} reference returns the raw value; arithmetic is computed numerically;
// anything else is treated as a substitution template.
func EvaluateExpression(expression string, vars map[string]any) (result any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Expression evaluation panicked, treating as nil", "expression", expression, "panic", r)
			result = nil
		}
	}()
	trimmed := strings.TrimSpace(expression)
	if groups := directVariablePattern.FindStringSubmatch(trimmed); groups != nil {
		v, _ := Lookup(groups[1], vars)
		return v
	}
	substituted := ReplaceVariables(trimmed, vars)
	if isArithmetic(substituted) {
		if f, ok := evalArithmetic(substituted); ok {
			return f
		}
		slog.Warn("Arithmetic expression did not parse, returning substituted text", "expression", expression)
	}
	return substituted
}

func isArithmetic(s string) bool {
	hasDigit := false
	hasOperator := false
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case c == '+' || c == '-' || c == '*' || c == '/' || c == '%':
			hasOperator = true
		case c == '.' || c == '(' || c == ')' || c == ' ' || c == '\t':
		default:
			return false
		}
	}
	return hasDigit && hasOperator
}

type arithmeticParser struct {
	input string
	pos   int
}

func evalArithmetic(s string) (float64, bool) {
	p := &arithmeticParser{input: s}
	v, ok := p.parseSum()
	p.skipSpace()
	if !ok || p.pos != len(p.input) {
		return 0, false
	}
	return v, true
}

func (p *arithmeticParser) skipSpace() {
	for p.pos < len(p.input) && isSpace(p.input[p.pos]) {
		p.pos++
	}
}

func (p *arithmeticParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *arithmeticParser) parseSum() (float64, bool) {
	left, ok := p.parseProduct()
	if !ok {
		return 0, false
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, ok := p.parseProduct()
			if !ok {
				return 0, false
			}
			left += right
		case '-':
			p.pos++
			right, ok := p.parseProduct()
			if !ok {
				return 0, false
			}
			left -= right
		default:
			return left, true
		}
	}
}

func (p *arithmeticParser) parseProduct() (float64, bool) {
	left, ok := p.parseFactor()
	if !ok {
		return 0, false
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, ok := p.parseFactor()
			if !ok {
				return 0, false
			}
			left *= right
		case '/':
			p.pos++
			right, ok := p.parseFactor()
			if !ok || right == 0 {
				return 0, false
			}
			left /= right
		case '%':
			p.pos++
			right, ok := p.parseFactor()
			if !ok || right == 0 {
				return 0, false
			}
			left = float64(int64(left) % int64(right))
		default:
			return left, true
		}
	}
}

func (p *arithmeticParser) parseFactor() (float64, bool) {
	switch p.peek() {
	case '(':
		p.pos++
		v, ok := p.parseSum()
		if !ok || p.peek() != ')' {
			return 0, false
		}
		p.pos++
		return v, true
	case '-':
		p.pos++
		v, ok := p.parseFactor()
		return -v, ok
	}
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return 0, false
	}
	f, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ValidateExpression is an advisory check for definition authors. It reports
// warnings, it never blocks execution.
func ValidateExpression(expression string) []string {
	var warnings []string
	if strings.Count(expression, "{{") != strings.Count(expression, "}}") {
		warnings = append(warnings, "unbalanced variable braces")
	}
	for _, groups := range variablePattern.FindAllStringSubmatch(expression, -1) {
		if strings.TrimSpace(groups[1]) == "" {
			warnings = append(warnings, "empty variable name")
		}
	}
	return warnings
}
