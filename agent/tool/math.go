package tool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/tanpawarit/chative-toolagent/agent/capability"
)

const ToolMathEvaluate = "math.evaluate"

// Digits, whitespace, decimal points, operators and parentheses.
var mathExpressionPattern = regexp.MustCompile(`^[\d\s\+\-\*/%\^\(\)\.]+$`)

type MathEvaluateOutput struct {
	Expression string  `json:"expression"`
	Result     float64 `json:"result"`
}

func MathEvaluate() (*capability.Descriptor, error) {
	return Query(
		ToolMathEvaluate,
		"Evaluate an arithmetic expression with + - * / % ^ and parentheses.",
		map[string]*schema.ParameterInfo{
			"expression": {Type: schema.String, Desc: "Expression to evaluate, e.g. 2 * (3 + 4)", Required: true},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			expression, _ := args["expression"].(string)
			expression = strings.TrimSpace(expression)
			value, err := Evaluate(expression)
			if err != nil {
				return nil, err
			}
			return MathEvaluateOutput{Expression: expression, Result: value}, nil
		},
	)
}

// Evaluate computes an arithmetic expression. ^ is right-associative and
// binds tighter than unary minus on its left operand.
func Evaluate(expression string) (float64, error) {
	if expression == "" {
		return 0, errors.New("expression is empty")
	}
	if !mathExpressionPattern.MatchString(expression) {
		return 0, errors.New("expression contains invalid characters")
	}
	p := &calc{src: expression}
	value, err := p.binary(0)
	if err != nil {
		return 0, err
	}
	p.space()
	if !p.done() {
		return 0, fmt.Errorf("unexpected token at position %d", p.pos)
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return 0, errors.New("result is not a finite number")
	}
	return value, nil
}

type operator struct {
	prec       int
	rightAssoc bool
	apply      func(a, b float64) (float64, error)
}

var operators = map[byte]operator{
	'+': {prec: 1, apply: func(a, b float64) (float64, error) { return a + b, nil }},
	'-': {prec: 1, apply: func(a, b float64) (float64, error) { return a - b, nil }},
	'*': {prec: 2, apply: func(a, b float64) (float64, error) { return a * b, nil }},
	'/': {prec: 2, apply: func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, errors.New("division by zero")
		}
		return a / b, nil
	}},
	'%': {prec: 2, apply: func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, errors.New("modulo by zero")
		}
		return math.Mod(a, b), nil
	}},
	'^': {prec: 3, rightAssoc: true, apply: func(a, b float64) (float64, error) { return math.Pow(a, b), nil }},
}

// calc is a precedence-climbing parser over a validated expression.
type calc struct {
	src string
	pos int
}

func (c *calc) binary(minPrec int) (float64, error) {
	left, err := c.unary()
	if err != nil {
		return 0, err
	}
	for {
		c.space()
		if c.done() {
			return left, nil
		}
		op, ok := operators[c.src[c.pos]]
		if !ok || op.prec < minPrec {
			return left, nil
		}
		c.pos++
		next := op.prec + 1
		if op.rightAssoc {
			next = op.prec
		}
		right, err := c.binary(next)
		if err != nil {
			return 0, err
		}
		if left, err = op.apply(left, right); err != nil {
			return 0, err
		}
	}
}

func (c *calc) unary() (float64, error) {
	c.space()
	switch {
	case c.eat('+'):
		return c.unary()
	case c.eat('-'):
		v, err := c.binary(operators['^'].prec)
		return -v, err
	}
	return c.primary()
}

func (c *calc) primary() (float64, error) {
	c.space()
	if c.eat('(') {
		v, err := c.binary(0)
		if err != nil {
			return 0, err
		}
		c.space()
		if !c.eat(')') {
			return 0, fmt.Errorf("missing closing parenthesis at position %d", c.pos)
		}
		return v, nil
	}

	start := c.pos
	for !c.done() && (c.src[c.pos] == '.' || (c.src[c.pos] >= '0' && c.src[c.pos] <= '9')) {
		c.pos++
	}
	if start == c.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	raw := c.src[start:c.pos]
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", raw)
	}
	return v, nil
}

func (c *calc) space() {
	for !c.done() && strings.IndexByte(" \t\n\r\f", c.src[c.pos]) >= 0 {
		c.pos++
	}
}

func (c *calc) done() bool { return c.pos >= len(c.src) }

func (c *calc) eat(b byte) bool {
	if !c.done() && c.src[c.pos] == b {
		c.pos++
		return true
	}
	return false
}
