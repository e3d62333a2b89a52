// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package docstage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ParseLiteral parses a Python-style literal, as found in tables produced by
// pandas based exporters, into the values a JSON decoder would produce:
// map[string]any, []any, string, json.Number, bool and nil.
//
// Dicts, lists, tuples and sets are supported, as are single, double and
// triple quoted strings with the usual escapes, True, False and None.
// Tuples and sets become slices. Non-string dict keys are converted to
// their JSON text.
func ParseLiteral(s string) (any, error) {
	v, _, err := parseLiteral(s)
	return v, err
}

// parseLiteral is ParseLiteral, also reporting whether the outermost value
// is a set.
func parseLiteral(s string) (v any, isSet bool, err error) {
	p := literalParser{s: s}
	p.skipSpace()
	p.root = p.pos
	v, err = p.value()
	if err != nil {
		return nil, false, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, false, p.errorf("unexpected trailing data")
	}
	return v, p.rootSet, nil
}

type literalParser struct {
	s   string
	pos int

	// root is the offset of the outermost value.
	root    int
	rootSet bool
}

func (p *literalParser) errorf(format string, args ...any) error {
	return fmt.Errorf("invalid literal at offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.s) {
		switch p.s[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *literalParser) peek() byte {
	if p.pos < len(p.s) {
		return p.s[p.pos]
	}
	return 0
}

func (p *literalParser) value() (any, error) {
	if p.pos >= len(p.s) {
		return nil, p.errorf("unexpected end of input")
	}
	c := p.s[p.pos]
	switch {
	case c == '{':
		return p.dictOrSet()
	case c == '[':
		return p.sequence('[', ']')
	case c == '(':
		return p.sequence('(', ')')
	case c == '\'' || c == '"':
		return p.strings()
	case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	case isIdentStart(c):
		return p.identifier()
	}
	return nil, p.errorf("unexpected character %q", c)
}

func (p *literalParser) sequence(open, close byte) ([]any, error) {
	p.pos++ // open
	out := []any{}
	for {
		p.skipSpace()
		if p.peek() == close {
			p.pos++
			return out, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case close:
			p.pos++
			return out, nil
		default:
			return nil, p.errorf("expected ',' or %q", close)
		}
	}
}

func (p *literalParser) dictOrSet() (any, error) {
	open := p.pos
	p.pos++ // {
	p.skipSpace()
	if p.peek() == '}' {
		p.pos++
		return map[string]any{}, nil
	}
	first, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peek() != ':' {
		// A set literal.
		p.rootSet = p.rootSet || open == p.root
		out := []any{first}
		for {
			p.skipSpace()
			switch p.peek() {
			case ',':
				p.pos++
			case '}':
				p.pos++
				return out, nil
			default:
				return nil, p.errorf("expected ',' or '}'")
			}
			p.skipSpace()
			if p.peek() == '}' {
				p.pos++
				return out, nil
			}
			v, err := p.value()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
	out := make(map[string]any)
	key := first
	for {
		p.pos++ // :
		p.skipSpace()
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		k, err := literalKey(key)
		if err != nil {
			return nil, p.errorf("%v", err)
		}
		out[k] = v
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return out, nil
		default:
			return nil, p.errorf("expected ',' or '}'")
		}
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return out, nil
		}
		if key, err = p.value(); err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, p.errorf("expected ':'")
		}
	}
}

func literalKey(key any) (string, error) {
	switch k := key.(type) {
	case string:
		return k, nil
	case json.Number:
		return k.String(), nil
	case bool:
		return strconv.FormatBool(k), nil
	case nil:
		return "null", nil
	}
	return "", fmt.Errorf("unsupported dict key type %T", key)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func (p *literalParser) identifier() (any, error) {
	start := p.pos
	for p.pos < len(p.s) && (isIdentStart(p.s[p.pos]) || (p.s[p.pos] >= '0' && p.s[p.pos] <= '9')) {
		p.pos++
	}
	word := p.s[start:p.pos]
	switch word {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return nil, nil
	}
	// String prefixes, e.g. u'x' or r"x\d".
	if q := p.peek(); (q == '\'' || q == '"') && len(word) <= 2 {
		lower := strings.ToLower(word)
		if strings.Trim(lower, "rub") == "" {
			p.pos = start
			return p.strings()
		}
	}
	p.pos = start
	return nil, p.errorf("unexpected name %q", word)
}

// strings parses one or more adjacent string literals and concatenates them.
func (p *literalParser) strings() (string, error) {
	var sb strings.Builder
	for {
		s, err := p.stringLiteral()
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
		save := p.pos
		p.skipSpace()
		c := p.peek()
		if c == '\'' || c == '"' {
			continue
		}
		if isIdentStart(c) {
			end := p.pos
			for end < len(p.s) && isIdentStart(p.s[end]) {
				end++
			}
			prefix := strings.ToLower(p.s[p.pos:end])
			if end < len(p.s) && (p.s[end] == '\'' || p.s[end] == '"') && len(prefix) <= 2 && strings.Trim(prefix, "rub") == "" {
				continue
			}
		}
		p.pos = save
		return sb.String(), nil
	}
}

func (p *literalParser) stringLiteral() (string, error) {
	raw := false
	for p.pos < len(p.s) && isIdentStart(p.s[p.pos]) {
		switch p.s[p.pos] {
		case 'r', 'R':
			raw = true
		case 'u', 'U', 'b', 'B':
		default:
			return "", p.errorf("invalid string prefix")
		}
		p.pos++
	}
	if p.pos >= len(p.s) {
		return "", p.errorf("unexpected end of input")
	}
	q := p.s[p.pos]
	if q != '\'' && q != '"' {
		return "", p.errorf("expected quote")
	}
	delim := string(q)
	if strings.HasPrefix(p.s[p.pos:], strings.Repeat(delim, 3)) {
		delim = strings.Repeat(delim, 3)
	}
	p.pos += len(delim)
	var sb strings.Builder
	for {
		if p.pos >= len(p.s) {
			return "", p.errorf("unterminated string")
		}
		if strings.HasPrefix(p.s[p.pos:], delim) {
			p.pos += len(delim)
			return sb.String(), nil
		}
		c := p.s[p.pos]
		if c == '\n' && len(delim) == 1 {
			return "", p.errorf("newline in string")
		}
		if c != '\\' {
			r, size := utf8.DecodeRuneInString(p.s[p.pos:])
			sb.WriteRune(r)
			p.pos += size
			continue
		}
		if p.pos+1 >= len(p.s) {
			return "", p.errorf("unterminated escape")
		}
		if raw {
			sb.WriteByte('\\')
			sb.WriteByte(p.s[p.pos+1])
			p.pos += 2
			continue
		}
		if err := p.escape(&sb); err != nil {
			return "", err
		}
	}
}

func (p *literalParser) escape(sb *strings.Builder) error {
	e := p.s[p.pos+1]
	p.pos += 2
	switch e {
	case '\n':
	case '\\', '\'', '"':
		sb.WriteByte(e)
	case 'n':
		sb.WriteByte('\n')
	case 't':
		sb.WriteByte('\t')
	case 'r':
		sb.WriteByte('\r')
	case 'a':
		sb.WriteByte('\a')
	case 'b':
		sb.WriteByte('\b')
	case 'f':
		sb.WriteByte('\f')
	case 'v':
		sb.WriteByte('\v')
	case 'x', 'u', 'U':
		n := map[byte]int{'x': 2, 'u': 4, 'U': 8}[e]
		if p.pos+n > len(p.s) {
			return p.errorf("truncated \\%c escape", e)
		}
		code, err := strconv.ParseUint(p.s[p.pos:p.pos+n], 16, 32)
		if err != nil {
			return p.errorf("invalid \\%c escape", e)
		}
		sb.WriteRune(rune(code))
		p.pos += n
	case '0', '1', '2', '3', '4', '5', '6', '7':
		start := p.pos - 1
		for p.pos < len(p.s) && p.pos-start < 3 && p.s[p.pos] >= '0' && p.s[p.pos] <= '7' {
			p.pos++
		}
		code, _ := strconv.ParseUint(p.s[start:p.pos], 8, 32)
		sb.WriteRune(rune(code))
	default:
		// Unknown escapes are kept verbatim.
		sb.WriteByte('\\')
		sb.WriteByte(e)
	}
	return nil
}

func (p *literalParser) number() (any, error) {
	start := p.pos
	if c := p.peek(); c == '-' || c == '+' {
		p.pos++
		p.skipSpace()
	}
	digitsStart := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == '_' || c == 'x' || c == 'X' || c == 'o' || c == 'O' ||
			(c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			p.pos++
			continue
		}
		if (c == '+' || c == '-') && p.pos > digitsStart && (p.s[p.pos-1] == 'e' || p.s[p.pos-1] == 'E') {
			p.pos++
			continue
		}
		break
	}
	if p.pos == digitsStart {
		return nil, p.errorf("invalid number")
	}
	sign := ""
	if p.s[start] == '-' {
		sign = "-"
	}
	text := strings.ReplaceAll(p.s[digitsStart:p.pos], "_", "")
	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, "0x") || strings.HasPrefix(lower, "0o") || strings.HasPrefix(lower, "0b") {
		n, err := strconv.ParseInt(sign+lower, 0, 64)
		if err != nil {
			return nil, p.errorf("invalid number %q", text)
		}
		return json.Number(strconv.FormatInt(n, 10)), nil
	}
	if isJSONNumber(sign + text) {
		return json.Number(sign + text), nil
	}
	f, err := strconv.ParseFloat(sign+text, 64)
	if err != nil {
		return nil, p.errorf("invalid number %q", text)
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// isJSONNumber reports whether s is a valid JSON number.
func isJSONNumber(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[i] == '-' {
		i++
	}
	digits := func() int {
		n := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			n++
		}
		return n
	}
	if i < len(s) && s[i] == '0' {
		i++
	} else if digits() == 0 {
		return false
	}
	if i < len(s) && s[i] == '.' {
		i++
		if digits() == 0 {
			return false
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		if digits() == 0 {
			return false
		}
	}
	return i == len(s)
}
