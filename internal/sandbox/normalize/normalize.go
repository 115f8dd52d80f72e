// Package normalize strips lightweight static-type syntax from configuration
// source so it can run as plain script.
//
// It is a heuristic made of four ordered textual passes, not a parser. Type
// syntax inside string or template literals, nested generics and multi-line
// unions are not handled; such input fails later with an ordinary script error.
package normalize

import (
	"regexp"
	"strings"
)

// typeChars is the character set a type expression may consist of.
const typeChars = `\w<>\[\],\s|&`

var (
	declaratorPattern = regexp.MustCompile(`\b(const|let|var)\s+(\w+)\s*:\s*[` + typeChars + `]+\s*=`)
	paramGroupPattern = regexp.MustCompile(`\(([^()]*)\)`)
	assertionPattern  = regexp.MustCompile(`\s+as\s`)
	genericPattern    = regexp.MustCompile(`(\w+)<[` + typeChars + `]+>\(`)
	paramNamePattern  = regexp.MustCompile(`^(\.\.\.)?[\w$]+\??$`)
)

// Strip applies the passes in order, each over the output of the previous one:
//
//  1. `const x: T =`  -> `const x =`
//  2. `(a: T, b: U)`  -> `(a, b)`
//  3. `expr as T;`    -> `expr;`
//  4. `fn<T>(`        -> `fn(`
func Strip(code string) string {
	out := stripDeclarators(code)
	out = stripParams(out)
	out = stripAssertions(out)
	return stripGenerics(out)
}

func stripDeclarators(code string) string {
	return declaratorPattern.ReplaceAllString(code, "$1 $2 =")
}

func stripGenerics(code string) string {
	return genericPattern.ReplaceAllString(code, "$1(")
}

func stripParams(code string) string {
	return paramGroupPattern.ReplaceAllStringFunc(code, func(group string) string {
		inner := group[1 : len(group)-1]
		params := splitTopLevel(inner)
		for i, p := range params {
			params[i] = strings.TrimSpace(stripParam(p))
		}
		return "(" + strings.Join(params, ", ") + ")"
	})
}

// splitTopLevel splits on commas outside (), [], {} and <> nesting and
// outside string literals.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		start int
		quote byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}', '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// stripParam removes the first top-level `: type` annotation from a single
// parameter. The text before the colon has to look like a parameter name or a
// destructuring pattern; object literals and ternaries are left alone.
func stripParam(p string) string {
	var (
		depth int
		quote byte
	)
	for i := 0; i < len(p); i++ {
		c := p[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
			continue
		case '(', '[', '{', '<':
			depth++
			continue
		case ')', ']', '}', '>':
			if depth > 0 {
				depth--
			}
			continue
		case ':':
		default:
			continue
		}
		if depth > 0 {
			continue
		}

		name := strings.TrimSpace(p[:i])
		if !isParamName(name) {
			return p
		}
		end, ok := annotationEnd(p, i+1, ",)=", true)
		if !ok {
			return p
		}
		name = strings.TrimSuffix(name, "?")
		rest := strings.TrimLeft(p[end:], " \t\r\n")
		if rest == "" {
			return name
		}
		return name + " " + rest
	}
	return p
}

func isParamName(name string) bool {
	if paramNamePattern.MatchString(name) {
		return true
	}
	return len(name) > 1 && (name[0] == '{' && name[len(name)-1] == '}' || name[0] == '[' && name[len(name)-1] == ']')
}

// stripAssertions removes ` as Type` when the type is followed by a statement
// or expression terminator, or by the end of the text.
func stripAssertions(code string) string {
	var b strings.Builder
	pos := 0
	for {
		loc := assertionPattern.FindStringIndex(code[pos:])
		if loc == nil {
			break
		}
		start, asEnd := pos+loc[0], pos+loc[1]
		end, ok := annotationEnd(code, asEnd, ";,)]}", false)
		if !ok {
			b.WriteString(code[pos:asEnd])
			pos = asEnd
			continue
		}
		b.WriteString(code[pos:start])
		pos = end
	}
	b.WriteString(code[pos:])
	return b.String()
}

// annotationEnd scans the longest run of type characters starting at from and
// (plus '?' when optional is set) and then backs off until the text after the run, ignoring leading whitespace, is
// empty or starts with one of terminators. At least one type character must
// remain in the run.
func annotationEnd(s string, from int, terminators string, optional bool) (int, bool) {
	end := from
	for end < len(s) && (isTypeChar(s[end]) || optional && s[end] == '?') {
		end++
	}
	for k := end; k > from; k-- {
		if k == len(s) {
			return k, true
		}
		rest := strings.TrimLeft(s[k:], " \t\r\n")
		if rest == "" || strings.IndexByte(terminators, rest[0]) >= 0 {
			return k, true
		}
	}
	return 0, false
}

func isTypeChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '_', '<', '>', '[', ']', ',', '|', '&', ' ', '\t', '\r', '\n', '\f', '\v':
		return true
	}
	return false
}
