package skillpack

import (
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches $ARGUMENTS[N], $ARGUMENTS, or $N — the same
// three placeholder shapes original_source/excelmanus/skillpacks/
// arguments.py substitutes.
var placeholderPattern = regexp.MustCompile(`\$ARGUMENTS\[(\d+)\]|\$ARGUMENTS|\$(\d+)`)

// ParseArguments tokenizes a raw activate_skill argument string into
// positional arguments, honoring single and double quotes as grouping
// (not escaping — a quote char inside the opposite quote type is literal).
// Ported from parse_arguments's character-state-machine loop.
func ParseArguments(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var args []string
	var current strings.Builder
	tokenStarted := false
	state := "normal"

	flush := func() {
		if tokenStarted {
			args = append(args, current.String())
			current.Reset()
			tokenStarted = false
		}
	}

	for _, ch := range raw {
		switch state {
		case "normal":
			switch {
			case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
				flush()
			case ch == '"':
				state = "double_quote"
				tokenStarted = true
			case ch == '\'':
				state = "single_quote"
				tokenStarted = true
			default:
				current.WriteRune(ch)
				tokenStarted = true
			}
		case "double_quote":
			if ch == '"' {
				state = "normal"
			} else {
				current.WriteRune(ch)
			}
		case "single_quote":
			if ch == '\'' {
				state = "normal"
			} else {
				current.WriteRune(ch)
			}
		}
	}
	flush()
	return args
}

// Substitute replaces $ARGUMENTS[N]/$ARGUMENTS/$N placeholders in template
// with the corresponding positional argument, or "" if the index is out of
// range. $ARGUMENTS[N] counts from 0; $N counts from 1 ($1 is the first
// argument, $0 is always ""). If the result is all whitespace after
// substitution, returns "" —
// matching substitute()'s "nothing meaningful left" behavior.
func Substitute(template string, args []string) string {
	if template == "" {
		return ""
	}
	if !placeholderPattern.MatchString(template) {
		return template
	}

	joined := strings.Join(args, " ")

	replaced := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		switch {
		case sub[1] != "": // $ARGUMENTS[N]
			idx, _ := strconv.Atoi(sub[1])
			if idx < len(args) {
				return args[idx]
			}
			return ""
		case match == "$ARGUMENTS":
			return joined
		case sub[2] != "": // $N
			idx, _ := strconv.Atoi(sub[2])
			if idx >= 1 && idx <= len(args) {
				return args[idx-1]
			}
			return ""
		default:
			return match
		}
	})

	if strings.TrimSpace(replaced) == "" {
		return ""
	}
	return replaced
}
