package inference

import (
	"strconv"
	"strings"
)

// MergeServerArgs merges three tiers of llama-server command-line flags
// into one flat argument list, in ascending precedence: settingArgs (the
// instance-wide defaults), variantArgs (the active build variant's
// overrides), then aliasArgs (the per-alias overrides, which win on
// conflict). A flag repeated across tiers keeps only its highest-precedence
// value.
func MergeServerArgs(settingArgs, variantArgs, aliasArgs []string) []string {
	merged := make(map[string]*string)
	order := make([]string, 0, len(settingArgs)+len(variantArgs)+len(aliasArgs))

	applyTier := func(args []string) {
		for flag, value := range mapFromPairs(parseArgsFromStrings(args)) {
			if _, seen := merged[flag]; !seen {
				order = append(order, flag)
			}
			merged[flag] = value
		}
	}
	applyTier(settingArgs)
	applyTier(variantArgs)
	applyTier(aliasArgs)

	result := make([]string, 0, len(order))
	for _, flag := range order {
		value := merged[flag]
		if value == nil || *value == "" {
			result = append(result, flag)
		} else {
			result = append(result, flag+" "+*value)
		}
	}
	return result
}

type argPair struct {
	flag  string
	value string
}

func mapFromPairs(pairs []argPair) map[string]*string {
	m := make(map[string]*string, len(pairs))
	for _, p := range pairs {
		v := p.value
		m[p.flag] = &v
	}
	return m
}

// parseArgsFromStrings joins args with whitespace and parses the combined
// stream, letting a value legitimately span multiple input strings (e.g.
// a flag split across two config lines).
func parseArgsFromStrings(args []string) []argPair {
	if len(args) == 0 {
		return nil
	}
	return parseArgsFromString(strings.Join(args, " "))
}

// parseArgsFromString tokenizes a single whitespace-separated argument
// string into (flag, value) pairs. A flag with no trailing non-flag
// tokens before the next flag (or end of input) carries an empty value,
// i.e. it's a boolean switch. Tokens before the first flag are ignored.
func parseArgsFromString(argString string) []argPair {
	tokens := strings.Fields(argString)
	var result []argPair
	i := 0
	for i < len(tokens) {
		if !isFlag(tokens[i]) {
			i++
			continue
		}
		flag := tokens[i]
		i++
		var values []string
		for i < len(tokens) && !isFlag(tokens[i]) {
			values = append(values, tokens[i])
			i++
		}
		result = append(result, argPair{flag: flag, value: strings.Join(values, " ")})
	}
	return result
}

// isFlag reports whether token is a command-line flag rather than a
// value. A leading "-" followed by a digit is treated as a negative
// number (a value), not a flag, unless it fails to parse as a number.
func isFlag(token string) bool {
	if !strings.HasPrefix(token, "-") || len(token) == 1 {
		return false
	}
	if strings.HasPrefix(token, "--") {
		return true
	}
	second := token[1]
	if second < '0' || second > '9' {
		return true
	}
	numberPart := token[1:]
	_, intErr := strconv.ParseInt(numberPart, 10, 64)
	_, floatErr := strconv.ParseFloat(numberPart, 64)
	return intErr != nil && floatErr != nil
}
