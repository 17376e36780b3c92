package host

import "strings"

// ShellJoinArgs joins args into a single string safe to pass to sh -c.
// Simple arguments (alphanumeric, hyphens, underscores, dots, slashes,
// equals, colons, commas) are left unquoted for readability.
func ShellJoinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuoteArg(arg)
	}
	return strings.Join(quoted, " ")
}

// shellQuoteArg single-quotes arg unless it is made of safe characters.
// Internal single quotes are escaped via the '"'"' pattern.
func shellQuoteArg(arg string) string {
	if arg == "" {
		return "''"
	}
	safe := true
	for _, c := range arg {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '/' || c == '=' || c == ':' || c == ',') {
			safe = false
			break
		}
	}
	if safe {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, `'`, `'"'"'`) + "'"
}
