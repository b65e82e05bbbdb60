package safeshell

import "strings"

// shellKeywords are POSIX shell grammar words and builtins with no
// corresponding external binary to whitelist: they never reach
// validateCommand. Their arguments are still scanned for redirections, so
// ": > /etc/x" is still caught by the redirection check below even though
// ":" itself isn't gated the way an external command is.
var shellKeywords = map[string]bool{
	"cd": true, "export": true, "set": true, "unset": true,
	"if": true, "then": true, "else": true, "elif": true, "fi": true,
	"for": true, "while": true, "until": true, "do": true, "done": true,
	"case": true, "esac": true, "in": true, "exit": true, "return": true,
	"local": true, "readonly": true, "shift": true, "trap": true,
	"break": true, "continue": true, "eval": true, ":": true,
	"true": true, "false": true, "test": true, "[": true,
	"wait": true, "umask": true,
}

// hostCommands names external commands whose first non-flag argument
// names a remote host or URL, checked against the resolved policy's
// network grant (ResolvedPolicy.Net).
var hostCommands = map[string]bool{
	"curl": true, "wget": true, "ssh": true, "scp": true, "nc": true,
	"ncat": true, "ftp": true, "telnet": true, "rsync": true,
}

// scanScript is the primary enforcement gate for code-fragment execution
// (the "exec" operation, spec.md §6 "exec {code,...}"): it statically
// tokenizes code into simple commands and checks each one — along with its
// redirection targets and host-like arguments — against the same command,
// path, and network policy checks the whitelisted "run" operation applies
// to a single command. The preamble's in-child restricted-PATH mechanism
// (see preamble.go) only backstops this; per spec.md §9 it is
// defense-in-depth, not the primary gate.
//
// This is a lexer, not a full POSIX shell parser: it does not resolve
// variable expansion or command substitution. Anything it can't classify
// with confidence is routed through the same whitelist/path checks as a
// known command, so an unrecognized or obfuscated invocation fails closed
// rather than silently passing.
func scanScript(code string, resolved *ResolvedPolicy, env Environment) error {
	for _, stmt := range splitStatements(code) {
		if err := scanStatement(stmt, resolved, env); err != nil {
			return err
		}
	}

	return nil
}

func scanStatement(stmt []string, resolved *ResolvedPolicy, env Environment) error {
	remaining, redirs := extractRedirections(stmt)
	tokens := skipAssignments(remaining)

	if len(tokens) > 0 {
		name := tokens[0]

		if !shellKeywords[name] {
			if err := validateCommand(tokens, resolved, env); err != nil {
				return err
			}
		}

		if hostCommands[name] {
			if host := firstHostArg(tokens[1:]); host != "" {
				if err := checkHost(host, resolved); err != nil {
					return err
				}
			}
		}
	}

	for _, r := range redirs {
		var err error
		if r.write {
			err = checkWrite(r.target, resolved, env)
		} else {
			err = checkRead(r.target, resolved, env)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// statementSeparators are tokens that end one simple command and start the
// next; scanScript checks each simple command independently.
var statementSeparators = map[string]bool{
	";": true, "&&": true, "||": true, "|": true, "&": true, "\n": true,
	"(": true, ")": true,
}

// splitStatements tokenizes code and groups the tokens into one slice per
// simple command, dropping the separators themselves.
func splitStatements(code string) [][]string {
	tokens := tokenizeShell(code)

	var stmts [][]string

	var cur []string

	for _, t := range tokens {
		if statementSeparators[t] {
			if len(cur) > 0 {
				stmts = append(stmts, cur)
				cur = nil
			}

			continue
		}

		cur = append(cur, t)
	}

	if len(cur) > 0 {
		stmts = append(stmts, cur)
	}

	return stmts
}

// redirection is a single ">"/">>"/"<" target extracted from a statement.
type redirection struct {
	target string
	write  bool
}

// extractRedirections pulls redirection operators and their targets out of
// tokens, returning the remaining command/argument tokens separately. "<<"
// (a heredoc) is dropped along with its delimiter word, since the
// delimiter names no filesystem path.
func extractRedirections(tokens []string) ([]string, []redirection) {
	var remaining []string

	var redirs []redirection

	for i := 0; i < len(tokens); i++ {
		t := tokens[i]

		switch t {
		case ">", ">>":
			if i+1 < len(tokens) {
				redirs = append(redirs, redirection{target: tokens[i+1], write: true})
				i++
			}
		case "<":
			if i+1 < len(tokens) {
				redirs = append(redirs, redirection{target: tokens[i+1], write: false})
				i++
			}
		case "<<":
			if i+1 < len(tokens) {
				i++
			}
		default:
			remaining = append(remaining, t)
		}
	}

	return remaining, redirs
}

// skipAssignments drops leading "NAME=value" tokens (shell variable
// assignments prefixing a command) so the first remaining token is always
// the command name.
func skipAssignments(tokens []string) []string {
	i := 0
	for i < len(tokens) && isAssignment(tokens[i]) {
		i++
	}

	return tokens[i:]
}

func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}

	name := tok[:eq]
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			continue
		case i > 0 && r >= '0' && r <= '9':
			continue
		default:
			return false
		}
	}

	return true
}

func firstHostArg(args []string) string {
	for _, a := range args {
		if isFlag(a) {
			continue
		}

		return extractHost(a)
	}

	return ""
}

// extractHost strips a URL's scheme, userinfo, path, and port off arg,
// leaving just the host. Good enough for curl/wget/ssh-style arguments; not
// a general URL parser.
func extractHost(arg string) string {
	s := arg

	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}

	if idx := strings.IndexAny(s, "/?#"); idx >= 0 {
		s = s[:idx]
	}

	if idx := strings.LastIndexByte(s, '@'); idx >= 0 {
		s = s[idx+1:]
	}

	if idx := strings.LastIndexByte(s, ':'); idx >= 0 {
		s = s[:idx]
	}

	return s
}

// tokenizeShell splits code into a flat stream of word and operator
// tokens. Single- and double-quoted spans are treated as opaque (their
// contents never split into separate tokens, and the quote characters
// themselves are stripped); a backslash escapes the next character.
// Comments run from an unquoted "#" to end of line.
func tokenizeShell(code string) []string {
	var tokens []string

	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	runes := []rune(code)

	for i := 0; i < len(runes); i++ {
		c := runes[i]

		switch {
		case c == '\'':
			i++
			for i < len(runes) && runes[i] != '\'' {
				cur.WriteRune(runes[i])
				i++
			}
		case c == '"':
			i++
			for i < len(runes) && runes[i] != '"' {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}
				cur.WriteRune(runes[i])
				i++
			}
		case c == '\\' && i+1 < len(runes):
			cur.WriteRune(runes[i+1])
			i++
		case c == '#' && cur.Len() == 0:
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			i--
		case c == '\n':
			flush()
			tokens = append(tokens, "\n")
		case c == ' ' || c == '\t':
			flush()
		case c == '&' && i+1 < len(runes) && runes[i+1] == '&':
			flush()
			tokens = append(tokens, "&&")
			i++
		case c == '|' && i+1 < len(runes) && runes[i+1] == '|':
			flush()
			tokens = append(tokens, "||")
			i++
		case c == '>' && i+1 < len(runes) && runes[i+1] == '>':
			flush()
			tokens = append(tokens, ">>")
			i++
		case c == '<' && i+1 < len(runes) && runes[i+1] == '<':
			flush()
			tokens = append(tokens, "<<")
			i++
		case c == ';' || c == '|' || c == '&' || c == '>' || c == '<' || c == '(' || c == ')':
			flush()
			tokens = append(tokens, string(c))
		default:
			cur.WriteRune(c)
		}
	}

	flush()

	return tokens
}
