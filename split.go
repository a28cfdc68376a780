package migrate

import "strings"

// Dialect selects the lexical rules SplitStatements follows.
type Dialect int

const (
	// DialectStandard treats a backslash in a string as an ordinary
	// character, as PostgreSQL and SQLite do. E'...' strings still honor
	// backslash escapes.
	DialectStandard Dialect = iota

	// DialectMySQL honors backslash escapes in strings and # line comments.
	DialectMySQL
)

// SplitStatements splits a migration body into statements that can be sent
// to the database one at a time. Semicolons inside quoted strings, quoted
// identifiers, dollar-quoted bodies and comments don't end a statement, nor
// do those inside the BEGIN ... END body of a CREATE TRIGGER, PROCEDURE,
// FUNCTION or EVENT. Statements made only of whitespace and comments are
// dropped.
func SplitStatements(body string, d Dialect) []string {
	var (
		stmts   []string
		cur     strings.Builder
		hasCode bool
		blk     block
	)
	flush := func() {
		stmt := strings.TrimSpace(cur.String())
		if hasCode && stmt != "" {
			stmts = append(stmts, stmt)
		}
		cur.Reset()
		hasCode = false
		blk = block{}
	}
	lineComment := func(i int) int {
		end := strings.IndexByte(body[i:], '\n')
		if end < 0 {
			end = len(body) - i
		}
		cur.WriteString(body[i : i+end])
		return i + end - 1
	}
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case ch == '-' && i+1 < len(body) && body[i+1] == '-':
			i = lineComment(i)
		case ch == '#' && d == DialectMySQL:
			i = lineComment(i)
		case ch == '/' && i+1 < len(body) && body[i+1] == '*':
			end := strings.Index(body[i+2:], "*/")
			if end < 0 {
				end = len(body) - i
			} else {
				end += 4
			}
			cur.WriteString(body[i : i+end])
			i += end - 1
		case ch == '\'' || ch == '"' || ch == '`':
			end := closingQuote(body, i, d)
			cur.WriteString(body[i:end])
			i = end - 1
			hasCode = true
		case ch == '$':
			tag, ok := dollarTag(body, i)
			if !ok {
				cur.WriteByte(ch)
				hasCode = true
				continue
			}
			end := strings.Index(body[i+len(tag):], tag)
			if end < 0 {
				end = len(body)
			} else {
				end += i + 2*len(tag)
			}
			cur.WriteString(body[i:end])
			i = end - 1
			hasCode = true
		case isWordChar(ch):
			end := i + 1
			for end < len(body) && isWordChar(body[end]) {
				end++
			}
			blk.word(strings.ToUpper(body[i:end]), body[end:])
			cur.WriteString(body[i:end])
			i = end - 1
			hasCode = true
		case ch == ';' && blk.depth <= 0:
			flush()
		default:
			cur.WriteByte(ch)
			if !isSpace(ch) {
				hasCode = true
			}
		}
	}
	flush()
	return stmts
}

// block follows the keywords of one statement to tell whether a semicolon
// sits inside a compound body.
type block struct {
	words    int
	create   bool
	kind     string
	depth    int
	skipNext bool
}

var (
	// objectKinds are the words that name what a CREATE statement creates.
	objectKinds = map[string]bool{
		"TABLE": true, "VIEW": true, "INDEX": true, "TRIGGER": true,
		"PROCEDURE": true, "FUNCTION": true, "EVENT": true, "SCHEMA": true,
		"DATABASE": true, "SEQUENCE": true, "TYPE": true, "EXTENSION": true,
		"DOMAIN": true, "ROLE": true, "USER": true,
	}

	// compoundKinds may carry a BEGIN ... END body.
	compoundKinds = map[string]bool{
		"TRIGGER": true, "PROCEDURE": true, "FUNCTION": true, "EVENT": true,
	}

	// endsOther are the words after END that close a construct whose
	// opener isn't counted, such as END IF.
	endsOther = map[string]bool{
		"IF": true, "LOOP": true, "WHILE": true, "REPEAT": true,
	}
)

// word feeds the next keyword or identifier of the statement. rest is the
// text following it.
func (b *block) word(w, rest string) {
	b.words++
	if b.words == 1 {
		b.create = w == "CREATE"
		return
	}
	if !b.create {
		return
	}
	if b.kind == "" {
		if objectKinds[w] {
			b.kind = w
		}
		return
	}
	if !compoundKinds[b.kind] {
		return
	}
	if b.skipNext {
		b.skipNext = false
		return
	}
	switch w {
	case "BEGIN", "CASE":
		b.depth++
	case "END":
		next := strings.ToUpper(nextWord(rest))
		switch {
		case endsOther[next]:
			b.skipNext = true
		case next == "CASE":
			b.skipNext = true
			b.depth--
		default:
			b.depth--
		}
	}
}

// nextWord returns the word that starts s after any whitespace.
func nextWord(s string) string {
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	j := i
	for j < len(s) && isWordChar(s[j]) {
		j++
	}
	return s[i:j]
}

// closingQuote returns the index just past the quote that closes the one
// opened at body[start]. A doubled quote character stays inside the string,
// as does a backslash escape where d or an E'...' prefix allows one. An
// unterminated quote runs to the end.
func closingQuote(body string, start int, d Dialect) int {
	q := body[start]
	escapes := q != '`' && (d == DialectMySQL || escapeString(body, start))
	for i := start + 1; i < len(body); i++ {
		switch body[i] {
		case '\\':
			if escapes {
				i++
			}
		case q:
			if i+1 < len(body) && body[i+1] == q {
				i++
				continue
			}
			return i + 1
		}
	}
	return len(body)
}

// escapeString reports whether the single quote at body[start] opens a
// PostgreSQL E'...' string.
func escapeString(body string, start int) bool {
	if body[start] != '\'' || start == 0 {
		return false
	}
	if p := body[start-1]; p != 'E' && p != 'e' {
		return false
	}
	return start == 1 || !isWordChar(body[start-2])
}

// dollarTag recognizes a PostgreSQL dollar-quote opener like $$ or $body$
// at body[start].
func dollarTag(body string, start int) (string, bool) {
	end := strings.IndexByte(body[start+1:], '$')
	if end < 0 {
		return "", false
	}
	tag := body[start : start+end+2]
	for i, r := range tag[1 : len(tag)-1] {
		isLetter := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		// Positional parameters like $1 aren't tags
		if !isLetter && !(isDigit && i > 0) {
			return "", false
		}
	}
	return tag, true
}

func isWordChar(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f'
}
