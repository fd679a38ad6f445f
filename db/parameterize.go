package db

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
)

// paramMarker tags a line of a `variables` CTE as a statement input.
const paramMarker = "/* @param */"

// SQLTemplate is a parsed sql file with its `/* @param */` declarations replaced by
// sqlx named parameters.
type SQLTemplate struct {
	Body       []byte
	Parameters []string // in declaration order
}

// String provides a printable representation.
func (p SQLTemplate) String() string {
	tpl := `
Params: %s
Body:   %s
`
	return fmt.Sprintf(tpl, strings.Join(p.Parameters, ", "), string(p.Body))
}

// regexpDecl matches a whole declaration line such as
//
//	,'2024-01-08T12:00:00Z' AS StartedAt    /* @param */
//
// capturing the leading indent and comma, and the parameter name. The example value
// may be a string, a number, null or a function call such as date('2024-01-08').
var regexpDecl = regexp.MustCompile(
	`^(?P<lead>\s*,?\s*)` +
		`(?:'[^']*'|-?\d*\.?\d+|null|[a-zA-Z_]\w*\([^)]*\))` +
		`\s+AS\s+(?P<name>[A-Za-z_]\w*)\s*` +
		regexp.QuoteMeta(paramMarker) + `\s*$`,
)

// regexpComment matches sql block and line comments.
var regexpComment = regexp.MustCompile(`(?s)/\*.*?\*/|--[^\n]*`)

// parameterize converts an sql file which declares its inputs as example values in a
// `variables` CTE into a template for a named prepared statement. This keeps each
// file runnable as-is on the sqlite command line. A file such as
//
//	WITH variables AS (
//	    SELECT
//	        20 AS HereLimit    /* @param */
//	)
//	SELECT * FROM sync_runs LIMIT (SELECT HereLimit FROM variables);
//
// becomes
//
//	*SQLTemplate{
//	    Parameters: []string{"HereLimit"},
//	    Body:       "WITH variables AS (\n    SELECT\n        :HereLimit AS HereLimit\n) ...",
//	}
//
// It is an error for a file to declare no parameters, to declare a name twice, to
// carry the marker on a line that is not a declaration, or to declare a parameter
// that the rest of the statement never uses.
func parameterize(src []byte) (*SQLTemplate, error) {

	lines := strings.Split(string(src), "\n")
	declLines := map[string]int{}
	tpl := &SQLTemplate{}

	leadIdx, nameIdx := regexpDecl.SubexpIndex("lead"), regexpDecl.SubexpIndex("name")
	for i, line := range lines {
		if !strings.Contains(line, paramMarker) {
			continue
		}
		m := regexpDecl.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("parameterize: line %d: malformed declaration %q", i+1, strings.TrimSpace(line))
		}
		name := m[nameIdx]
		if prev, ok := declLines[name]; ok {
			return nil, fmt.Errorf("parameterize: line %d: parameter %q already declared on line %d", i+1, name, prev+1)
		}
		declLines[name] = i
		tpl.Parameters = append(tpl.Parameters, name)
		lines[i] = m[leadIdx] + ":" + name + " AS " + name
	}
	if len(tpl.Parameters) == 0 {
		return nil, errors.New("parameterize: no parameters found")
	}

	// Every declared value must be read somewhere outside the declarations.
	var rest []string
	for i, line := range lines {
		if !isDeclLine(declLines, i) {
			rest = append(rest, line)
		}
	}
	statement := regexpComment.ReplaceAllString(strings.Join(rest, "\n"), "")
	for _, name := range tpl.Parameters {
		used := regexp.MustCompile(`\b` + name + `\b`)
		if !used.MatchString(statement) {
			return nil, fmt.Errorf("parameterize: parameter %q is declared but never used", name)
		}
	}

	tpl.Body = []byte(strings.Join(lines, "\n"))
	return tpl, nil
}

func isDeclLine(declLines map[string]int, i int) bool {
	for _, n := range declLines {
		if n == i {
			return true
		}
	}
	return false
}

// ParameterizeFile reads filePath from fileFS and parameterizes it.
func ParameterizeFile(fileFS fs.FS, filePath string) (*SQLTemplate, error) {
	src, err := fs.ReadFile(fileFS, filePath)
	if err != nil {
		return nil, fmt.Errorf("file read error: %w", err)
	}
	tpl, err := parameterize(src)
	if err != nil {
		return nil, fmt.Errorf("sql file %s: %w", filePath, err)
	}
	return tpl, nil
}
