package filter

import (
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/jot/internal/journal"
)

// Filter wraps a compiled CEL program evaluated against journal entries.
// When built from an empty expression it is disabled and matches
// everything.
type Filter struct {
	prog    cel.Program
	enabled bool
}

// New compiles a filter expression. Entries are exposed to the expression
// as:
//
//	fields        map of FIELD name to value (first value per field)
//	seq           entry sequence number
//	realtime_us   wall clock timestamp, microseconds since the epoch
//	monotonic_us  boot clock timestamp, microseconds
//	boot_id       boot id, 32 hex characters
func New(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("fields", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("seq", cel.UintType),
		cel.Variable("realtime_us", cel.UintType),
		cel.Variable("monotonic_us", cel.UintType),
		cel.Variable("boot_id", cel.StringType),
	)
	if err != nil {
		return Filter{}, err
	}

	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog, enabled: true}, nil
}

// Enabled reports whether the filter carries an expression.
func (f Filter) Enabled() bool { return f.enabled }

// Eval reports whether the entry matches. Evaluation errors count as
// non-matches.
func (f Filter) Eval(e *journal.Entry) bool {
	if !f.enabled {
		return true
	}

	fields := make(map[string]string, len(e.Items))
	for _, item := range e.Items {
		if i := strings.IndexByte(string(item), '='); i > 0 {
			name := string(item[:i])
			if _, dup := fields[name]; !dup {
				fields[name] = string(item[i+1:])
			}
		}
	}

	out, _, err := f.prog.Eval(map[string]any{
		"fields":       fields,
		"seq":          e.Seqnum,
		"realtime_us":  e.Realtime,
		"monotonic_us": e.Monotonic,
		"boot_id":      e.BootID.String(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
