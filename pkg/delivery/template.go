package delivery

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/trunkline-io/trunkline/pkg/models"
)

// Template is reusable message content registered under a stable ID.
// {{name}} placeholders resolve against the enqueue variables; dotted
// names such as {{user.name}} walk nested objects.
type Template struct {
	ID      string
	Channel models.MessageChannel
	Subject string
	HTML    string
	Text    string
	Body    string
}

// MissingVariablesError rejects an enqueue whose variables do not cover
// every placeholder the message content references.
type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return "missing template variables: " + strings.Join(e.Names, ", ")
}

// TemplateRegistry holds the templates available to enqueue requests.
// Templates are registered at startup from code and configuration; there is
// no database table behind them.
type TemplateRegistry struct {
	mu   sync.RWMutex
	byID map[string]*Template
}

// NewTemplateRegistry creates an empty registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{byID: make(map[string]*Template)}
}

// Register adds or replaces a template.
func (r *TemplateRegistry) Register(t *Template) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if t.Channel != models.ChannelSMS && t.Channel != models.ChannelEmail {
		return fmt.Errorf("template %s: unknown channel %q", t.ID, t.Channel)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[t.ID] = t
	return nil
}

// Get looks a template up by ID.
func (r *TemplateRegistry) Get(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

// placeholders returns the distinct {{name}} references across the given
// texts, sorted for stable error reporting.
func placeholders(texts ...string) []string {
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
			seen[m[1]] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookupVariable walks a dotted path through nested maps. {{user.name}}
// with variables {user: {}} does not resolve, and the enqueue is rejected
// with the full dotted path in the missing list.
func lookupVariable(vars map[string]any, path string) (any, bool) {
	var cur any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// checkVariables verifies that vars cover every placeholder in the given
// texts and returns a MissingVariablesError naming the gaps otherwise.
func checkVariables(vars map[string]any, texts ...string) error {
	var missing []string
	for _, name := range placeholders(texts...) {
		if _, ok := lookupVariable(vars, name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingVariablesError{Names: missing}
	}
	return nil
}

// renderText substitutes every placeholder in text from vars. Coverage is
// validated before rendering, so nothing stays unresolved on the happy
// path; an uncovered reference is left verbatim.
func renderText(text string, vars map[string]any) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(ref string) string {
		name := placeholderRe.FindStringSubmatch(ref)[1]
		if v, ok := lookupVariable(vars, name); ok {
			return fmt.Sprint(v)
		}
		return ref
	})
}
