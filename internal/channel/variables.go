package channel

import (
	"errors"
	"slices"
	"strings"
)

// ErrNoPartner is returned when a channel has no bonded partner.
var ErrNoPartner = errors.New("channel has no partner")

// Variable is one channel variable.
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// variables is an insertion-ordered, case-sensitive dictionary. The last
// write to a name wins and keeps the name's original position.
type variables struct {
	index map[string]int
	list  []Variable
}

func (v *variables) get(name string) (string, bool) {
	if i, ok := v.index[name]; ok {
		return v.list[i].Value, true
	}
	return "", false
}

func (v *variables) set(name, value string) {
	if v.index == nil {
		v.index = make(map[string]int)
	}
	if i, ok := v.index[name]; ok {
		v.list[i].Value = value
		return
	}
	v.index[name] = len(v.list)
	v.list = append(v.list, Variable{Name: name, Value: value})
}

func (v *variables) unset(name string) bool {
	i, ok := v.index[name]
	if !ok {
		return false
	}
	v.list = append(v.list[:i], v.list[i+1:]...)
	delete(v.index, name)
	for j := i; j < len(v.list); j++ {
		v.index[v.list[j].Name] = j
	}
	return true
}

func (v *variables) all() []Variable {
	out := make([]Variable, len(v.list))
	copy(out, v.list)
	return out
}

// maxExpandDepth bounds nested ${} resolution.
const maxExpandDepth = 16

// expand substitutes ${name} references using lookup. Names may themselves
// contain references (${a_${b}}); "\$" yields a literal '$'. An unterminated
// reference is copied through unchanged.
func expand(in string, lookup func(string) string, depth int) string {
	if depth > maxExpandDepth || !strings.Contains(in, "$") {
		return in
	}

	var b strings.Builder
	b.Grow(len(in))
	for i := 0; i < len(in); i++ {
		c := in[i]
		if c == '\\' && i+1 < len(in) && in[i+1] == '$' {
			b.WriteByte('$')
			i++
			continue
		}
		if c == '$' && i+1 < len(in) && in[i+1] == '{' {
			end := closingBrace(in, i+2)
			if end < 0 {
				b.WriteString(in[i:])
				break
			}
			name := expand(in[i+2:end], lookup, depth+1)
			b.WriteString(lookup(name))
			i = end
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func closingBrace(s string, from int) int {
	depth := 1
	for j := from; j < len(s); j++ {
		switch s[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

// GetVariable resolves name through the lookup chain: channel variables,
// then the active caller profile (aleg_ and bleg_ address the originator and
// originatee profiles), then the registry's global variables.
func (c *Channel) GetVariable(name string) (string, bool) {
	c.mu.Lock()
	if v, ok := c.vars.get(name); ok {
		c.mu.Unlock()
		return v, true
	}
	p := c.profiles[0]
	field := name
	switch {
	case strings.HasPrefix(name, "aleg_"):
		p, field = p.originator, name[len("aleg_"):]
	case strings.HasPrefix(name, "bleg_"):
		p, field = p.originatee, name[len("bleg_"):]
	}
	if p != nil {
		if v, ok := p.Field(field); ok {
			c.mu.Unlock()
			return v, true
		}
	}
	c.mu.Unlock()

	return c.reg.Global(name)
}

// Variable is GetVariable without the found flag.
func (c *Channel) Variable(name string) string {
	v, _ := c.GetVariable(name)
	return v
}

// SetVariable sets a channel variable.
func (c *Channel) SetVariable(name, value string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	c.vars.set(name, value)
	c.mu.Unlock()
}

// UnsetVariable removes a channel variable. Profile fields and globals are
// unaffected.
func (c *Channel) UnsetVariable(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vars.unset(name)
}

// Variables returns the channel variables in insertion order.
func (c *Channel) Variables() []Variable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vars.all()
}

// ExpandVariables substitutes ${name} references. Unknown names expand to
// the empty string.
func (c *Channel) ExpandVariables(in string) string {
	return expand(in, c.Variable, 0)
}

// partner is the channel bonded to this one through signal_bond.
func (c *Channel) partner() (*Channel, bool) {
	id, ok := c.GetVariable(VarSignalBond)
	if !ok || id == "" || id == c.uuid {
		return nil, false
	}
	return c.reg.Locate(id)
}

// SetVariablePartner sets a variable on the bonded partner channel.
func (c *Channel) SetVariablePartner(name, value string) error {
	other, ok := c.partner()
	if !ok {
		return ErrNoPartner
	}
	other.SetVariable(name, value)
	return nil
}

// ExportVariable sets name locally, records it in export_vars so legs
// created from this one inherit it, and copies it to the bonded partner when
// there is one.
func (c *Channel) ExportVariable(name, value string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	c.vars.set(name, value)
	list, _ := c.vars.get(VarExportVars)
	if !slices.Contains(strings.Split(list, ","), name) {
		if list != "" {
			list += ","
		}
		c.vars.set(VarExportVars, list+name)
	}
	c.mu.Unlock()

	if other, ok := c.partner(); ok {
		other.SetVariable(name, value)
	}
}

// ExportedVariables returns the exported variables and their current values.
func (c *Channel) ExportedVariables() []Variable {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, _ := c.vars.get(VarExportVars)
	if list == "" {
		return nil
	}
	var out []Variable
	for _, name := range strings.Split(list, ",") {
		if v, ok := c.vars.get(name); ok {
			out = append(out, Variable{Name: name, Value: v})
		}
	}
	return out
}
