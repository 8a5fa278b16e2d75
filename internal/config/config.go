// Package config parses the flat, INI-style configuration file format used
// to describe the data-plane target at startup: a sequence of `[Section]`
// headers, each followed by zero or more directive lines, where the same
// directive key may repeat any number of times within a section (e.g. one
// `TransportId` line per configured bdev, one `Listen` line per configured
// NVMe-oF port). This is deliberately not a generic TOML/YAML document
// format: sections are positional and directives are order-sensitive
// (e.g. AE4DMA channel assignment by declaration order), so it is parsed
// directly rather than through a structured config library.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Directive is a single configuration line: a key followed by
// whitespace-separated fields.
type Directive struct {
	Key    string
	Fields []string
}

// Field returns the i'th field or "" if it does not exist.
func (d Directive) Field(i int) string {
	if i < 0 || i >= len(d.Fields) {
		return ""
	}
	return d.Fields[i]
}

// IntField parses the i'th field as an integer.
func (d Directive) IntField(i int) (int, error) {
	f := d.Field(i)
	if f == "" {
		return 0, fmt.Errorf("config: directive %q missing field %d", d.Key, i)
	}
	return strconv.Atoi(f)
}

// BoolField parses the i'th field as "Yes"/"No" (SPDK convention) or a
// standard Go bool literal.
func (d Directive) BoolField(i int) bool {
	f := strings.ToLower(d.Field(i))
	return f == "yes" || f == "true" || f == "1" || f == "on"
}

// Section is one `[Name]` block with its directives in file order.
type Section struct {
	Name       string
	Directives []Directive
}

// All returns every directive in the section with the given key, in the
// order they appeared — used for repeated directives like TransportId or
// Listen.
func (s *Section) All(key string) []Directive {
	var out []Directive
	for _, d := range s.Directives {
		if strings.EqualFold(d.Key, key) {
			out = append(out, d)
		}
	}
	return out
}

// First returns the first directive with the given key, or ok=false.
func (s *Section) First(key string) (Directive, bool) {
	for _, d := range s.Directives {
		if strings.EqualFold(d.Key, key) {
			return d, true
		}
	}
	return Directive{}, false
}

// Config is a parsed configuration file: an ordered list of sections. The
// same section name may appear multiple times (e.g. one `[Subsystem0]` per
// configured subsystem) so callers iterate rather than index by name.
type Config struct {
	Sections []Section
}

// SectionsNamed returns every section whose name matches name exactly
// (case-insensitive), in file order.
func (c *Config) SectionsNamed(name string) []*Section {
	var out []*Section
	for i := range c.Sections {
		if strings.EqualFold(c.Sections[i].Name, name) {
			out = append(out, &c.Sections[i])
		}
	}
	return out
}

// SectionsWithPrefix returns every section whose name has the given prefix
// (case-insensitive), such as "Subsystem" matching "Subsystem0",
// "Subsystem1", ... in declaration order.
func (c *Config) SectionsWithPrefix(prefix string) []*Section {
	var out []*Section
	lower := strings.ToLower(prefix)
	for i := range c.Sections {
		if strings.HasPrefix(strings.ToLower(c.Sections[i].Name), lower) {
			out = append(out, &c.Sections[i])
		}
	}
	return out
}

// Parse reads a configuration file from r. Blank lines and lines beginning
// with `#` or `;` are ignored; all other non-section lines are split into
// whitespace-separated fields and appended as directives of the current
// section. Directives appearing before the first section header are an
// error.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	var cur *Section
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			end := strings.IndexByte(line, ']')
			if end < 0 {
				return nil, fmt.Errorf("config: line %d: unterminated section header %q", lineNo, line)
			}
			name := strings.TrimSpace(line[1:end])
			cfg.Sections = append(cfg.Sections, Section{Name: name})
			cur = &cfg.Sections[len(cfg.Sections)-1]
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("config: line %d: directive %q outside of any section", lineNo, line)
		}
		fields := strings.Fields(line)
		cur.Directives = append(cur.Directives, Directive{Key: fields[0], Fields: fields[1:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ParseString is a convenience wrapper around Parse for tests and the CLI.
func ParseString(s string) (*Config, error) {
	return Parse(strings.NewReader(s))
}
