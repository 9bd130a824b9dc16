package qcinput

import (
	"fmt"
	"strings"
)

// Params is an ordered, case-insensitive key/value section such as $rem.
type Params struct {
	keys []string
	vals map[string]string
}

func NewParams() *Params {
	return &Params{vals: map[string]string{}}
}

func normKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

func (p *Params) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p.vals[normKey(key)]
	return v, ok
}

func (p *Params) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Set overwrites key in place, or appends it when new.
func (p *Params) Set(key string, value any) {
	k := normKey(key)
	if _, ok := p.vals[k]; !ok {
		p.keys = append(p.keys, k)
	}
	p.vals[k] = strings.TrimSpace(fmt.Sprint(value))
}

func (p *Params) Delete(key string) {
	k := normKey(key)
	if _, ok := p.vals[k]; !ok {
		return
	}
	delete(p.vals, k)
	for i, kk := range p.keys {
		if kk == k {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

func (p *Params) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string{}, p.keys...)
}

func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// parseParams reads "key value" or "key = value" lines; "!" starts a comment.
func parseParams(lines []string) *Params {
	p := NewParams()
	for _, raw := range lines {
		line := raw
		if i := strings.Index(line, "!"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(strings.Replace(line, "=", " ", 1))
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 1 {
			p.Set(fields[0], "")
			continue
		}
		p.Set(fields[0], strings.Join(fields[1:], " "))
	}
	return p
}

func (p *Params) render() []string {
	width := 0
	for _, k := range p.keys {
		if len(k) > width {
			width = len(k)
		}
	}
	out := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, strings.TrimRight(fmt.Sprintf("   %-*s  %s", width, k, p.vals[k]), " "))
	}
	return out
}
