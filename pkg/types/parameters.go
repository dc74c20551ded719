package types

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Param is a single key/value pair of an activity package.
type Param struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// Parameters is an ordered list of key/value pairs with unique keys.
// The order is the order of first insertion and is preserved on the wire
// and on disk.
type Parameters struct {
	pairs []Param
	index map[string]int
}

// NewParameters creates an empty parameter list.
func NewParameters() *Parameters {
	return &Parameters{index: make(map[string]int)}
}

// Set adds the key or replaces its value in place.
func (p *Parameters) Set(key, value string) {
	if p.index == nil {
		p.index = make(map[string]int)
	}
	if i, ok := p.index[key]; ok {
		p.pairs[i].Value = value
		return
	}
	p.index[key] = len(p.pairs)
	p.pairs = append(p.pairs, Param{Key: key, Value: value})
}

// Get returns the value for key.
func (p *Parameters) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	i, ok := p.index[key]
	if !ok {
		return "", false
	}
	return p.pairs[i].Value, true
}

// Len returns the number of pairs.
func (p *Parameters) Len() int {
	if p == nil {
		return 0
	}
	return len(p.pairs)
}

// Each calls fn for every pair in insertion order.
func (p *Parameters) Each(fn func(key, value string)) {
	if p == nil {
		return
	}
	for _, pair := range p.pairs {
		fn(pair.Key, pair.Value)
	}
}

// Pairs returns a copy of the pairs in order.
func (p *Parameters) Pairs() []Param {
	if p == nil {
		return nil
	}
	out := make([]Param, len(p.pairs))
	copy(out, p.pairs)
	return out
}

// Clone returns a deep copy.
func (p *Parameters) Clone() *Parameters {
	c := NewParameters()
	p.Each(c.Set)
	return c
}

// Values converts the pairs to url.Values.
// url.Values sorts keys when encoded, so callers that care about the wire
// order should use Encode instead.
func (p *Parameters) Values() url.Values {
	v := make(url.Values, p.Len())
	p.Each(func(key, value string) {
		v.Set(key, value)
	})
	return v
}

// Encode form-encodes the pairs in insertion order, followed by extra pairs.
func (p *Parameters) Encode(extra ...Param) string {
	var buf []byte
	write := func(key, value string) {
		if len(buf) > 0 {
			buf = append(buf, '&')
		}
		buf = append(buf, url.QueryEscape(key)...)
		buf = append(buf, '=')
		buf = append(buf, url.QueryEscape(value)...)
	}
	p.Each(write)
	for _, e := range extra {
		write(e.Key, e.Value)
	}
	return string(buf)
}

// MarshalJSON encodes the parameters as an array of pairs.
func (p *Parameters) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	pairs := p.pairs
	if pairs == nil {
		pairs = []Param{}
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON decodes an array of pairs. Duplicate keys are rejected.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	var pairs []Param
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	p.pairs = nil
	p.index = make(map[string]int, len(pairs))
	for _, pair := range pairs {
		if _, dup := p.index[pair.Key]; dup {
			return fmt.Errorf("duplicate parameter key %q", pair.Key)
		}
		p.Set(pair.Key, pair.Value)
	}
	return nil
}
