package policy

import "math/rand"

// random evicts a uniformly chosen key regardless of access history.
type random struct {
	keys []string
	idx  map[string]int
}

func newRandom() *random {
	return &random{idx: make(map[string]int)}
}

func (p *random) Add(key string) {
	if _, ok := p.idx[key]; ok {
		return
	}
	p.idx[key] = len(p.keys)
	p.keys = append(p.keys, key)
}

func (p *random) Touch(string) {}

func (p *random) Remove(key string) {
	i, ok := p.idx[key]
	if !ok {
		return
	}
	last := len(p.keys) - 1
	if i != last {
		p.keys[i] = p.keys[last]
		p.idx[p.keys[i]] = i
	}
	p.keys = p.keys[:last]
	delete(p.idx, key)
}

func (p *random) Victim() (string, bool) {
	if len(p.keys) == 0 {
		return "", false
	}
	return p.keys[rand.Intn(len(p.keys))], true
}

func (p *random) Len() int { return len(p.keys) }

func (p *random) Reset() {
	p.keys = nil
	p.idx = make(map[string]int)
}

func (p *random) Order() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}
