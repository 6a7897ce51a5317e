package policy

import "container/list"

// lru evicts the least recently added or touched key.
// The list front is the least recently used key.
type lru struct {
	ll    *list.List
	items map[string]*list.Element
}

func newLRU() *lru {
	return &lru{ll: list.New(), items: make(map[string]*list.Element)}
}

func (p *lru) Add(key string) {
	if e, ok := p.items[key]; ok {
		p.ll.MoveToBack(e)
		return
	}
	p.items[key] = p.ll.PushBack(key)
}

func (p *lru) Touch(key string) {
	if e, ok := p.items[key]; ok {
		p.ll.MoveToBack(e)
	}
}

func (p *lru) Remove(key string) {
	if e, ok := p.items[key]; ok {
		p.ll.Remove(e)
		delete(p.items, key)
	}
}

func (p *lru) Victim() (string, bool) {
	if e := p.ll.Front(); e != nil {
		return e.Value.(string), true
	}
	return "", false
}

func (p *lru) Len() int { return len(p.items) }

func (p *lru) Reset() {
	p.ll.Init()
	p.items = make(map[string]*list.Element)
}

func (p *lru) Order() []string { return listKeys(p.ll) }

func listKeys(ll *list.List) []string {
	keys := make([]string, 0, ll.Len())
	for e := ll.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}
