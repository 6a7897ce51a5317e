package policy

import "container/list"

// fifo evicts the oldest admitted key; accesses and overwrites do not reorder.
type fifo struct {
	ll    *list.List
	items map[string]*list.Element
}

func newFIFO() *fifo {
	return &fifo{ll: list.New(), items: make(map[string]*list.Element)}
}

func (p *fifo) Add(key string) {
	if _, ok := p.items[key]; ok {
		return
	}
	p.items[key] = p.ll.PushBack(key)
}

func (p *fifo) Touch(string) {}

func (p *fifo) Remove(key string) {
	if e, ok := p.items[key]; ok {
		p.ll.Remove(e)
		delete(p.items, key)
	}
}

func (p *fifo) Victim() (string, bool) {
	if e := p.ll.Front(); e != nil {
		return e.Value.(string), true
	}
	return "", false
}

func (p *fifo) Len() int { return len(p.items) }

func (p *fifo) Reset() {
	p.ll.Init()
	p.items = make(map[string]*list.Element)
}

func (p *fifo) Order() []string { return listKeys(p.ll) }
