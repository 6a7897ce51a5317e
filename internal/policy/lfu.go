package policy

import (
	"container/list"
	"sort"
)

// lfu evicts the least frequently used key. Ties are broken by recency:
// within a frequency bucket the least recently promoted key goes first.
type lfu struct {
	items   map[string]*lfuEntry
	buckets map[uint64]*list.List
	minFreq uint64
}

type lfuEntry struct {
	key  string
	freq uint64
	elem *list.Element
}

func newLFU() *lfu {
	return &lfu{
		items:   make(map[string]*lfuEntry),
		buckets: make(map[uint64]*list.List),
	}
}

func (p *lfu) Add(key string) {
	if _, ok := p.items[key]; ok {
		p.Touch(key)
		return
	}
	ent := &lfuEntry{key: key, freq: 1}
	ent.elem = p.bucket(1).PushBack(ent)
	p.items[key] = ent
	p.minFreq = 1
}

func (p *lfu) Touch(key string) {
	ent, ok := p.items[key]
	if !ok {
		return
	}
	old := ent.freq
	p.unlink(ent)
	ent.freq++
	ent.elem = p.bucket(ent.freq).PushBack(ent)
	if p.minFreq == old && p.buckets[old] == nil {
		p.minFreq = ent.freq
	}
}

func (p *lfu) Remove(key string) {
	ent, ok := p.items[key]
	if !ok {
		return
	}
	p.unlink(ent)
	delete(p.items, key)
	if p.minFreq == ent.freq && p.buckets[ent.freq] == nil {
		p.recomputeMin()
	}
}

func (p *lfu) Victim() (string, bool) {
	if len(p.items) == 0 {
		return "", false
	}
	b := p.buckets[p.minFreq]
	if b == nil || b.Len() == 0 {
		p.recomputeMin()
		b = p.buckets[p.minFreq]
	}
	return b.Front().Value.(*lfuEntry).key, true
}

func (p *lfu) Len() int { return len(p.items) }

func (p *lfu) Reset() {
	p.items = make(map[string]*lfuEntry)
	p.buckets = make(map[uint64]*list.List)
	p.minFreq = 0
}

func (p *lfu) Order() []string {
	freqs := make([]uint64, 0, len(p.buckets))
	for f := range p.buckets {
		freqs = append(freqs, f)
	}
	sort.Slice(freqs, func(i, j int) bool { return freqs[i] < freqs[j] })

	keys := make([]string, 0, len(p.items))
	for _, f := range freqs {
		for e := p.buckets[f].Front(); e != nil; e = e.Next() {
			keys = append(keys, e.Value.(*lfuEntry).key)
		}
	}
	return keys
}

func (p *lfu) bucket(freq uint64) *list.List {
	b, ok := p.buckets[freq]
	if !ok {
		b = list.New()
		p.buckets[freq] = b
	}
	return b
}

// unlink removes ent from its bucket, dropping the bucket when it empties.
func (p *lfu) unlink(ent *lfuEntry) {
	b := p.buckets[ent.freq]
	b.Remove(ent.elem)
	if b.Len() == 0 {
		delete(p.buckets, ent.freq)
	}
}

func (p *lfu) recomputeMin() {
	p.minFreq = 0
	for f := range p.buckets {
		if p.minFreq == 0 || f < p.minFreq {
			p.minFreq = f
		}
	}
}
