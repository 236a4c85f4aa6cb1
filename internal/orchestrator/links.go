package orchestrator

import "sync"

// parentLinks tracks the session delegation forest. The child→parent map is
// the single source of truth; parent→children is an index rebuilt from it on
// restore.
type parentLinks struct {
	mu            sync.RWMutex
	childToParent map[string]string
	children      map[string]map[string]bool
}

func newParentLinks() *parentLinks {
	return &parentLinks{
		childToParent: make(map[string]string),
		children:      make(map[string]map[string]bool),
	}
}

// Link records child as a delegate of parent. The child id is chosen by the
// parent at delegation time, so cycles cannot form.
func (p *parentLinks) Link(childID, parentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.childToParent[childID] = parentID
	if p.children[parentID] == nil {
		p.children[parentID] = make(map[string]bool)
	}
	p.children[parentID][childID] = true
}

// Parent returns the parent of a child session, if linked.
func (p *parentLinks) Parent(childID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.childToParent[childID]
	return id, ok
}

// Unlink removes the child's link, typically after its completion has been
// delivered to the parent.
func (p *parentLinks) Unlink(childID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	parent, ok := p.childToParent[childID]
	if !ok {
		return
	}
	delete(p.childToParent, childID)
	if set := p.children[parent]; set != nil {
		delete(set, childID)
		if len(set) == 0 {
			delete(p.children, parent)
		}
	}
}

// Descendants returns every session reachable below root, breadth first. The
// root itself is not included.
func (p *parentLinks) Descendants(rootID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	queue := []string{rootID}
	seen := map[string]bool{rootID: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for child := range p.children[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// Serialize returns the child→parent map.
func (p *parentLinks) Serialize() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.childToParent))
	for k, v := range p.childToParent {
		out[k] = v
	}
	return out
}

// Restore rebuilds both maps from a child→parent map, keeping only links
// whose child and parent both still exist.
func (p *parentLinks) Restore(m map[string]string, exists func(sessionID string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.childToParent = make(map[string]string)
	p.children = make(map[string]map[string]bool)
	for child, parent := range m {
		if !exists(child) || !exists(parent) {
			continue
		}
		p.childToParent[child] = parent
		if p.children[parent] == nil {
			p.children[parent] = make(map[string]bool)
		}
		p.children[parent][child] = true
	}
}
