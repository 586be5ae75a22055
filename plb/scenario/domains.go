package scenario

import (
	"strings"

	"github.com/inference-sim/plb/plb"
)

// domainNames interns slash-separated domain names into DomainPath segment
// indices. Segments are numbered per parent in order of first appearance, so
// "/dc0/r0" and "/dc1/r0" both end in segment 0 of different parents.
type domainNames struct {
	children map[string]*domainNames
	order    int
	index    int
}

func newDomainNames() *domainNames {
	return &domainNames{children: make(map[string]*domainNames)}
}

// Intern returns the path for name, creating segments as needed.
func (d *domainNames) Intern(name string) plb.DomainPath {
	var path plb.DomainPath
	cur := d
	for _, seg := range splitDomain(name) {
		child, ok := cur.children[seg]
		if !ok {
			child = newDomainNames()
			child.index = cur.order
			cur.order++
			cur.children[seg] = child
		}
		path = append(path, child.index)
		cur = child
	}
	return path
}

func splitDomain(name string) []string {
	var segs []string
	for _, s := range strings.Split(name, "/") {
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
