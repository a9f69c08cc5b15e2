package engine

import (
	"net/netip"
	"testing"
)

func pfx(s string) netip.Prefix {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p.Masked()
}

func TestTrieInsertIdempotent(t *testing.T) {
	tr := newFamTrie()
	n1 := tr.Insert(pfx("10.0.0.0/24"))
	n1.SetPayload("a")
	n2 := tr.Insert(pfx("10.0.0.0/24"))
	if n1 != n2 {
		t.Fatalf("expected same node on repeat insert")
	}
	if n2.Payload() != "a" {
		t.Fatalf("expected payload preserved, got %v", n2.Payload())
	}
}

func TestTrieSearchExact(t *testing.T) {
	tr := newFamTrie()
	tr.Insert(pfx("192.0.2.0/24"))
	tr.Insert(pfx("192.0.2.0/25"))

	if n := tr.SearchExact(pfx("192.0.2.0/24")); n == nil {
		t.Fatalf("expected to find /24")
	}
	if n := tr.SearchExact(pfx("192.0.2.128/25")); n != nil {
		t.Fatalf("did not insert .128/25, should not be found")
	}
	if n := tr.SearchExact(pfx("192.0.3.0/24")); n != nil {
		t.Fatalf("unrelated prefix should not be found")
	}
}

func TestTrieGlueNodeCreated(t *testing.T) {
	tr := newFamTrie()
	a := tr.Insert(pfx("10.0.0.0/24"))
	b := tr.Insert(pfx("10.0.128.0/24"))

	if a.kind != kindPrefix || b.kind != kindPrefix {
		t.Fatalf("both inserted nodes should be prefix nodes")
	}
	// Their common parent should be a glue node (no single real prefix covers exactly their branch point).
	if a.parent != b.parent {
		t.Fatalf("expected shared branch point")
	}
	if a.parent.kind != kindGlue {
		t.Fatalf("expected glue node at branch point, got kind=%v", a.parent.kind)
	}
}

func TestTrieMoreAndLessSpecifics(t *testing.T) {
	tr := newFamTrie()
	root := tr.Insert(pfx("10.0.0.0/16"))
	mid := tr.Insert(pfx("10.0.0.0/24"))
	leaf := tr.Insert(pfx("10.0.0.0/25"))
	sibling := tr.Insert(pfx("10.0.1.0/24")) // sibling of mid, not under it; a first-layer child of root

	firstLayer := tr.MoreSpecifics(root, true)
	if len(firstLayer) != 2 || firstLayer[0] != mid || firstLayer[1] != sibling {
		t.Fatalf("expected first layer [mid /24, sibling /24], got %d nodes", len(firstLayer))
	}

	full := tr.MoreSpecifics(root, false)
	if len(full) != 3 {
		t.Fatalf("expected 3 more-specific prefix nodes in full subtree, got %d", len(full))
	}

	less := tr.LessSpecifics(leaf)
	if len(less) != 2 || less[0] != mid || less[1] != root {
		t.Fatalf("expected less-specifics [mid, root], got %v", less)
	}
}

func TestTrieRemoveLeaf(t *testing.T) {
	tr := newFamTrie()
	tr.Insert(pfx("10.0.0.0/24"))
	n := tr.Insert(pfx("10.0.0.0/25"))
	tr.Remove(n)

	if tr.SearchExact(pfx("10.0.0.0/25")) != nil {
		t.Fatalf("expected /25 removed")
	}
	if tr.SearchExact(pfx("10.0.0.0/24")) == nil {
		t.Fatalf("expected /24 to remain")
	}
}

func TestTrieRemoveTwoChildBecomesGlue(t *testing.T) {
	tr := newFamTrie()
	mid := tr.Insert(pfx("10.0.0.0/24"))
	tr.Insert(pfx("10.0.0.0/25"))
	tr.Insert(pfx("10.0.0.128/25"))

	tr.Remove(mid)

	if mid.kind != kindGlue {
		t.Fatalf("expected node with two children to become glue on removal")
	}
	if tr.SearchExact(pfx("10.0.0.0/24")) != nil {
		t.Fatalf("glue node should not satisfy exact search")
	}
	if tr.SearchExact(pfx("10.0.0.0/25")) == nil || tr.SearchExact(pfx("10.0.0.128/25")) == nil {
		t.Fatalf("children should remain reachable")
	}
}

func TestTrieCollapseGlueOnRemove(t *testing.T) {
	tr := newFamTrie()
	a := tr.Insert(pfx("10.0.0.0/24"))
	tr.Insert(pfx("10.0.128.0/24"))

	glue := a.parent
	if glue == nil || glue.kind != kindGlue {
		t.Fatalf("setup: expected glue parent")
	}

	tr.Remove(a)

	if tr.SearchExact(pfx("10.0.128.0/24")) == nil {
		t.Fatalf("surviving sibling should still be reachable after glue collapse")
	}
}

func TestTrieCountSubnets(t *testing.T) {
	tr := newFamTrie()
	tr.Insert(pfx("10.0.0.0/23")) // covers two /24s
	tr.Insert(pfx("10.1.0.0/24")) // separate /24

	got := tr.CountSubnets(24)
	if got != 3 {
		t.Fatalf("expected 3 /24 subnets covered, got %d", got)
	}
}

func TestTrieCountSubnetsDedupesNested(t *testing.T) {
	tr := newFamTrie()
	tr.Insert(pfx("10.0.0.0/24"))
	tr.Insert(pfx("10.0.0.0/25"))
	tr.Insert(pfx("10.0.0.128/25"))

	got := tr.CountSubnets(24)
	if got != 1 {
		t.Fatalf("expected nested /25s to fold into a single /24, got %d", got)
	}
}
