package mailbox

import "testing"

func TestLockRegistryGet(t *testing.T) {
	r := NewLockRegistry()
	a := r.Get("alice/INBOX")
	b := r.Get("alice/INBOX")
	if a != b {
		t.Error("Expected the same mutex for the same key")
	}
	if r.Get("bob/INBOX") == a {
		t.Error("Expected distinct mutexes for distinct keys")
	}
}

func TestLockRegistryPair(t *testing.T) {
	r := NewLockRegistry()
	f1, s1, same := r.Pair("a", "b")
	if same {
		t.Error("Distinct keys reported as same")
	}
	f2, s2, _ := r.Pair("b", "a")
	if f1 != f2 || s1 != s2 {
		t.Error("Pair order should not depend on argument order")
	}

	l1, l2, same := r.Pair("x", "x")
	if !same || l1 != l2 {
		t.Error("Equal keys should return one mutex twice")
	}
}
