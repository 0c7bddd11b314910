package blacklist

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestBlacklistSectionsAndWildcard(t *testing.T) {
	dir := t.TempDir()
	f := writeFile(t, dir, "blacklist.cfg", "[honeypot-1]\nroot\nadmin\n\n[*]\nguest\n")

	bl := New()
	bl.Load([]string{f})

	if !bl.Has("honeypot-1", "root") {
		t.Fatalf("expected root blacklisted for honeypot-1")
	}
	if bl.Has("honeypot-2", "root") {
		t.Fatalf("root should not be blacklisted for honeypot-2")
	}
	if !bl.Has("honeypot-2", "guest") {
		t.Fatalf("expected guest blacklisted everywhere via wildcard")
	}
}

func TestBlacklistCommentQuirkReplicated(t *testing.T) {
	dir := t.TempDir()
	// The trailing "; backdoor account" is NOT stripped, matching the
	// reference parser's greedy regex quirk.
	f := writeFile(t, dir, "blacklist.cfg", "[*]\nroot; backdoor account\n")

	bl := New()
	bl.Load([]string{f})

	if bl.Has("anything", "root") {
		t.Fatalf("bare 'root' should not match; the whole line including the comment is the entry")
	}
	if !bl.Has("anything", "root; backdoor account") {
		t.Fatalf("expected the untrimmed line to be the blacklist entry")
	}
}

func TestBlacklistMissingFileIsIgnored(t *testing.T) {
	bl := New()
	bl.Load([]string{"/nonexistent/blacklist.cfg"})
	if bl.Has("any", "any") {
		t.Fatalf("expected empty blacklist")
	}
}
