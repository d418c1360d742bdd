package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amirimatin/go-raft/pkg/discovery"
)

func ids(ms []discovery.Member) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "members.txt")
	if err := os.WriteFile(f, []byte("a=h:1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	const envName = "TEST_RAFT_MEMBERS"
	t.Setenv(envName, "y=h:8,x=h:9/h:90")

	got, err := New(Options{Path: f, Env: envName, Refresh: 5 * time.Millisecond}).Members()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "x" || got[0].MgmtAddr != "h:90" || got[1].ID != "y" {
		t.Fatalf("env override failed, got %#v", got)
	}
}

func TestFileReadAndCacheRefresh(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "members.txt")
	if err := os.WriteFile(f, []byte("# cluster\na=h:1\nb=h:2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := New(Options{Path: f, Refresh: 10 * time.Millisecond})
	got1, err := d.Members()
	if err != nil {
		t.Fatal(err)
	}
	if len(got1) != 2 || got1[0].ID != "a" || got1[1].ID != "b" {
		t.Fatalf("unexpected initial members: %#v", got1)
	}

	if err := os.WriteFile(f, []byte("b=h:2\nc=h:3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(15 * time.Millisecond)

	got2, err := d.Members()
	if err != nil {
		t.Fatal(err)
	}
	if len(got2) != 2 || got2[0].ID != "b" || got2[1].ID != "c" {
		t.Fatalf("expected refreshed members, got %#v", got2)
	}
}

func TestGlobMergesFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a=h:1\nb=h:2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b=h:2\nc=h:3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := New(Options{Path: filepath.Join(dir, "*.txt")}).Members()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	if g := ids(got); len(g) != 3 || g[0] != want[0] || g[1] != want[1] || g[2] != want[2] {
		t.Fatalf("got %v want %v", g, want)
	}
}

func TestMalformedLineReportsPosition(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "members.txt")
	if err := os.WriteFile(f, []byte("a=h:1\nbroken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New(Options{Path: f}).Members()
	if err == nil {
		t.Fatal("expected error")
	}
	if want := f + ":2:"; len(err.Error()) < len(want) || err.Error()[:len(want)] != want {
		t.Fatalf("error %q does not name the line", err)
	}
}
