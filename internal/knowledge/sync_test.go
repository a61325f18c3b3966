package knowledge

import (
	"context"
	"os"
	"testing"

	"github.com/starford/ansuz/internal/cache"
	"github.com/starford/ansuz/internal/llm"
	"github.com/starford/ansuz/internal/storage"
)

func syncTestEnv(t *testing.T) (storage.Provider, *DB, *Builder, *cannedProvider) {
	t.Helper()
	store, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	db := testDB(t)
	provider := &cannedProvider{text: summaryJSON}
	builder := NewBuilder(testGateway(t, provider), db, 100000, 1, discardLogger())
	return store, db, builder, provider
}

func TestBookID(t *testing.T) {
	cases := map[string]string{
		"Polymer Physics.md": "polymer-physics",
		"books/scaling.tex":  "scaling",
		"Notes.TXT":          "notes",
	}
	for in, want := range cases {
		if got := BookID(in); got != want {
			t.Errorf("BookID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSync_IndexesNewBooks(t *testing.T) {
	store, db, builder, _ := syncTestEnv(t)
	logger := discardLogger()

	mustWrite(t, store, "polymer.md", "# Chapter 1 Chains\nBody text.\n")
	mustWrite(t, store, "ignore.py", "print('not a book')\n")

	if err := Sync(context.Background(), builder, db, store, logger); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	books, err := db.ListBooks()
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 1 || books[0].ID != "polymer" {
		t.Fatalf("books = %+v", books)
	}
}

func TestSync_ChecksumGateSkipsUnchanged(t *testing.T) {
	store, db, builder, provider := syncTestEnv(t)
	logger := discardLogger()

	mustWrite(t, store, "polymer.md", "# Chapter 1 Chains\nBody text.\n")
	if err := Sync(context.Background(), builder, db, store, logger); err != nil {
		t.Fatal(err)
	}
	after := provider.callCount()
	if after == 0 {
		t.Fatal("first sync made no provider calls")
	}

	if err := Sync(context.Background(), builder, db, store, logger); err != nil {
		t.Fatal(err)
	}
	if provider.callCount() != after {
		t.Errorf("second sync made %d extra calls", provider.callCount()-after)
	}

	// A content change re-summarizes.
	mustWrite(t, store, "polymer.md", "# Chapter 1 Chains\nRevised body text.\n")
	if err := Sync(context.Background(), builder, db, store, logger); err != nil {
		t.Fatal(err)
	}
	if provider.callCount() == after {
		t.Error("changed book was not re-summarized")
	}
}

func TestSync_RemovesDeletedBooks(t *testing.T) {
	store, db, builder, _ := syncTestEnv(t)
	logger := discardLogger()

	mustWrite(t, store, "polymer.md", "# Chapter 1 Chains\nBody.\n")
	mustWrite(t, store, "scaling.md", "# Chapter 1 Scaling\nBody.\n")
	if err := Sync(context.Background(), builder, db, store, logger); err != nil {
		t.Fatal(err)
	}

	removeFile(t, store, "scaling.md")
	if err := Sync(context.Background(), builder, db, store, logger); err != nil {
		t.Fatal(err)
	}

	books, err := db.ListBooks()
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 1 || books[0].ID != "polymer" {
		t.Fatalf("books after delete = %+v", books)
	}
}

func TestSync_PurgesStaleCacheEntries(t *testing.T) {
	store, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	db := testDB(t)
	logger := discardLogger()

	f, err := os.CreateTemp("", "ansuz-cache-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })
	responses, err := cache.Open(f.Name(), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { responses.Close() })

	provider := &cannedProvider{text: summaryJSON}
	builder := NewBuilder(testGateway(t, provider, llm.WithCache(responses)), db, 100000, 1, logger)

	mustWrite(t, store, "polymer.md", "# Chapter 1 Chains\nBody text.\n")
	if err := Sync(context.Background(), builder, db, store, logger); err != nil {
		t.Fatal(err)
	}
	if responses.Len() != 1 {
		t.Fatalf("cache entries after first sync = %d, want 1", responses.Len())
	}

	// Re-indexing a changed book drops the entry keyed on the old text.
	mustWrite(t, store, "polymer.md", "# Chapter 1 Chains\nRevised body text.\n")
	if err := Sync(context.Background(), builder, db, store, logger); err != nil {
		t.Fatal(err)
	}
	if responses.Len() != 1 {
		t.Errorf("cache entries after rebuild = %d, want 1", responses.Len())
	}

	removeFile(t, store, "polymer.md")
	if err := Sync(context.Background(), builder, db, store, logger); err != nil {
		t.Fatal(err)
	}
	if responses.Len() != 0 {
		t.Errorf("cache entries after delete = %d, want 0", responses.Len())
	}
}

func mustWrite(t *testing.T, store storage.Provider, path, content string) {
	t.Helper()
	if err := store.Write(path, []byte(content)); err != nil {
		t.Fatal(err)
	}
}

func removeFile(t *testing.T, store storage.Provider, path string) {
	t.Helper()
	abs, err := store.Abs(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(abs); err != nil {
		t.Fatal(err)
	}
}
