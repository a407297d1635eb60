package tree

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/mmalmi/hashtree-go/pkg/block"
	"github.com/mmalmi/hashtree-go/pkg/cryptolayer"
	"github.com/mmalmi/hashtree-go/pkg/store"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	s, err := store.New(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return New(s, 16, 16) // small thresholds to exercise chunking in tests
}

func TestWriteReadFileBlob(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	key, err := cryptolayer.RandomKey()
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("short file")
	cid, err := tr.WriteFile(ctx, data, &key)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := tr.ReadFile(ctx, cid)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadFile = %q, want %q", got, data)
	}
}

func TestWriteReadFileChunked(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	key, _ := cryptolayer.RandomKey()

	data := bytes.Repeat([]byte("0123456789abcdef"), 5) // 80 bytes, threshold 16
	cid, err := tr.WriteFile(ctx, data, &key)
	if err != nil {
		t.Fatal(err)
	}
	kind, _, err := tr.readBlock(ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if kind != block.KindChunked {
		t.Fatalf("kind = %v, want KindChunked", kind)
	}
	got, err := tr.ReadFile(ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestWriteFileEmptyIsValidBlob(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	key, _ := cryptolayer.RandomKey()
	cid, err := tr.WriteFile(ctx, nil, &key)
	if err != nil {
		t.Fatalf("WriteFile empty: %v", err)
	}
	got, err := tr.ReadFile(ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty file, got %d bytes", len(got))
	}
}

func TestReadPathAndListDirectory(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	key, _ := cryptolayer.RandomKey()

	fileCID, err := tr.WriteFile(ctx, []byte("hi"), &key)
	if err != nil {
		t.Fatal(err)
	}
	root, err := tr.NewRootDir(ctx, []block.Entry{
		{Name: "hello.txt", CID: fileCID, Size: 2, Type: block.LinkBlob},
	}, &key)
	if err != nil {
		t.Fatal(err)
	}

	cid, typ, err := tr.ReadPath(ctx, root, Parse("hello.txt"))
	if err != nil {
		t.Fatalf("ReadPath: %v", err)
	}
	if typ != block.LinkBlob || !cid.Equal(fileCID) {
		t.Fatalf("ReadPath returned wrong entry")
	}

	entries, err := tr.ListDirectory(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "hello.txt" {
		t.Fatalf("ListDirectory = %+v", entries)
	}
}

func TestReadPathMissingSegment(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	key, _ := cryptolayer.RandomKey()
	root, err := tr.NewRootDir(ctx, nil, &key)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tr.ReadPath(ctx, root, Parse("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetEntryThenReadBack(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	key, _ := cryptolayer.RandomKey()

	root, err := tr.NewRootDir(ctx, nil, &key)
	if err != nil {
		t.Fatal(err)
	}
	fileCID, err := tr.WriteFile(ctx, []byte("content"), &key)
	if err != nil {
		t.Fatal(err)
	}
	newRoot, err := tr.SetEntry(ctx, root, nil, "a.txt", fileCID, 7, block.LinkBlob)
	if err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
	if newRoot.Equal(root) {
		t.Fatalf("root did not change after SetEntry")
	}
	if newRoot.Key == nil || root.Key == nil || *newRoot.Key != *root.Key {
		t.Fatalf("root key changed across an edit; it must stay fixed")
	}

	got, typ, err := tr.ReadPath(ctx, newRoot, Parse("a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if typ != block.LinkBlob || !got.Equal(fileCID) {
		t.Fatalf("entry not visible after SetEntry")
	}
}

func TestSetEntryNestedPath(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	key, _ := cryptolayer.RandomKey()

	sub, err := tr.PutDirectory(ctx, nil, &key)
	if err != nil {
		t.Fatal(err)
	}
	root, err := tr.NewRootDir(ctx, []block.Entry{
		{Name: "sub", CID: sub, Type: block.LinkDir},
	}, &key)
	if err != nil {
		t.Fatal(err)
	}

	fileCID, err := tr.WriteFile(ctx, []byte("nested"), &key)
	if err != nil {
		t.Fatal(err)
	}
	newRoot, err := tr.SetEntry(ctx, root, Parse("sub"), "f.txt", fileCID, 6, block.LinkBlob)
	if err != nil {
		t.Fatalf("SetEntry nested: %v", err)
	}

	got, _, err := tr.ReadPath(ctx, newRoot, Parse("sub/f.txt"))
	if err != nil {
		t.Fatalf("ReadPath nested: %v", err)
	}
	if !got.Equal(fileCID) {
		t.Fatalf("nested entry mismatch")
	}

	// The subdirectory's own key must be unchanged by the edit.
	subCID, _, err := tr.ReadPath(ctx, newRoot, Parse("sub"))
	if err != nil {
		t.Fatal(err)
	}
	if subCID.Key == nil || sub.Key == nil || *subCID.Key != *sub.Key {
		t.Fatalf("subdirectory key changed across an edit")
	}
}

func TestSetEntryMissingParentIsNotFound(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	key, _ := cryptolayer.RandomKey()
	root, err := tr.NewRootDir(ctx, nil, &key)
	if err != nil {
		t.Fatal(err)
	}
	fileCID, _ := tr.WriteFile(ctx, []byte("x"), &key)
	if _, err := tr.SetEntry(ctx, root, Parse("missing"), "f", fileCID, 1, block.LinkBlob); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetEntryUnderBlobIsNotADirectory(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	key, _ := cryptolayer.RandomKey()

	fileCID, err := tr.WriteFile(ctx, []byte("a file"), &key)
	if err != nil {
		t.Fatal(err)
	}
	root, err := tr.NewRootDir(ctx, []block.Entry{
		{Name: "f", CID: fileCID, Type: block.LinkBlob},
	}, &key)
	if err != nil {
		t.Fatal(err)
	}

	otherCID, _ := tr.WriteFile(ctx, []byte("y"), &key)
	if _, err := tr.SetEntry(ctx, root, Parse("f"), "nested", otherCID, 1, block.LinkBlob); !errors.Is(err, ErrNotADirectory) {
		t.Fatalf("err = %v, want ErrNotADirectory", err)
	}
}

func TestRemoveEntryRetainsEmptyDir(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	key, _ := cryptolayer.RandomKey()

	sub, err := tr.PutDirectory(ctx, nil, &key)
	if err != nil {
		t.Fatal(err)
	}
	fileCID, err := tr.WriteFile(ctx, []byte("z"), &key)
	if err != nil {
		t.Fatal(err)
	}
	root, err := tr.NewRootDir(ctx, []block.Entry{{Name: "sub", CID: sub, Type: block.LinkDir}}, &key)
	if err != nil {
		t.Fatal(err)
	}
	root, err = tr.SetEntry(ctx, root, Path{"sub"}, "f.txt", fileCID, 1, block.LinkBlob)
	if err != nil {
		t.Fatal(err)
	}

	newRoot, err := tr.RemoveEntry(ctx, root, Path{"sub"}, "f.txt")
	if err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}

	entries, err := tr.ListDirectory(ctx, mustChild(t, tr, newRoot, "sub"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty directory, got %+v", entries)
	}
	// The now-empty "sub" directory itself must still be reachable from root.
	if _, _, err := tr.ReadPath(ctx, newRoot, Path{"sub"}); err != nil {
		t.Fatalf("empty directory was collapsed: %v", err)
	}
}

func mustChild(t *testing.T, tr *Tree, root block.CID, name string) block.CID {
	t.Helper()
	cid, _, err := tr.ReadPath(context.Background(), root, Path{name})
	if err != nil {
		t.Fatalf("ReadPath(%q): %v", name, err)
	}
	return cid
}

func TestIsDirectory(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	key, _ := cryptolayer.RandomKey()

	root, err := tr.NewRootDir(ctx, nil, &key)
	if err != nil {
		t.Fatal(err)
	}
	isDir, err := tr.IsDirectory(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if !isDir {
		t.Fatalf("root should be a directory")
	}

	fileCID, err := tr.WriteFile(ctx, []byte("x"), &key)
	if err != nil {
		t.Fatal(err)
	}
	isDir, err = tr.IsDirectory(ctx, fileCID)
	if err != nil {
		t.Fatal(err)
	}
	if isDir {
		t.Fatalf("file should not be a directory")
	}
}

func TestPathParseAndString(t *testing.T) {
	p := Parse("/a//b/c/")
	if p.String() != "a/b/c" {
		t.Fatalf("Parse/String round trip = %q", p.String())
	}
	joined := Path{"x"}.Join("y", "z")
	if joined.String() != "x/y/z" {
		t.Fatalf("Join = %q", joined.String())
	}
}
