package filestorage

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileSystemStoreFile(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileSystem(root)
	if err != nil {
		t.Fatal(err)
	}

	src := path.Join(t.TempDir(), "staged")
	if err := os.WriteFile(src, []byte("Id,Name\n1,Foo\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := fs.StoreFile(src, "750XXA_1.csv"); err != nil {
		t.Fatal(err)
	}

	if !fs.FileExists("750XXA_1.csv") {
		t.Error("Expected the stored file to exist")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("Expected the source file to be removed")
	}

	data, err := os.ReadFile(path.Join(root, "750XXA_1.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "Id,Name\n1,Foo\n" {
		t.Errorf("Unexpected stored content %q", data)
	}

	if err := fs.DeleteFile("750XXA_1.csv"); err != nil {
		t.Fatal(err)
	}
	if fs.FileExists("750XXA_1.csv") {
		t.Error("Expected the file to be deleted")
	}
}

func TestFileSystemFilePath(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileSystem(root)
	if err != nil {
		t.Fatal(err)
	}

	p := fs.FilePath("750XXA_1.csv")
	if !filepath.IsAbs(p) {
		t.Errorf("Expected an absolute path, got %q", p)
	}
	if path.Base(p) != "750XXA_1.csv" {
		t.Errorf("Expected the batch file name to be preserved, got %q", p)
	}
}

func TestNew(t *testing.T) {
	fs, err := New(t.TempDir(), map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fs.(*FileSystem); !ok {
		t.Errorf("Expected a FileSystem backend, got %T", fs)
	}

	if _, err := New(t.TempDir(), map[string]string{"backend": "s3"}); err == nil {
		t.Error("Expected an error for s3 without region and bucket")
	}

	_, err = New(t.TempDir(), map[string]string{"backend": "carrier-pigeon"})
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("Expected an unknown backend error, got %v", err)
	}
}
