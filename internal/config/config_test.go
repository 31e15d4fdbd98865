package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatal(err)
	}
	folders, err := s.GetFolders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(folders) != 0 {
		t.Fatalf("expected empty registry, got %d folders", len(folders))
	}
}

func TestAddGetRemoveFolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddFolder(ctx, "/docs", "mini-384"); err != nil {
		t.Fatal(err)
	}

	if err := s.AddFolder(ctx, "/docs", "mini-384"); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	fc, ok, err := s.GetFolder(ctx, "/docs")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "mini-384", fc.Model)

	// A fresh Store opened against the same path sees the persisted entry.
	reopened, err := Open(path)
	require.NoError(t, err)
	folders, err := reopened.GetFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)

	if err := s.RemoveFolder(ctx, "/docs"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveFolder(ctx, "/docs"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetFolderNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := s.GetFolder(context.Background(), "/missing")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false for missing folder")
	}
}
