package storage

import (
	"context"
	"errors"
	"testing"
)

func TestLocalReadWrite(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	if err := s.Write(ctx, "tasks/a.yaml", []byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	data, err := s.Read(ctx, "tasks/a.yaml")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}

	exists, err := s.Exists(ctx, "tasks/a.yaml")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if !exists {
		t.Error("expected path to exist")
	}
}

func TestLocalReadMissing(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	if _, err := s.Read(ctx, "tasks/missing.yaml"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "tasks/missing.yaml"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on delete, got %v", err)
	}
}

func TestLocalListSorted(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	for _, name := range []string{"tasks/c.yaml", "tasks/a.yaml", "tasks/b.yaml"} {
		if err := s.Write(ctx, name, []byte("x")); err != nil {
			t.Fatalf("write %s failed: %v", name, err)
		}
	}

	paths, err := s.List(ctx, "tasks")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []string{"tasks/a.yaml", "tasks/b.yaml", "tasks/c.yaml"}
	if len(paths) != len(want) {
		t.Fatalf("expected %d paths, got %d: %v", len(want), len(paths), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d]: expected %s, got %s", i, want[i], paths[i])
		}
	}
}

func TestLocalListMissingPrefix(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	paths, err := s.List(context.Background(), "nothing/here")
	if err != nil {
		t.Fatalf("expected empty listing, got error: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("expected no paths, got %v", paths)
	}
}

func TestLocalRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	for _, path := range []string{
		"..",
		"../escape",
		"tasks/../../escape",
		"../../../../etc/passwd",
	} {
		if err := s.Write(ctx, path, []byte("x")); err == nil {
			t.Errorf("write %q: expected rejection", path)
		}
		if _, err := s.Read(ctx, path); err == nil {
			t.Errorf("read %q: expected rejection", path)
		}
		if err := s.Delete(ctx, path); err == nil {
			t.Errorf("delete %q: expected rejection", path)
		}
		if _, err := s.Exists(ctx, path); err == nil {
			t.Errorf("exists %q: expected rejection", path)
		}
		if _, err := s.List(ctx, path); err == nil {
			t.Errorf("list %q: expected rejection", path)
		}
	}

	// Dot segments that stay inside the root are still fine.
	if err := s.Write(ctx, "tasks/sub/../a.yaml", []byte("x")); err != nil {
		t.Errorf("in-root dot segment rejected: %v", err)
	}
}

func TestLocalOverwrite(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	if err := s.Write(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := s.Write(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	data, err := s.Read(ctx, "k")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("expected v2, got %q", data)
	}
}
