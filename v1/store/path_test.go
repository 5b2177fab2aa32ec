package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	zlerrors "github.com/mirkobrombin/go-zlock/v1/errors"
	"github.com/mirkobrombin/go-zlock/v1/store"
	"github.com/mirkobrombin/go-zlock/v1/store/memory"
)

func TestPathHelpers(t *testing.T) {
	if store.Parent("/a/b/c") != "/a/b" || store.Parent("/a") != "/" || store.Parent("/") != "/" {
		t.Fatal("unexpected parent")
	}
	if store.Base("/a/b/member_01") != "member_01" {
		t.Fatal("unexpected base")
	}
	if store.Join("/", "a") != "/a" || store.Join("/a", "b") != "/a/b" {
		t.Fatal("unexpected join")
	}
	for _, bad := range []string{"", "  ", "a/b", "/a/", "/a//b"} {
		if store.Validate(bad) == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestEnsurePathCreatesAncestors(t *testing.T) {
	srv := memory.NewServer()
	s, err := srv.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := store.EnsurePath(ctx, s, nil, "/mallen/test/dl"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for _, p := range []string{"/mallen", "/mallen/test", "/mallen/test/dl"} {
		if !srv.Exists(p) {
			t.Fatalf("%s missing", p)
		}
	}
	// Idempotent.
	if err := store.EnsurePath(ctx, s, nil, "/mallen/test/dl"); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
}

func TestEnsurePathRejectsBadPaths(t *testing.T) {
	srv := memory.NewServer()
	s, _ := srv.Connect(context.Background())
	defer s.Close()
	for _, p := range []string{"", "locks/a"} {
		err := store.EnsurePath(context.Background(), s, nil, p)
		if !errors.Is(err, zlerrors.ErrUsage) {
			t.Fatalf("expected usage fault for %q, got %v", p, err)
		}
	}
}

func TestEnsurePathConcurrentCreators(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		s, err := srv.Connect(ctx)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer s.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.EnsurePath(ctx, s, nil, "/a/b/c/d")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	if !srv.Exists("/a/b/c/d") {
		t.Fatal("path missing")
	}
}

func TestEnsurePathSurfacesStoreErrors(t *testing.T) {
	srv := memory.NewServer()
	s, _ := srv.Connect(context.Background())
	srv.Expire(s.ID())
	err := store.EnsurePath(context.Background(), s, nil, "/x")
	if !errors.Is(err, zlerrors.ErrStore) || !errors.Is(err, store.ErrSessionExpired) {
		t.Fatalf("expected store fault wrapping expiry, got %v", err)
	}
}
