package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	zlerrors "github.com/mirkobrombin/go-zlock/v1/errors"
)

// Validate checks that p is an absolute, normalized node path.
func Validate(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("path can't be blank")
	}
	if !strings.HasPrefix(p, "/") {
		return errors.New("path must start with /")
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return errors.New("path must not end with /")
	}
	if strings.Contains(p, "//") {
		return errors.New("path must not contain empty segments")
	}
	return nil
}

// Join appends name to parent.
func Join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Parent returns the parent path of p; the parent of "/" is "/".
func Parent(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// Base returns the last segment of p.
func Base(p string) string {
	return p[strings.LastIndexByte(p, '/')+1:]
}

// EnsurePath creates path and all of its missing ancestors as persistent
// nodes. Concurrent creators are tolerated: a node that appears between the
// existence check and the create counts as created.
func EnsurePath(ctx context.Context, s Store, acl []ACL, path string) error {
	if err := Validate(path); err != nil {
		return zlerrors.Usage("ensure-path", path, "%v", err)
	}
	if len(acl) == 0 {
		acl = OpenACL
	}

	// Walk up until an existing ancestor is found, then create downwards.
	var missing []string
	for p := path; p != "/"; p = Parent(p) {
		st, err := s.Exists(ctx, p, false)
		if err != nil {
			return zlerrors.Store("ensure-path", path, err)
		}
		if st != nil {
			break
		}
		missing = append(missing, p)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		_, err := s.Create(ctx, missing[i], nil, ModePersistent, acl)
		if errors.Is(err, ErrNodeExists) {
			slog.Debug("zlock: path created concurrently", "path", missing[i])
			continue
		}
		if err != nil {
			return zlerrors.Store("ensure-path", path, err)
		}
	}
	return nil
}
