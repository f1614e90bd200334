package coord

import (
	"fmt"
	"strings"
)

// ValidatePath checks that p is an absolute, normalized node path.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("%w: %q must start with /", ErrInvalidPath, p)
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("%w: %q must not end with /", ErrInvalidPath, p)
	}
	if strings.Contains(p, "//") {
		return fmt.Errorf("%w: %q contains an empty segment", ErrInvalidPath, p)
	}
	return nil
}

// Join appends a child name to a parent path.
func Join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Parent returns the parent of p ("/" for top-level nodes).
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

// Ancestors returns every proper ancestor of p below the root, shallowest
// first. Ancestors("/a/b/c") is ["/a", "/a/b"].
func Ancestors(p string) []string {
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}
