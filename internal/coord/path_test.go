package coord

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/", false},
		{"/q1", false},
		{"/apps/billing/jobs", false},
		{"", true},
		{"q1", true},
		{"/q1/", true},
		{"/a//b", true},
	}

	for _, tt := range tests {
		err := ValidatePath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ValidatePath(%q) error should wrap ErrInvalidPath, got %v", tt.path, err)
		}
	}
}

func TestPathHelpers(t *testing.T) {
	if got := Join("/", "q"); got != "/q" {
		t.Errorf("Join(/, q) = %q", got)
	}
	if got := Join("/q", "queue-"); got != "/q/queue-" {
		t.Errorf("Join(/q, queue-) = %q", got)
	}
	if got := Parent("/q/queue-0000000001"); got != "/q" {
		t.Errorf("Parent = %q, want /q", got)
	}
	if got := Parent("/q"); got != "/" {
		t.Errorf("Parent(/q) = %q, want /", got)
	}
	if got := Base("/q/queue-0000000001"); got != "queue-0000000001" {
		t.Errorf("Base = %q", got)
	}
	if got := Ancestors("/a/b/c"); !reflect.DeepEqual(got, []string{"/a", "/a/b"}) {
		t.Errorf("Ancestors(/a/b/c) = %v", got)
	}
	if got := Ancestors("/a"); len(got) != 0 {
		t.Errorf("Ancestors(/a) = %v, want none", got)
	}
}

func TestIsContention(t *testing.T) {
	if !IsContention(fmt.Errorf("get: %w", ErrNoNode)) {
		t.Error("wrapped ErrNoNode should be contention")
	}
	if !IsContention(ErrBadVersion) {
		t.Error("ErrBadVersion should be contention")
	}
	if IsContention(ErrNotConnected) {
		t.Error("ErrNotConnected must not be treated as contention")
	}
	if IsContention(nil) {
		t.Error("nil is not contention")
	}
}
