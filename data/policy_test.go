package data_test

import (
	"errors"
	"testing"

	"github.com/mwantia/forestfs/data"
)

func TestParsePolicy(t *testing.T) {
	cases := map[string]struct {
		actions []string
		want    data.Policy
		wantErr bool
	}{
		"empty":         {actions: nil, want: data.Policy{}},
		"null-null":     {actions: []string{"null", "null"}, want: data.Policy{}},
		"rename-skip":   {actions: []string{"rename", "skip"}, want: data.Policy{data.PolicyRename, data.PolicySkip}},
		"skip-only":     {actions: []string{"skip"}, want: data.Policy{data.PolicySkip, data.PolicyFail}},
		"unknown":       {actions: []string{"overwrite"}, wantErr: true},
		"three-actions": {actions: []string{"skip", "skip", "skip"}, wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(tst *testing.T) {
			got, err := data.ParsePolicy(tc.actions)
			if tc.wantErr {
				if !errors.Is(err, data.ErrInvalid) {
					tst.Fatalf("Expected ErrInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				tst.Fatalf("ParsePolicy failed: %v", err)
			}
			if got != tc.want {
				tst.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"file.txt", "with space", "üñïçödé", "a"} {
		if err := data.ValidateName(name); err != nil {
			t.Errorf("Expected %q to be valid: %v", name, err)
		}
	}

	for _, name := range []string{"", ".", "..", "a/b", "nul\x00byte"} {
		if err := data.ValidateName(name); !errors.Is(err, data.ErrInvalid) {
			t.Errorf("Expected %q to be invalid, got %v", name, err)
		}
	}
}

func TestValidateTags(t *testing.T) {
	if err := data.ValidateTags([]int{1, 2, 3}); err != nil {
		t.Fatalf("ValidateTags failed: %v", err)
	}
	if err := data.ValidateTags([]int{1, 1}); !errors.Is(err, data.ErrInvalid) {
		t.Errorf("Expected duplicate tags to be invalid, got %v", err)
	}
	if err := data.ValidateTags([]int{-1}); !errors.Is(err, data.ErrInvalid) {
		t.Errorf("Expected negative tag to be invalid, got %v", err)
	}
}

func TestStatHasTags(t *testing.T) {
	s := data.Stat{Tags: []int{1, 3, 5}}

	if !s.HasTags([]int{1, 5}) {
		t.Error("Expected superset check to pass")
	}
	if !s.HasTags(nil) {
		t.Error("Expected empty want-set to pass")
	}
	if s.HasTags([]int{1, 2}) {
		t.Error("Expected missing tag to fail the check")
	}
}
