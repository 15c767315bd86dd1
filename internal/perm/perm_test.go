package perm

import (
	"reflect"
	"testing"
)

func TestRequiredMapping(t *testing.T) {
	cases := map[Action]Permission{
		ActionView:     Read,
		ActionDownload: Download,
		ActionEdit:     Modify,
		ActionComment:  Comment,
		ActionShare:    Reshare,
	}
	for action, expected := range cases {
		required, ok := Required(action)
		if !ok {
			t.Fatalf("Required(%s) not mapped", action)
		}
		if required != expected {
			t.Errorf("Required(%s) = %s, expected %s", action, required, expected)
		}
	}
	if _, ok := Required("rename"); ok {
		t.Error("expected unknown action to be unmapped")
	}
}

func TestValid(t *testing.T) {
	for _, permission := range []string{"read", "download", "modify", "comment", "reshare"} {
		if !Valid(permission) {
			t.Errorf("expected %s to be valid", permission)
		}
	}
	if Valid("delete") {
		t.Error("expected delete to be rejected")
	}
	if Valid("") {
		t.Error("expected empty permission to be rejected")
	}
}

func TestTargetMatches(t *testing.T) {
	principal := Principal{
		ID:    "u1",
		Roles: []string{"editor", "reviewer"},
		Orgs:  []string{"org-7"},
	}

	if !TargetMatches(TargetUser, "u1", principal) {
		t.Error("expected direct user match")
	}
	if TargetMatches(TargetUser, "u2", principal) {
		t.Error("expected other user to not match")
	}
	if !TargetMatches(TargetRole, "editor", principal) {
		t.Error("expected held role to match")
	}
	if TargetMatches(TargetRole, "admin", principal) {
		t.Error("expected unheld role to not match")
	}
	if !TargetMatches(TargetOrg, "org-7", principal) {
		t.Error("expected held org to match")
	}
	if TargetMatches(TargetOrg, "org-9", principal) {
		t.Error("expected other org to not match")
	}
	if TargetMatches("group", "editor", principal) {
		t.Error("expected unknown target type to never match")
	}
}

func TestSetUnion(t *testing.T) {
	set := NewSet("read")
	set.Add([]string{"modify", "read"})

	if !set.Has(Read) || !set.Has(Modify) {
		t.Fatalf("expected union to contain read and modify, got %v", set.List())
	}
	if set.Has(Reshare) {
		t.Error("expected reshare to be absent")
	}
	if expected := []string{"modify", "read"}; !reflect.DeepEqual(set.List(), expected) {
		t.Errorf("expected sorted list %v, got %v", expected, set.List())
	}
}
