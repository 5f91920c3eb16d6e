package session

import "testing"

func TestBuildEnvOverridesExistingKey(t *testing.T) {
	t.Setenv("SCTL_TEST_VAR", "original")
	env := BuildEnv([]string{"SCTL_TEST_VAR=overridden"})

	found := false
	for _, e := range env {
		if e == "SCTL_TEST_VAR=overridden" {
			found = true
		}
		if e == "SCTL_TEST_VAR=original" {
			t.Fatal("original value should have been replaced, not duplicated")
		}
	}
	if !found {
		t.Fatal("override not present in merged env")
	}
}

func TestBuildEnvAppendsNewKey(t *testing.T) {
	env := BuildEnv([]string{"SCTL_BRAND_NEW_VAR=hello"})
	found := false
	for _, e := range env {
		if e == "SCTL_BRAND_NEW_VAR=hello" {
			found = true
		}
	}
	if !found {
		t.Fatal("new override should be appended")
	}
}

func TestBuildEnvNoOverridesReturnsInherited(t *testing.T) {
	t.Setenv("SCTL_TEST_VAR2", "value")
	env := BuildEnv(nil)
	found := false
	for _, e := range env {
		if e == "SCTL_TEST_VAR2=value" {
			found = true
		}
	}
	if !found {
		t.Fatal("inherited env var missing with no overrides")
	}
}
