package secrets

import (
	"errors"
	"strings"
	"testing"
)

func TestEnvLoader(t *testing.T) {
	t.Setenv("SECRETS_TEST_TOKEN", "tok-123")

	vals, err := EnvLoader("SECRETS_TEST_TOKEN", "SECRETS_TEST_ABSENT")()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if vals["SECRETS_TEST_TOKEN"] != "tok-123" {
		t.Fatalf("expected tok-123, got %q", vals["SECRETS_TEST_TOKEN"])
	}
	if _, ok := vals["SECRETS_TEST_ABSENT"]; ok {
		t.Fatal("absent variable should be omitted")
	}
}

func TestVaultReload(t *testing.T) {
	current := map[string]string{"KEY": "v1"}
	v, err := NewVault(func() (map[string]string, error) { return current, nil })
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	if got := v.Get("KEY"); got != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}

	current = map[string]string{"KEY": "v2"}
	if err := v.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := v.Get("KEY"); got != "v2" {
		t.Fatalf("expected v2 after reload, got %q", got)
	}
}

func TestVaultReloadKeepsValuesOnError(t *testing.T) {
	calls := 0
	v, err := NewVault(func() (map[string]string, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("source down")
		}
		return map[string]string{"KEY": "v1"}, nil
	})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := v.Get("KEY"); got != "v1" {
		t.Fatalf("failed reload should keep old values, got %q", got)
	}
}

func TestExpand(t *testing.T) {
	v, err := NewVault(func() (map[string]string, error) {
		return map[string]string{"MCP_TOKEN": "tok-123"}, nil
	})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	out, err := v.Expand(map[string]string{
		"Authorization": "Bearer ${MCP_TOKEN}",
		"X-Plain":       "literal",
		"X-Price":       "costs $5",
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got := out["Authorization"]; got != "Bearer tok-123" {
		t.Fatalf("expected expanded bearer, got %q", got)
	}
	if got := out["X-Plain"]; got != "literal" {
		t.Fatalf("literal value changed: %q", got)
	}
	if got := out["X-Price"]; got != "costs $5" {
		t.Fatalf("shell special should stay verbatim, got %q", got)
	}
}

func TestExpandMissingReference(t *testing.T) {
	v, err := NewVault(func() (map[string]string, error) { return nil, nil })
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	_, err = v.Expand(map[string]string{"Authorization": "Bearer ${NOPE}"})
	if err == nil {
		t.Fatal("expected error for unresolved reference")
	}
	if !strings.Contains(err.Error(), "NOPE") {
		t.Fatalf("error should name the missing secret: %v", err)
	}
}

func TestRefs(t *testing.T) {
	names := Refs(
		map[string]string{"Authorization": "Bearer ${MCP_TOKEN}", "X-Org": "$ORG_ID"},
		map[string]string{"API_KEY": "${MCP_TOKEN}", "PATH_SUFFIX": "plain"},
	)
	want := []string{"MCP_TOKEN", "ORG_ID"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}
