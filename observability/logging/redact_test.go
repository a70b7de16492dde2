package logging

import "testing"

func TestMaskFieldRedactsSensitiveKeys(t *testing.T) {
	attr := MaskField("supplied_hash", "deadbeef")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("expected redacted value, got %q", attr.Value.String())
	}
}

func TestMaskFieldPassesAllowlistedKeys(t *testing.T) {
	attr := MaskField("txn_ref", "ORD20260901AB")
	if attr.Value.String() != "ORD20260901AB" {
		t.Fatalf("allowlisted key was redacted: %q", attr.Value.String())
	}
}

func TestMaskFieldLeavesEmptyValues(t *testing.T) {
	attr := MaskField("client_key", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value was rewritten: %q", attr.Value.String())
	}
}

func TestRedactionAllowlistIsStable(t *testing.T) {
	keys := RedactionAllowlist()
	if len(keys) == 0 {
		t.Fatal("allowlist is empty")
	}
	for _, key := range keys {
		if !IsAllowlisted(key) {
			t.Fatalf("allowlist key %q not recognised", key)
		}
	}
	if IsAllowlisted("card_type") {
		t.Fatal("card_type must not be allowlisted")
	}
}
