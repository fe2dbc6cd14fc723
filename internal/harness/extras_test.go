package harness

import "testing"

func TestParseExtraArgs(t *testing.T) {
	extras, err := ParseExtraArgs([]string{"a=1", "b=x=y", "empty="})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(extras) != 3 || extras[0] != (Extra{Key: "a", Value: "1"}) || extras[1] != (Extra{Key: "b", Value: "x=y"}) || extras[2] != (Extra{Key: "empty", Value: ""}) {
		t.Fatalf("unexpected extras %+v", extras)
	}
	if _, err := ParseExtraArgs([]string{"missing-separator"}); err == nil {
		t.Fatalf("expected error for entry without '='")
	}
}

func TestDeriveFallbackPackageChain(t *testing.T) {
	requested := "com.requested.test/Runner"
	component := "com.resolved.test/Runner"

	got := deriveFallbackPackage(requested, []Extra{{Key: "testPackageName", Value: "com.explicit"}}, component)
	if got != "com.explicit" {
		t.Fatalf("explicit extra ignored: %q", got)
	}

	got = deriveFallbackPackage(requested, []Extra{{Key: "targetInstrumentation", Value: "com.target.test/Runner"}}, component)
	if got != "com.target.test" {
		t.Fatalf("targetInstrumentation ignored: %q", got)
	}

	got = deriveFallbackPackage(requested, []Extra{{Key: "novapdfTestAppId", Value: "com.placeholder"}}, component)
	if got != "com.placeholder" {
		t.Fatalf("placeholder ignored: %q", got)
	}

	got = deriveFallbackPackage(requested, nil, component)
	if got != "com.resolved.test" {
		t.Fatalf("component package expected: %q", got)
	}

	got = deriveFallbackPackage(requested, nil, "")
	if got != "com.requested.test" {
		t.Fatalf("requested package expected: %q", got)
	}
}
