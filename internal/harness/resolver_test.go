package harness

import (
	"context"
	"strings"
	"testing"
)

type fakeDevice struct {
	instrumentation map[string]string
	packages        string
	dumpsys         map[string]string
	installed       map[string]bool

	instrumentationQueries []string
}

func (f *fakeDevice) ListInstrumentation(ctx context.Context, pkg string) (string, error) {
	f.instrumentationQueries = append(f.instrumentationQueries, pkg)
	return f.instrumentation[pkg], nil
}

func (f *fakeDevice) ListPackages(ctx context.Context) (string, error) {
	return f.packages, nil
}

func (f *fakeDevice) DumpsysPackage(ctx context.Context, pkg string) (string, error) {
	return f.dumpsys[pkg], nil
}

func (f *fakeDevice) PackageInstalled(ctx context.Context, pkg string) bool {
	return f.installed[pkg]
}

type fakeInstaller struct {
	result AutoInstallResult
	onRun  func()
	calls  int
}

func (f *fakeInstaller) Install(ctx context.Context) AutoInstallResult {
	f.calls++
	if f.onRun != nil {
		f.onRun()
	}
	return f.result
}

func TestResolveExactComponent(t *testing.T) {
	device := &fakeDevice{instrumentation: map[string]string{
		"com.novapdf.reader.test": "instrumentation:com.novapdf.reader.test/dagger.hilt.android.testing.HiltTestRunner (target=com.novapdf.reader)\n",
	}}
	r := &Resolver{Device: device, Diag: &strings.Builder{}}
	component, install, err := r.Resolve(context.Background(), "com.novapdf.reader.test/dagger.hilt.android.testing.HiltTestRunner")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if component != "com.novapdf.reader.test/dagger.hilt.android.testing.HiltTestRunner" {
		t.Fatalf("unexpected component %q", component)
	}
	if install.Attempted {
		t.Fatalf("install should not run when resolution succeeds")
	}
	if device.instrumentationQueries[0] != "com.novapdf.reader.test" {
		t.Fatalf("scoped query expected first, got %v", device.instrumentationQueries)
	}
}

func TestResolveWildcardRunner(t *testing.T) {
	listing := strings.Join([]string{
		"instrumentation:pkg.a/Runner1 (target=pkg.a)",
		"instrumentation:pkg.b/Runner2 (target=pkg.b)",
	}, "\n")
	device := &fakeDevice{instrumentation: map[string]string{"": listing}}
	r := &Resolver{Device: device, Diag: &strings.Builder{}}
	component, _, err := r.Resolve(context.Background(), "pkg.*/Runner2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if component != "pkg.b/Runner2" {
		t.Fatalf("wildcard resolution wrong: %q", component)
	}
	if strings.Contains(component, "*") {
		t.Fatalf("resolved component still carries a wildcard: %q", component)
	}
}

func TestResolveFallbackEmitsNotice(t *testing.T) {
	listing := "instrumentation:other.pkg/OtherRunner (target=other.pkg)\n"
	device := &fakeDevice{instrumentation: map[string]string{"": listing}}
	var diag strings.Builder
	r := &Resolver{Device: device, Diag: &diag}
	component, _, err := r.Resolve(context.Background(), "com.novapdf.reader.test/HiltTestRunner")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if component != "other.pkg/OtherRunner" {
		t.Fatalf("fallback not used: %q", component)
	}
	if !strings.Contains(diag.String(), "not installed; using other.pkg/OtherRunner") {
		t.Fatalf("fallback notice missing:\n%s", diag.String())
	}
}

func TestResolveAutoInstallRetry(t *testing.T) {
	device := &fakeDevice{instrumentation: map[string]string{}}
	installer := &fakeInstaller{result: AutoInstallResult{Attempted: true, Succeeded: true}}
	installer.onRun = func() {
		device.instrumentation[""] = "instrumentation:com.novapdf.reader.test/HiltTestRunner (target=com.novapdf.reader)\n"
		device.instrumentation["com.novapdf.reader.test"] = device.instrumentation[""]
	}
	r := &Resolver{Device: device, Installer: installer, Diag: &strings.Builder{}}
	component, install, err := r.Resolve(context.Background(), "com.novapdf.reader.test/HiltTestRunner")
	if err != nil {
		t.Fatalf("resolve after install: %v", err)
	}
	if component != "com.novapdf.reader.test/HiltTestRunner" {
		t.Fatalf("unexpected component %q", component)
	}
	if installer.calls != 1 || !install.Attempted {
		t.Fatalf("install collaborator not invoked exactly once: calls=%d install=%+v", installer.calls, install)
	}
}

func TestResolveNotFoundAfterInstall(t *testing.T) {
	device := &fakeDevice{instrumentation: map[string]string{}}
	installer := &fakeInstaller{result: AutoInstallResult{Attempted: true}}
	var diag strings.Builder
	r := &Resolver{Device: device, Installer: installer, Diag: &diag}
	_, _, err := r.Resolve(context.Background(), "com.novapdf.reader.test/HiltTestRunner")
	if err == nil {
		t.Fatalf("expected resolution failure")
	}
	if !strings.Contains(diag.String(), "after Gradle installation") {
		t.Fatalf("install-attempted suffix missing:\n%s", diag.String())
	}
}

func TestResolveRejectsUnresolvedWildcard(t *testing.T) {
	listing := "instrumentation:*/Runner (target=pkg)\n"
	device := &fakeDevice{instrumentation: map[string]string{"": listing}}
	var diag strings.Builder
	r := &Resolver{Device: device, Diag: &diag}
	component, _, err := r.Resolve(context.Background(), "*/Runner")
	if err == nil {
		t.Fatalf("expected failure, got %q", component)
	}
	if strings.Contains(component, "*") {
		t.Fatalf("wildcard leaked out of resolution: %q", component)
	}
	if !strings.Contains(diag.String(), "rejecting it") {
		t.Fatalf("rejection notice missing:\n%s", diag.String())
	}
}

func TestEnsureTargetInstalled(t *testing.T) {
	component := "com.novapdf.reader.test/HiltTestRunner"
	dumpsys := strings.Join([]string{
		"Packages:",
		"  Instrumentation " + component + ":",
		"    targetPackage=com.novapdf.reader",
	}, "\n")
	device := &fakeDevice{
		dumpsys:   map[string]string{"com.novapdf.reader.test": dumpsys},
		installed: map[string]bool{},
	}
	r := &Resolver{Device: device, Diag: &strings.Builder{}}

	err := r.EnsureTargetInstalled(context.Background(), component)
	if err == nil || !strings.Contains(err.Error(), "com.novapdf.reader is not installed") {
		t.Fatalf("expected missing-target error, got %v", err)
	}

	device.installed["com.novapdf.reader"] = true
	if err := r.EnsureTargetInstalled(context.Background(), component); err != nil {
		t.Fatalf("target installed but error returned: %v", err)
	}
}
