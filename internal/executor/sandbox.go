package executor

import (
	"fmt"
	"os/exec"
)

// KernelSandboxAvailable reports whether bubblewrap is installed. When it
// is, agent runtimes are launched inside a bwrap namespace; otherwise the
// bash guard is the only enforcement layer.
func KernelSandboxAvailable() bool {
	_, err := exec.LookPath("bwrap")
	return err == nil
}

// sandboxArgv wraps the runtime invocation in a bwrap namespace: read-only
// system mounts, a writable bind for the project directory, read-only binds
// for the declared extra directories, and optionally no network.
func sandboxArgv(projectDir string, extraRead []string, networkIsolation bool, runtime []string) []string {
	argv := []string{
		"bwrap",
		"--die-with-parent",
		"--unshare-pid",
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/bin", "/bin",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind-try", "/lib64", "/lib64",
		"--ro-bind-try", "/etc/ssl", "/etc/ssl",
		"--ro-bind-try", "/etc/resolv.conf", "/etc/resolv.conf",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--bind", projectDir, projectDir,
		"--chdir", projectDir,
	}
	for _, dir := range extraRead {
		if dir != "" {
			argv = append(argv, "--ro-bind-try", dir, dir)
		}
	}
	if networkIsolation {
		argv = append(argv, "--unshare-net")
	}
	return append(argv, runtime...)
}

// CheckSandbox fails when the config demands a kernel sandbox that the host
// cannot provide. Called once at startup.
func CheckSandbox(required bool) error {
	if required && !KernelSandboxAvailable() {
		return fmt.Errorf("require_kernel_sandbox is set but bwrap is not installed")
	}
	return nil
}
