// Package sandbox runs untrusted commands under an OS-level isolation boundary.
//
// A Backend executes one Invocation: a command, a workspace mounted
// read-write, a toolchain directory mounted read-only, resource limits and a
// timeout. Four variants exist:
//
//   - firejail: a namespace jail with no network and no capabilities
//   - podman: a throwaway container driven through the podman (or docker) CLI
//   - docker: a throwaway container driven through the Docker Engine API
//   - local: no isolation, for development and tests only
//
// Every variant supervises the process with Supervise, which sends SIGTERM
// when the deadline fires and SIGKILL after a grace period. Captured output
// is returned even when the process was killed.
//
// Usage:
//
//	backend, err := sandbox.NewBackend(logger, cfg)
//	layout := backend.Layout(workspaceDir, toolchainDir)
//	out, err := backend.Run(ctx, sandbox.Invocation{
//	    Command:   []string{layout.InToolchain("Verifex"), layout.InWorkspace("Program.vx")},
//	    Workspace: workspaceDir,
//	    Timeout:   10 * time.Second,
//	})
package sandbox
