package sandbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []string
	}{
		{"Empty", "", nil},
		{"Whitespace", "   \t ", nil},
		{"Simple", "--seccomp --shell=none", []string{"--seccomp", "--shell=none"}},
		{"Quoted", `--env "A=b c" --x`, []string{"--env", "A=b c", "--x"}},
		{"QuotedInsideToken", `--blacklist="/srv/my data"`, []string{"--blacklist=/srv/my data"}},
		{"EmptyQuoted", `""`, []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseArgs(tt.raw))
		})
	}
}

func TestEnvList(t *testing.T) {
	env := EnvList(map[string]string{"PATH": "/bin", "HOME": "/sandbox", "A": ""})
	assert.Equal(t, []string{"A=", "HOME=/sandbox", "PATH=/bin"}, env)
}

func TestLayout(t *testing.T) {
	t.Run("PrivateHome", func(t *testing.T) {
		layout := Layout{Workspace: ".", Toolchain: "/srv/compiler"}
		assert.Equal(t, "./Program.vx", layout.InWorkspace("Program.vx"))
		assert.Equal(t, "/srv/compiler/Verifex", layout.InToolchain("Verifex"))
	})

	t.Run("Container", func(t *testing.T) {
		layout := Layout{Workspace: ContainerWorkspace, Toolchain: ContainerToolchain}
		assert.Equal(t, "/sandbox/Program.dll", layout.InWorkspace("Program.dll"))
		assert.Equal(t, "/compiler/Verifex.dll", layout.InToolchain("Verifex.dll"))
	})
}

func TestErrors(t *testing.T) {
	t.Run("ExitCode", func(t *testing.T) {
		assert.Equal(t, 3, ExitCode(fmt.Errorf("compile: %w", &ExitError{Code: 3})))
		assert.Equal(t, -1, ExitCode(ErrTimedOut))
		assert.Equal(t, -1, ExitCode(nil))
	})

	t.Run("SpawnErrorMatchesSentinel", func(t *testing.T) {
		cause := errors.New("exec: \"firejail\": executable file not found in $PATH")
		err := fmt.Errorf("run: %w", &SpawnError{Backend: BackendFirejail, Err: cause})

		require.ErrorIs(t, err, ErrSpawnFailed)
		require.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "firejail spawn failed")
	})

	t.Run("ExitErrorIsNotSpawnFailure", func(t *testing.T) {
		assert.NotErrorIs(t, &ExitError{Code: 1}, ErrSpawnFailed)
	})
}
