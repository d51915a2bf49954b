package toolchain

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codepad/config"
	"github.com/isdmx/codepad/sandbox"
)

const (
	buildDirName = ".build"
	// maxNativeDepBytes caps the extracted native library
	maxNativeDepBytes = 512 * 1024 * 1024
	commandGrace      = 5 * time.Second
)

// SourceBuilder clones the compiler repository, publishes it with the .NET
// SDK and installs the pinned native solver library next to it.
type SourceBuilder struct {
	logger     *zap.Logger
	config     config.ToolchainConfig
	cmdRunner  sandbox.CommandRunner
	httpClient *http.Client
}

// SourceBuilderOption defines a functional option for SourceBuilder
type SourceBuilderOption func(*SourceBuilder)

// WithBuilderCommandRunner sets the CommandRunner used for git and dotnet
func WithBuilderCommandRunner(cmdRunner sandbox.CommandRunner) SourceBuilderOption {
	return func(b *SourceBuilder) {
		b.cmdRunner = cmdRunner
	}
}

// WithHTTPClient sets the client used to download the native library
func WithHTTPClient(client *http.Client) SourceBuilderOption {
	return func(b *SourceBuilder) {
		b.httpClient = client
	}
}

// NewSourceBuilder creates a new SourceBuilder with default implementations and optional interfaces
func NewSourceBuilder(logger *zap.Logger, cfg config.ToolchainConfig, opts ...SourceBuilderOption) *SourceBuilder {
	builder := &SourceBuilder{
		logger:     logger,
		config:     cfg,
		cmdRunner:  sandbox.ProcessRunner{MaxOutputBytes: 64 * 1024},
		httpClient: http.DefaultClient,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder
}

// Build populates dir with the compiler and its native dependency
func (b *SourceBuilder) Build(ctx context.Context, dir string) error {
	buildDir := filepath.Join(dir, buildDirName)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	defer os.RemoveAll(buildDir)

	srcDir := filepath.Join(buildDir, "src")
	if err := b.run(ctx, "", "git", "clone",
		"--branch", b.config.Revision,
		"--depth", "1",
		b.config.Repo, srcDir,
	); err != nil {
		return err
	}

	if err := b.run(ctx, srcDir, "dotnet", "publish",
		filepath.Join(srcDir, filepath.FromSlash(b.config.ProjectPath)),
		"-c", "Release",
		"-r", b.config.RuntimeID,
		"--self-contained", "true",
		"-p:PublishSingleFile=true",
		"-o", dir,
	); err != nil {
		return err
	}

	if b.config.NativeDepURL == "" {
		return nil
	}

	archive := filepath.Join(buildDir, "native.zip")
	if err := b.download(ctx, b.config.NativeDepURL, archive); err != nil {
		return err
	}
	return extractMember(archive, b.config.NativeDepName, filepath.Join(dir, b.config.NativeDepName))
}

func (b *SourceBuilder) run(ctx context.Context, dir string, args ...string) error {
	b.logger.Info("running bootstrap step", zap.Strings("command", args))

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	out, err := b.cmdRunner.Run(ctx, sandbox.Command{
		Args:    args,
		Env:     os.Environ(),
		Dir:     dir,
		Timeout: timeout,
		Grace:   commandGrace,
	})
	if err != nil {
		return fmt.Errorf("command %q failed: %w: %s", strings.Join(args, " "), err, lastLines(out.Stderr, 5))
	}
	return nil
}

func (b *SourceBuilder) download(ctx context.Context, url, dest string) error {
	b.logger.Info("downloading native dependency", zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: unexpected status %s", url, resp.Status)
	}

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	return file.Close()
}

// extractMember copies the first archive entry whose base name is name to dest
func extractMember(archive, name, dest string) error {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() || filepath.Base(file.Name) != name {
			continue
		}

		src, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
		}
		defer src.Close()

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", dest, err)
		}
		defer out.Close()

		if _, err := io.Copy(out, io.LimitReader(src, maxNativeDepBytes)); err != nil {
			return fmt.Errorf("failed to extract %s: %w", name, err)
		}
		return out.Close()
	}

	return fmt.Errorf("archive does not contain %s", name)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
