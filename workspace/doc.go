// Package workspace manages the per-job directories that hold a snippet's
// source and build artifacts.
//
// Each job gets a fresh directory named job-<uuid> under the configured root,
// created exclusively with a restrictive mode. Manager.With scopes a
// workspace to a function call and removes it on every exit path.
package workspace
