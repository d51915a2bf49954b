// Package toolchain keeps the compiler installation ready for use.
//
// The toolchain directory is considered ready when every required artifact
// is present and its .toolchain-version sentinel matches the configured
// repository, revision and native dependency. Otherwise Manager.EnsureReady
// bootstraps it: a Builder fills a staging directory, the sentinel is written
// last, and the staging directory replaces the live one by rename.
//
// Concurrent EnsureReady calls share one bootstrap.
package toolchain
