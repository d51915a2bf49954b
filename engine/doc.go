// Package engine implements the compile-and-run pipeline.
//
// CompileAndRun takes a snippet through a fixed sequence of states: the
// source is written into a fresh workspace, compiled inside the isolation
// backend, the produced artifacts are verified, and the program is executed
// under the same limits with its own timeout. The workspace is removed on
// every path.
//
// Failures are classified by FailureKind. Snippet-caused kinds come back as
// an unsuccessful Result; host-caused kinds come back as *Error unless the
// simulation policy replaces them with a simulated Result.
package engine
