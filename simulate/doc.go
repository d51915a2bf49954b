// Package simulate approximates a compile-and-run without executing anything.
//
// A few textual checks decide success or failure and the output is the list
// of string literals passed to io.print. It keeps the service usable when no
// isolation tooling is available and is always labelled as a simulation.
package simulate
