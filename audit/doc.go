// Package audit keeps a log of submitted snippets and their results in an
// embedded sqlite database.
//
// Entries are deduplicated by the sha256 of the snippet text. Audit failures
// never affect the job that produced them.
package audit
