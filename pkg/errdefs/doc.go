// Package errdefs defines Rookery's error taxonomy. Every error that crosses
// a component boundary carries a Kind; callers branch on the kind with the
// Is* predicates and the CLI maps kinds to exit codes.
package errdefs
