// Package discovery enumerates the files eligible for indexing.
//
// A file must pass every filter in order: symlink resolution against the
// allow-listed roots, ignore patterns (built-ins, configured patterns and
// nested .gitignore/.dockerignore files), extension allow/block lists and the
// optional include-path restriction. Oversized and binary files are skipped
// with a warning.
package discovery
