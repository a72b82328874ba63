// Package cmd runs local helper programs with context, stdin and extra
// environment, folding stderr into returned errors.
//
// cpm only shells out for credential lookup (git credential fill); every
// forge interaction goes through the REST client in internal/forge.
package cmd
