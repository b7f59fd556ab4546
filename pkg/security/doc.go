// Package security provides validation, sanitization, and limits for the
// analysis-jobs package.
package security
