// Package bpath implements path canonicalization for the VFS (spec
// §4.J): split on '/', normalize '.'/'..' and repeated slashes.
//
// biscuit's bpath package carried only a go.mod with no source in the
// retrieved pack; this is a from-scratch implementation in the same
// Ustr-based style used throughout fd/fs, following the normalization
// rule spec §4.J states directly.
package bpath

import "github.com/nimbusos/corekernel/ustr"

// Canonicalize normalizes p: collapses repeated slashes, resolves '.'
// and '..' components, and always returns an absolute path starting
// with '/'.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	parts := Split(p)
	var stack []ustr.Ustr
	for _, part := range parts {
		switch {
		case len(part) == 0:
			continue
		case part.Isdot():
			continue
		case part.Isdotdot():
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	out := ustr.MkUstr()
	for _, part := range stack {
		out = append(out, '/')
		out = append(out, part...)
	}
	if len(out) == 0 {
		return ustr.MkUstrRoot()
	}
	return out
}

// Split breaks p into its '/'-delimited components, dropping empty
// components produced by leading/repeated slashes.
func Split(p ustr.Ustr) []ustr.Ustr {
	var parts []ustr.Ustr
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	return parts
}
