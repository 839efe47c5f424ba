// Package textclean tidies pasted text before it is read aloud.
package textclean

import "strings"

// Clean drops markdown emphasis and heading markers (* # _ ` ~). Everything
// else, whitespace included, is left as is.
func Clean(text string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '#', '_', '`', '~':
			return -1
		}
		return r
	}, text)
}
