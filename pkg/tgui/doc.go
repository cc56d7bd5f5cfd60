// Package tgui builds Telegram HTML parse-mode text.
//
// Values of type H are already escaped; plain strings go through Esc or one
// of the tag helpers.
package tgui
