// Package tgui holds text helpers for chat messages: rune-safe truncation
// and splitting to Telegram's message size.
package tgui
