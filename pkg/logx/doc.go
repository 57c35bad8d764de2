// Package logx wraps zerolog behind a small Logger/Field facade with
// hot-swappable sinks (console, file, rate-limited Telegram chat).
//
// The Logger value is cheap to copy and safe to use from any goroutine.
package logx
