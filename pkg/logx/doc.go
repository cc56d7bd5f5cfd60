// Package logx is watchbot's structured logger.
//
// A thin wrapper over zerolog that keeps console lines short (timestamp +
// file:line), writes JSON to the optional log file and can mirror warnings to
// a Telegram chat through a rate limited sink.
package logx
