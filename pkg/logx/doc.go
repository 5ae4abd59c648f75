// Package logx configures the dispatcher's structured logging on zerolog.
//
// Console output is human-readable; files and plain stdout get JSON lines.
// Service.Apply swaps the level and sinks at runtime without reopening an
// unchanged log file.
package logx
