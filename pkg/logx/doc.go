// Package logx configures opsagent's structured logging.
//
// logx.Logger is a small wrapper on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON
//   - an optional chat sink forwards warnings to an operator chat (min-level + rate limited)
package logx
