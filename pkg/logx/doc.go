// Package logx is broadcastd's structured logging on top of zerolog.
//
// Loggers are values; components keep one with their own fields attached
// (logx.String("comp", ...)). Loggers handed out by a Service keep working
// when Service.Apply swaps sinks on a config reload. Request-scoped loggers
// travel in a context via WithContext and FromContext.
package logx
