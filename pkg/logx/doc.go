// Package logx is a thin structured-logging facade over zerolog.
//
// It exists so the rest of the codebase never imports zerolog directly:
// components take a logx.Logger, derive scoped loggers with With(), and
// attach fields via the Field helpers (String, Int, Err, ...).
//
// The Service owns the sink configuration (console, file) and can swap
// levels and outputs at runtime via Apply(); Loggers created from it stay
// live across Apply calls.
package logx
