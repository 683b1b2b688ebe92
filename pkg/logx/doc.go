// Package logx wraps zerolog behind a small Logger/Field API so packages
// don't depend on zerolog types directly. The Service variant supports
// swapping sinks and level at runtime (config reload) while loggers handed
// out earlier stay live.
package logx
