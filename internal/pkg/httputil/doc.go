// Package httputil provides shared HTTP response helpers so every handler
// returns the same JSON envelope for successes and errors.
package httputil
