/*
Package command runs short-lived external programs (git, the build environment script, the correlation collector)
and returns their combined output.

Callers depend on the Runner interface so tests can substitute canned output without touching the host.
*/
package command
