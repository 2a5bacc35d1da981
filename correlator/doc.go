// Package correlator maps a set of changed files to the tests historically affected by them.
//
// Correlation is best effort. Every failure is reported to the user as a warning and
// surfaces as an absent result, never as an error, so a session can always continue
// with an unoptimized test order.
package correlator
