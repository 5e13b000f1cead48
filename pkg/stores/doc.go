// Package stores keeps the local history of step runs.
//
// Each run of the step runner is one row in the runs table and each screen
// it handles is one row in transitions. The SQLite store embeds its
// migrations and applies them with golang-migrate; it uses the cgo-free
// modernc.org/sqlite driver, so ":memory:" works in tests without a C
// toolchain.
//
// The step runner depends only on RunRecorder, so a run can also be driven
// without any history at all.
package stores
