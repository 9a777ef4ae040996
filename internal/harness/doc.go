// Package harness runs YAML scenarios against a coordinator and in-process
// participants and records what every process saw.
//
// A scenario names how many participants to spawn and a list of steps,
// each performed by one process: register or remove a listener, emit an
// event, or call a store operation. After every step the harness waits
// until the group is quiet, so each process's delivery list has a single
// possible order. The resulting trace is rendered as canonical JSON and
// compared against golden files under testdata/golden:
//
//	go test ./internal/harness -update
//
// regenerates them.
package harness
