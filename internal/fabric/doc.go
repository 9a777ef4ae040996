// Package fabric spawns participant processes and connects them to the
// coordinator with an ordered, reliable message channel.
//
// Two fabrics are provided. Memory runs each participant as a goroutine
// connected by an in-process pipe; every message still goes through the
// wire codec, so values behave exactly as they would across a real process
// boundary. Exec starts a real child process and exchanges length-prefixed
// msgpack frames over its stdin and stdout.
package fabric
