// Package connection provides dial retry for direct device connections.
//
// Network devices come and go: they reboot during flashing, change address
// after `adb tcpip`, or simply aren't up yet. Retry wraps a dial attempt in
// exponential backoff with jitter:
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds, held until success
//  4. Reset to 1s on a successful dial
//
// Jitter (up to 25% of the base delay) keeps fleets of clients from
// reconnecting in lockstep.
package connection
