// Package transport wraps the byte-level links drivers talk over: serial
// ports, BLE peripherals and UDP sockets. Every read used by an acquisition
// goroutine is bounded so a cancelled context is observed promptly.
package transport
