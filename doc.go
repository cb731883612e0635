// Package replhost drives a MicroPython-family device over a byte-stream
// transport (USB serial or a spawned interpreter subprocess): it implements
// the Raw/Raw-Paste REPL wire protocol, serializes execution through a
// single session permit, classifies device-side failures, and reconnects
// with bounded command replay when the transport drops.
package replhost
