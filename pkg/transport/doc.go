// Package transport defines the capabilities the connection layer needs
// from the network: a byte-oriented stream and a message-bounded datagram
// socket. Implementations live in subpackages (tcp, quic, ws, winpipe,
// udp, mem) and deliver every event by posting it onto the caller's
// reactor, so handlers never run concurrently with protocol code.
//
// Key concepts:
//   - StreamTransport: listens for and dials Streams of one Kind
//   - Stream: ordered bytes; Write enqueues and never blocks
//   - DatagramTransport: binds Datagram sockets
//   - ConnStream: the shared Stream implementation over any io.ReadWriteCloser
package transport
