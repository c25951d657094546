// Package peer implements the two tracker peers.
//
// A Server holds a secret value and answers broadcast searches that match
// it. A Client issues searches and blocks until the tracker reports the
// servers that matched. Both keep one persistent connection to the tracker,
// announce themselves with a handshake and read frames on a dedicated
// goroutine until Shutdown closes the socket.
package peer
