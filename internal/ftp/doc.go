// Package ftp runs the file-transfer service: one OBEX folder-browsing
// session to a tablet, driven by asynchronous requests whose outcomes are
// delivered to Listeners.
//
// Every public operation returns whether the request was accepted. The
// outcome arrives later as exactly one completion event on the service's
// event bus.
package ftp
