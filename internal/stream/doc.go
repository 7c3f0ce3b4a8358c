// Package stream runs the streaming service: a long-lived listener plus at
// most one outbound attempt and one live session to a tablet's HID channel.
//
// Entering Connected sends, in order, the file-notify mode, the local clock
// and the client identification. Inbound capture reports are forwarded to
// Listeners, filtered into paths, and checked for the erase and save flags.
package stream
