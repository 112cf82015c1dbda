// Package app wires the realtime pieces together.
//
// Hub owns the distribution worker lifecycle and keeps one worker
// subscription per organization with open connections, forwarding matched
// events to the connection registry. Sweeper is the periodic heartbeat and
// idle-connection sweep.
package app
