// Package distribution implements the worker that matches realtime events
// against channel subscriptions and invokes the subscribed callbacks.
//
// Events reach the worker two ways: direct Publish* calls from application
// code, and change sources (Redis pub/sub, Postgres LISTEN/NOTIFY) that the
// worker connects on Start and reconnects with exponential backoff when they
// drop. Direct publishing works whether or not the worker is started.
package distribution
