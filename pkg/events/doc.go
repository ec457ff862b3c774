/*
Package events provides an in-memory event broker for eidetica's
internal pub/sub notifications.

The broker decouples producers (pkg/database after a commit, pkg/sync
after an ingest, a peer state change, or a bootstrap request) from
whatever subscribes (admin tooling watching for BootstrapRequested, for
example) without either side importing the other.

# Architecture

A single background goroutine owns a buffered channel of published
events and fans each one out to every subscriber's own buffered
channel:

	Publish(event) -> eventCh (buffered 100) -> run() -> broadcast()
	                                                         |
	                                            subscriber channels (buffered 50)

Publish never blocks on a slow subscriber: broadcast uses a non-blocking
send per subscriber and drops the event for any subscriber whose buffer
is full.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			log.Info(ev.Type + ": " + ev.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EntryCommitted,
		Database: root,
		Message:  "committed entry " + id,
	})

# Event types

EntryCommitted and EntryIngested mark the two ways a new entry enters a
database's DAG — produced locally via Transaction.Commit, or received
and validated during sync. PeerConnected/PeerDisconnected track the
sync engine's peer lifecycle. SyncCompleted/SyncFailed report the
outcome of a SyncWith exchange. BootstrapRequested/BootstrapApproved
track the manual-approval bootstrap flow (S5).
*/
package events
