package server

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chatrelay/relay/pkg/protocol"
)

// BlobSink persists received image bytes and returns a stored location.
type BlobSink interface {
	Store(sender, filename string, data []byte) (string, error)
}

// EventLogger records structured connection and error events keyed by
// session ID.
type EventLogger interface {
	Event(kind string, sessionID uint64, fields map[string]any)
	Error(kind, message string, sessionID uint64)
}

// Router decides, per incoming envelope, the outgoing envelope and the
// target set, then delivers. Delivery failures drop only the failed
// target; one bad peer never blinds a broadcast.
type Router struct {
	registry *Registry
	blobs    BlobSink
	events   EventLogger
	metrics  *Metrics

	// listenAddr reports the server's bind address for the info command.
	listenAddr func() string

	// now is replaceable in tests.
	now func() time.Time

	messagesRouted atomic.Uint64
}

// NewRouter creates a router over the given registry and collaborators.
// blobs and events may be nil (images then skip persistence, events are
// discarded).
func NewRouter(registry *Registry, blobs BlobSink, events EventLogger, metrics *Metrics, listenAddr func() string) *Router {
	return &Router{
		registry:   registry,
		blobs:      blobs,
		events:     events,
		metrics:    metrics,
		listenAddr: listenAddr,
		now:        time.Now,
	}
}

// MessagesRouted returns the number of envelopes routed so far.
func (r *Router) MessagesRouted() uint64 {
	return r.messagesRouted.Load()
}

// Route handles one decoded envelope from src.
func (r *Router) Route(src *Session, env protocol.Envelope) {
	r.messagesRouted.Add(1)
	if r.metrics != nil {
		r.metrics.MessagesReceived.WithLabelValues(env.Kind()).Inc()
	}

	switch m := env.(type) {
	case protocol.Identity:
		r.routeIdentity(src, m)
	case protocol.ChatText:
		r.routeChatText(src, m)
	case protocol.ChatImage:
		r.routeChatImage(src, m)
	case protocol.PlainText:
		r.routePlainText(src, m)
	case protocol.System:
		// Clients never originate System notices; drop and note it.
		r.logEvent("client_system_dropped", src.ID, map[string]any{"body": m.Body})
	}
}

// routeIdentity attaches (or updates) the session identity. The first
// attach announces the join to every other session; the source gets a
// private welcome either way.
func (r *Router) routeIdentity(src *Session, id protocol.Identity) {
	first := src.attachIdentity(id)

	r.logEvent("identity_attached", src.ID, map[string]any{
		"username": id.Username,
		"first":    first,
	})

	if first {
		r.broadcastSystem(fmt.Sprintf("%s joined the chat", id.Username), src.ID)
	}

	r.sendSystem(src, fmt.Sprintf("Welcome, %s!", id.Username))
}

// routeChatText broadcasts an identity-carrying chat message to all
// live sessions, including the source. Clients render their own message
// from this echo.
func (r *Router) routeChatText(src *Session, msg protocol.ChatText) {
	r.adoptIdentity(src, msg.Username, msg.Avatar)

	if msg.Username == "" {
		msg.Username = src.Username()
	}
	msg.Timestamp = r.now().Format(time.RFC3339)

	r.broadcast(msg, 0)
}

// routeChatImage persists the image through the blob sink, then
// broadcasts it to all live sessions including the source. Persistence
// failure is reported to the source only and never blocks the
// broadcast; the bytes are already in memory.
func (r *Router) routeChatImage(src *Session, msg protocol.ChatImage) {
	r.adoptIdentity(src, msg.Username, msg.Avatar)

	if msg.Username == "" {
		msg.Username = src.Username()
	}
	msg.Size = int64(len(msg.Data))
	msg.Timestamp = r.now().Format(time.RFC3339)

	if r.blobs != nil {
		location, err := r.blobs.Store(msg.Username, msg.Filename, msg.Data)
		if err != nil {
			if r.metrics != nil {
				r.metrics.BlobStoreFailures.Inc()
			}
			r.logError("blob_store_failed", err.Error(), src.ID)
			r.sendSystem(src, fmt.Sprintf("Failed to store image '%s': %v", msg.Filename, err))
		} else {
			if r.metrics != nil {
				r.metrics.BlobsStored.Inc()
			}
			r.logEvent("image_stored", src.ID, map[string]any{
				"filename": msg.Filename,
				"location": location,
				"size":     msg.Size,
			})
			r.sendSystem(src, fmt.Sprintf("Image '%s' received (%d bytes)", msg.Filename, msg.Size))
		}
	}

	r.broadcast(msg, 0)
}

// routePlainText handles a legacy untagged message. With an identity
// attached it is promoted to a ChatText broadcast; without one it is a
// private command dialogue with the source only.
func (r *Router) routePlainText(src *Session, msg protocol.PlainText) {
	if id, ok := src.Identity(); ok {
		r.broadcast(protocol.ChatText{
			Username:  id.Username,
			Body:      msg.Body,
			Avatar:    id.Avatar,
			Timestamp: r.now().Format(time.RFC3339),
		}, 0)
		return
	}

	r.handleCommand(src, msg.Body)
}

// handleCommand runs the fixed command set for anonymous plain-text
// senders. Always a private request/response exchange, never broadcast.
func (r *Router) handleCommand(src *Session, body string) {
	switch strings.ToLower(strings.TrimSpace(body)) {
	case "time":
		r.sendSystem(src, fmt.Sprintf("Server time: %s", r.now().Format("2006-01-02 15:04:05")))
	case "info":
		r.sendSystem(src, fmt.Sprintf("Server info - address: %s, online sessions: %d",
			r.listenAddr(), r.registry.Count()))
	case "quit":
		r.sendSystem(src, "Goodbye!")
		r.Drop(src, "quit")
	default:
		r.sendSystem(src, fmt.Sprintf("Server echo: %s", body))
	}
}

// Drop removes a session from the registry, closes its transport, and
// announces the departure to the remaining sessions if an identity had
// been attached. Safe to call from any worker; only the caller that
// actually removes the session emits the notice.
func (r *Router) Drop(src *Session, reason string) {
	sess, removed := r.registry.Remove(src.ID)
	if !removed {
		return
	}

	r.logEvent("disconnected", sess.ID, map[string]any{
		"remote": sess.RemoteAddr,
		"reason": reason,
	})

	if id, ok := sess.Identity(); ok {
		r.broadcastSystem(fmt.Sprintf("%s left the chat", id.Username), 0)
	}
}

// adoptIdentity quietly attaches the envelope's identity to a session
// that never sent an explicit announcement, so later departures are
// still attributed. No join notice is emitted for implicit attaches.
func (r *Router) adoptIdentity(src *Session, username string, avatar []byte) {
	if username == "" {
		return
	}
	if _, ok := src.Identity(); ok {
		return
	}
	src.attachIdentity(protocol.Identity{Username: username, Avatar: avatar})
}

// sendSystem delivers a private System notice to one session. A failed
// write tears the target down like any other delivery failure.
func (r *Router) sendSystem(target *Session, body string) {
	payload, err := protocol.Serialize(protocol.System{
		Body:      body,
		Timestamp: r.now().Format(time.RFC3339),
	})
	if err != nil {
		errorLog.Printf("Session %d: encode system notice: %v", target.ID, err)
		return
	}
	r.deliver(target, payload)
}

// broadcastSystem fans a System notice out to every live session except
// excludeID (0 = no exclusion).
func (r *Router) broadcastSystem(body string, excludeID uint64) {
	r.broadcast(protocol.System{
		Body:      body,
		Timestamp: r.now().Format(time.RFC3339),
	}, excludeID)
}

// broadcast serializes the envelope once and writes it to every session
// in a registry snapshot, skipping excludeID. Targets whose write fails
// are dropped from the registry without aborting the rest of the pass.
func (r *Router) broadcast(env protocol.Envelope, excludeID uint64) {
	payload, err := protocol.Serialize(env)
	if err != nil {
		errorLog.Printf("broadcast encode failed: %v", err)
		return
	}

	for _, target := range r.registry.Snapshot() {
		if excludeID != 0 && target.ID == excludeID {
			continue
		}
		r.deliver(target, payload)
	}
}

// deliver writes one pre-serialized payload to one target.
func (r *Router) deliver(target *Session, payload []byte) {
	if err := target.Conn.WritePayload(payload); err != nil {
		debugLog.Printf("Session %d: delivery failed: %v", target.ID, err)
		if r.metrics != nil {
			r.metrics.DeliveryFailures.Inc()
		}
		r.Drop(target, "delivery failure")
		return
	}
	if r.metrics != nil {
		r.metrics.MessagesDelivered.Inc()
	}
}

func (r *Router) logEvent(kind string, sessionID uint64, fields map[string]any) {
	if r.events != nil {
		r.events.Event(kind, sessionID, fields)
	}
}

func (r *Router) logError(kind, message string, sessionID uint64) {
	if r.events != nil {
		r.events.Error(kind, message, sessionID)
	}
}
