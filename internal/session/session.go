// Package session manages logical tool-call sessions backed by Redis. Each
// session is one JSON record holding the caller's upstream credentials and
// the parameters cached from previous tool calls, stored with an idle TTL
// that resets to its full duration on every access. Redis is the system of
// record across all bridge instances, so any handler in the fleet can
// service any session.
package session
